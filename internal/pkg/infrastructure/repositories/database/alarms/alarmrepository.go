package alarms

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	. "github.com/diwise/iot-rule-engine/internal/pkg/infrastructure/repositories/database"
)

var ErrAlarmNotFound = fmt.Errorf("alarm not found")

type AlarmRepository interface {
	GetAll(ctx context.Context) ([]Alarm, error)
	GetByID(ctx context.Context, alarmID int64) (Alarm, error)
	GetByIDs(ctx context.Context, alarmIDs ...int64) ([]Alarm, error)
	GetByProjectID(ctx context.Context, projectID int64) ([]Alarm, error)
	GetByRuleID(ctx context.Context, ruleID int64) ([]Alarm, error)
	Add(ctx context.Context, alarm Alarm) (Alarm, error)
	Delete(ctx context.Context, alarmID int64) error
}

type alarmRepository struct {
	db *gorm.DB
}

func NewAlarmRepository(connect ConnectorFunc) (AlarmRepository, error) {
	impl, err := connect()
	if err != nil {
		return nil, err
	}

	err = impl.AutoMigrate(&Alarm{}, &AlarmEvent{})
	if err != nil {
		return nil, err
	}

	return &alarmRepository{
		db: impl,
	}, nil
}

func (d *alarmRepository) withEvents(ctx context.Context) *gorm.DB {
	return d.db.WithContext(ctx).Preload("Events", func(db *gorm.DB) *gorm.DB {
		return db.Order("alarm_events.id")
	})
}

func (d *alarmRepository) GetAll(ctx context.Context) ([]Alarm, error) {
	var alarms []Alarm

	err := d.withEvents(ctx).Order("id").Find(&alarms).Error
	if err != nil {
		return []Alarm{}, err
	}

	return alarms, nil
}

func (d *alarmRepository) GetByID(ctx context.Context, alarmID int64) (Alarm, error) {
	alarm := Alarm{}

	err := d.withEvents(ctx).
		Where("id = ?", alarmID).
		First(&alarm).
		Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Alarm{}, ErrAlarmNotFound
		}
		return Alarm{}, err
	}

	return alarm, nil
}

// GetByIDs silently skips ids that do not exist.
func (d *alarmRepository) GetByIDs(ctx context.Context, alarmIDs ...int64) ([]Alarm, error) {
	var alarms []Alarm

	if len(alarmIDs) == 0 {
		return alarms, nil
	}

	err := d.withEvents(ctx).
		Where("id IN ?", alarmIDs).
		Order("id").
		Find(&alarms).
		Error

	return alarms, err
}

func (d *alarmRepository) GetByProjectID(ctx context.Context, projectID int64) ([]Alarm, error) {
	var alarms []Alarm

	err := d.withEvents(ctx).
		Where("project_id = ?", projectID).
		Order("id").
		Find(&alarms).
		Error

	return alarms, err
}

func (d *alarmRepository) GetByRuleID(ctx context.Context, ruleID int64) ([]Alarm, error) {
	var alarms []Alarm

	sub := d.db.WithContext(ctx).Model(&AlarmEvent{}).Select("alarm_id").Where("rule_id = ?", ruleID)

	err := d.withEvents(ctx).
		Where("id IN (?)", sub).
		Order("id").
		Find(&alarms).
		Error

	return alarms, err
}

func (d *alarmRepository) Add(ctx context.Context, alarm Alarm) (Alarm, error) {
	err := d.db.WithContext(ctx).
		Create(&alarm).
		Error

	if err != nil {
		return Alarm{}, err
	}

	return alarm, nil
}

func (d *alarmRepository) Delete(ctx context.Context, alarmID int64) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("alarm_id = ?", alarmID).Delete(&AlarmEvent{}).Error; err != nil {
			return err
		}

		result := tx.Where("id = ?", alarmID).Delete(&Alarm{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrAlarmNotFound
		}

		return nil
	})
}
