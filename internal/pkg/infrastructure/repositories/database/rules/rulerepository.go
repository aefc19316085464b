package rules

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	. "github.com/diwise/iot-rule-engine/internal/pkg/infrastructure/repositories/database"
)

var ErrRuleNotFound = fmt.Errorf("rule not found")

type RuleRepository interface {
	GetAll(ctx context.Context, onlyActive bool) ([]Rule, error)
	GetByID(ctx context.Context, ruleID int64) (Rule, error)
	GetByProjectID(ctx context.Context, projectID int64) ([]Rule, error)
	Save(ctx context.Context, rule Rule) (Rule, error)
	Delete(ctx context.Context, ruleID int64) error
}

type ruleRepository struct {
	db *gorm.DB
}

func NewRuleRepository(connect ConnectorFunc) (RuleRepository, error) {
	impl, err := connect()
	if err != nil {
		return nil, err
	}

	err = impl.AutoMigrate(&Rule{})
	if err != nil {
		return nil, err
	}

	return &ruleRepository{
		db: impl,
	}, nil
}

func (r *ruleRepository) GetAll(ctx context.Context, onlyActive bool) ([]Rule, error) {
	var rules []Rule

	query := r.db.WithContext(ctx)

	if onlyActive {
		query = query.Where("active = ?", true)
	}

	err := query.Order("id").Find(&rules).Error
	if err != nil {
		return []Rule{}, err
	}

	return rules, nil
}

func (r *ruleRepository) GetByID(ctx context.Context, ruleID int64) (Rule, error) {
	rule := Rule{}

	err := r.db.WithContext(ctx).
		Where("id = ?", ruleID).
		First(&rule).
		Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Rule{}, ErrRuleNotFound
		}
		return Rule{}, err
	}

	return rule, nil
}

func (r *ruleRepository) GetByProjectID(ctx context.Context, projectID int64) ([]Rule, error) {
	var rules []Rule

	err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("id").
		Find(&rules).
		Error

	return rules, err
}

// Save creates the rule when it has no id and updates it otherwise.
func (r *ruleRepository) Save(ctx context.Context, rule Rule) (Rule, error) {
	if rule.ID != 0 {
		if _, err := r.GetByID(ctx, rule.ID); err != nil {
			return Rule{}, err
		}
	}

	err := r.db.WithContext(ctx).Save(&rule).Error
	if err != nil {
		return Rule{}, err
	}

	return rule, nil
}

func (r *ruleRepository) Delete(ctx context.Context, ruleID int64) error {
	result := r.db.WithContext(ctx).Where("id = ?", ruleID).Delete(&Rule{})
	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrRuleNotFound
	}

	return nil
}
