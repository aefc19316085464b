package firedrules

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	. "github.com/diwise/iot-rule-engine/internal/pkg/infrastructure/repositories/database"
)

var ErrFiredRuleNotFound = fmt.Errorf("fired rule not found")

type FiredRuleRepository interface {
	Get(ctx context.Context, ruleID int64, scope string) (FiredRule, error)
	GetByRuleIDs(ctx context.Context, scope string, ruleIDs ...int64) ([]FiredRule, error)
	Save(ctx context.Context, fr FiredRule) error
	DeleteByRuleID(ctx context.Context, ruleID int64) error
}

type firedRuleRepository struct {
	db *gorm.DB
}

func NewFiredRuleRepository(connect ConnectorFunc) (FiredRuleRepository, error) {
	impl, err := connect()
	if err != nil {
		return nil, err
	}

	err = impl.AutoMigrate(&FiredRule{})
	if err != nil {
		return nil, err
	}

	return &firedRuleRepository{
		db: impl,
	}, nil
}

func (r *firedRuleRepository) Get(ctx context.Context, ruleID int64, scope string) (FiredRule, error) {
	fr := FiredRule{}

	err := r.db.WithContext(ctx).
		Where("rule_id = ? AND scope = ?", ruleID, scope).
		First(&fr).
		Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return FiredRule{}, ErrFiredRuleNotFound
		}
		return FiredRule{}, err
	}

	return fr, nil
}

func (r *firedRuleRepository) GetByRuleIDs(ctx context.Context, scope string, ruleIDs ...int64) ([]FiredRule, error) {
	var facts []FiredRule

	if len(ruleIDs) == 0 {
		return facts, nil
	}

	err := r.db.WithContext(ctx).
		Where("scope = ? AND rule_id IN ?", scope, ruleIDs).
		Order("rule_id").
		Find(&facts).
		Error

	return facts, err
}

// Save inserts or replaces the fact identified by rule id and scope.
func (r *firedRuleRepository) Save(ctx context.Context, fr FiredRule) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&fr).
		Error
}

func (r *firedRuleRepository) DeleteByRuleID(ctx context.Context, ruleID int64) error {
	return r.db.WithContext(ctx).
		Where("rule_id = ?", ruleID).
		Delete(&FiredRule{}).
		Error
}
