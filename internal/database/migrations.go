package database

import (
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/calebmorrow/notiq/internal/models"
)

// Migrate creates or updates the database schema for all models.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Notification{},
		&models.SyncOperation{},
		&models.SyncError{},
		&models.Rule{},
		&models.Setting{},
	)
}

// SeedDefaultRules installs the built-in rules every fresh install starts
// with: surface OTP messages at critical priority, and shunt promotional
// noise to Junk. Both are regular rules evaluated by the shared engine.
func SeedDefaultRules(db *gorm.DB) error {
	defaults := []models.Rule{
		{
			BaseModel:  models.BaseModel{ID: "builtin-otp-always"},
			Name:       "Always Show OTP",
			Type:       models.RuleOTPAlways,
			Priority:   models.RulePriorityCritical,
			Enabled:    true,
			Conditions: datatypes.JSON([]byte(`{}`)),
			Actions:    datatypes.JSON([]byte(`{"items":[{"type":"setPriority","priority":3}]}`)),
		},
		{
			BaseModel:  models.BaseModel{ID: "builtin-promo-mute"},
			Name:       "Mute Promotional",
			Type:       models.RulePromoMute,
			Priority:   models.RulePriorityLow,
			Enabled:    true,
			Conditions: datatypes.JSON([]byte(`{}`)),
			Actions:    datatypes.JSON([]byte(`{"items":[{"type":"setCategory","category":"Junk"}]}`)),
		},
	}

	for _, rule := range defaults {
		err := db.
			Where(models.Rule{BaseModel: models.BaseModel{ID: rule.ID}}).
			Attrs(rule).
			FirstOrCreate(&models.Rule{}).Error
		if err != nil {
			return err
		}
	}

	return nil
}
