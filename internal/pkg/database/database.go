package database

import (
	"gorm.io/gorm"

	"github.com/ManuelReschke/TradingAgent/app/models"
)

// DB is the process wide connection set up by SetupDatabase.
var DB *gorm.DB

func GetDB() *gorm.DB {
	return DB
}

// Models lists every table owned by the service, in dependency order.
func Models() []interface{} {
	return []interface{}{
		&models.User{},
		&models.UserSettings{},
		&models.PricingStrategy{},
		&models.UserQuota{},
		&models.Task{},
		&models.TaskPayment{},
		&models.BillingWebhookEvent{},
	}
}
