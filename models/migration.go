package models

import (
	"log"

	"bitbucket.org/mmdatafocus/possync_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&SyncConfig{}, &OAuthToken{}, &PaymentMethodMapping{},
		&EntityMapping{}, &SyncEvent{}, &SyncRun{}, &SyncLogEntry{},
		&Customer{}, &Product{},
		&SalesOrder{}, &SalesOrderItem{}, &Invoice{}, &Payment{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
