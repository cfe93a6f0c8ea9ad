// Package db opens the gorm database handle and keeps the schema migrated.
package db

import (
	"log"

	"github.com/thynklab/thynkbot/internal/coach"
	"github.com/thynklab/thynkbot/internal/models"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

func Connect(dsn string) *gorm.DB {
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	if err := Migrate(gdb); err != nil {
		log.Fatalf("db migrate: %v", err)
	}
	return gdb
}

func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&models.Teacher{},
		&coach.Session{},
		&coach.Message{},
		&coach.Incident{},
		&coach.Job{},
	)
}
