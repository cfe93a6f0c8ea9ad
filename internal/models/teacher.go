// Package models holds account models shared across layers.
package models

import "time"

// Teacher is a staff account for the monitoring dashboard.
type Teacher struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Email        string    `gorm:"type:varchar(128);uniqueIndex;not null" json:"email"`
	PasswordHash string    `gorm:"type:varchar(128);not null" json:"-"`
	SchoolName   string    `gorm:"type:varchar(128);not null" json:"school_name"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (Teacher) TableName() string { return "teachers" }
