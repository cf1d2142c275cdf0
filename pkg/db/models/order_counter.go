package models

import "time"

// OrderCounter hands out monotonic order numbers, one row per sequence name.
type OrderCounter struct {
	Name      string    `gorm:"column:name;primaryKey"`
	Value     int64     `gorm:"column:value;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
