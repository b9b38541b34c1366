package model

import "time"

// 言語設定
type Language struct {
	ChatID    string `gorm:"type:varchar(50);primary_key"`
	Lang      string `gorm:"type:varchar(10)"`
	UpdatedAt time.Time
}
