package store

import (
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

type DocumentModel struct {
	ID        string `gorm:"primaryKey;size:64"`
	Fields    string `gorm:"type:json"`
	Version   uint64 `gorm:"not null;default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (DocumentModel) TableName() string { return "documents" }

type DocChangeModel struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	DocumentID string `gorm:"size:64;uniqueIndex:idx_doc_seq"`
	Sequence   uint64 `gorm:"uniqueIndex:idx_doc_seq"`
	Field      string `gorm:"size:255"`
	OldValue   string `gorm:"type:json"`
	NewValue   string `gorm:"type:json"`
	AuthorID   uint64
	ClientTS   *time.Time
	AppliedAt  time.Time
}

func (DocChangeModel) TableName() string { return "doc_changes" }

func InitMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&DocumentModel{}, &DocChangeModel{}); err != nil {
		return nil, err
	}
	return db, nil
}
