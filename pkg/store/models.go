package store

import (
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID           string    `gorm:"primaryKey"`
	Username     string    `gorm:"uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	Role         string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

type CaseModel struct {
	ID        string `gorm:"primaryKey"`
	OwnerID   string `gorm:"not null;index"`
	Name      string `gorm:"not null"`
	Age       int    `gorm:"not null"`
	Gender    string `gorm:"not null"`
	Location  string `gorm:"not null"`
	PhotoKey  string
	Feature   pgvector.Vector `gorm:"type:vector(512)"`
	Status    string          `gorm:"not null;index"`
	CreatedAt time.Time       `gorm:"not null;index"`
	FoundAt   *time.Time
}

type NotificationModel struct {
	ID          string `gorm:"primaryKey"`
	RecipientID string `gorm:"not null;index:idx_notifications_event,unique,priority:2;index"`
	EventKey    string `gorm:"not null;index:idx_notifications_event,unique,priority:1"`
	Message     string `gorm:"not null"`
	CaseID      string
	Meta        datatypes.JSON `gorm:"type:jsonb"`
	IsRead      bool           `gorm:"not null"`
	CreatedAt   time.Time      `gorm:"not null;index"`
}
