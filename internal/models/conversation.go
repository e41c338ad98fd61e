package models

import "time"

// Conversation binds an order (or a customer's support channel) to a staff
// discussion thread. Rows are never deleted; IsActive is cleared instead.
// PinnedCardMessageID is only ever set while ThreadID is set.
type Conversation struct {
	ID                  uint    `gorm:"primaryKey;autoIncrement"`
	Key                 string  `gorm:"size:64;not null;uniqueIndex"` // "order:42" or "support:7"
	OrderID             *uint   `gorm:"index"`
	UserID              int64   `gorm:"not null;index"`
	ChatID              int64   `gorm:"index"`
	ThreadID            *string `gorm:"size:128;index"`
	PinnedCardMessageID *string `gorm:"size:128"`
	UnreadCount         int     `gorm:"default:0"`
	LastMessagePreview  string  `gorm:"size:256"`
	LastSender          string  `gorm:"size:16"`
	IsActive            bool    `gorm:"default:true;index"`
	CreatedAt           time.Time
	UpdatedAt           time.Time

	Messages []ConversationMessage `gorm:"foreignKey:ConversationID"`
}

// ConversationMessage is one relayed message in a conversation's history.
type ConversationMessage struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	ConversationID uint   `gorm:"not null;index"`
	Role           string `gorm:"size:16;not null"` // "customer", "staff", "system"
	UserName       string `gorm:"size:64"`
	Content        string `gorm:"type:text;not null"`
	PlatformMsgID  string `gorm:"size:128"`
	CreatedAt      time.Time
}
