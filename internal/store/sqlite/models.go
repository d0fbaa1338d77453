package sqlite

import "time"

type UserModel struct {
	ID               int64  `gorm:"primaryKey"`
	Username         string `gorm:"uniqueIndex;not null"`
	AvatarURL        string `gorm:"not null;default:''"`
	SensitivityLevel string `gorm:"not null;default:'medium'"`
	WarningCount     int    `gorm:"not null;default:0"`
	HasRedTag        bool   `gorm:"not null;default:false"`
	IsBlocked        bool   `gorm:"not null;default:false"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (UserModel) TableName() string { return "users" }

type FriendRequestModel struct {
	ID         int64  `gorm:"primaryKey"`
	SenderID   int64  `gorm:"not null;index"`
	ReceiverID int64  `gorm:"not null;index"`
	Status     string `gorm:"not null;default:'pending'"`
	CreatedAt  time.Time
}

func (FriendRequestModel) TableName() string { return "friend_requests" }

type MessageModel struct {
	ID              int64  `gorm:"primaryKey"`
	SenderID        int64  `gorm:"not null;index"`
	ReceiverID      int64  `gorm:"not null;index"`
	Content         string `gorm:"not null"`
	ContentFiltered string `gorm:"not null;default:''"`
	MessageType     string `gorm:"not null;default:'text'"`
	IsFlagged       bool   `gorm:"not null;default:false"`
	SeverityScore   *string
	IsBlocked       bool `gorm:"not null;default:false"`
	CreatedAt       time.Time
}

func (MessageModel) TableName() string { return "messages" }

type IncidentModel struct {
	ID              int64  `gorm:"primaryKey"`
	UserID          int64  `gorm:"not null;index"`
	Severity        string `gorm:"not null"`
	DetectedContent string `gorm:"not null"`
	AIAnalysis      string `gorm:"column:ai_analysis;not null;default:''"`
	DetectionModel  string `gorm:"not null"`
	ConfidenceScore float64
	IsResolved      bool `gorm:"not null;default:false"`
	CreatedAt       time.Time
}

func (IncidentModel) TableName() string { return "incidents" }
