package models

type UserTier string

const (
	TierFree       UserTier = "free"
	TierStandard   UserTier = "standard"
	TierEnterprise UserTier = "enterprise"
)

type User struct {
	BaseModel
	Email    string   `gorm:"uniqueIndex;not null" json:"email"`
	Name     string   `json:"name"`
	Tier     UserTier `gorm:"default:free" json:"tier"`
	IsActive bool     `gorm:"default:true" json:"is_active"`
}
