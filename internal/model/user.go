package model

import "time"

// User mirrors the account record owned by the account service.
// Only contact data is read here.
type User struct {
	ID        uint   `gorm:"primaryKey"`                    // user id
	Email     string `gorm:"type:varchar(191);uniqueIndex"` // unique
	Name      string `gorm:"type:varchar(191)"`
	CreatedAt time.Time

	Bookmarks []Bookmark `gorm:"foreignKey:UserID"`
}

// Bookmark links a user to a tracked product.
//
// NotificationsEnabled mirrors whether the product document holds a
// subscription for this user; it is cleared after a notification is sent.
type Bookmark struct {
	ID                   uint      `gorm:"primaryKey"`
	UserID               uint      `gorm:"not null;uniqueIndex:idx_user_product"`
	ProductID            string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_user_product;index"`
	NotificationsEnabled bool      `gorm:"default:false"`
	CreatedAt            time.Time // bookmark time
	UpdatedAt            time.Time
}
