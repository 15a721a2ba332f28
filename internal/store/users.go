package store

import (
	"context"
	"errors"
	"fmt"

	"wiggletrack/internal/model"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"
)

// GormUserStore keeps users and bookmarks in MySQL.
type GormUserStore struct {
	db *gorm.DB
}

// OpenMySQL opens the MySQL connection and migrates the user-side tables.
func OpenMySQL(dsn string) (*GormUserStore, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	if err := db.AutoMigrate(&model.User{}, &model.Bookmark{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return NewGormUserStore(db), nil
}

func NewGormUserStore(db *gorm.DB) *GormUserStore {
	return &GormUserStore{db: db}
}

func (s *GormUserStore) GetUser(ctx context.Context, id uint) (*model.User, error) {
	var u model.User
	if err := s.db.WithContext(ctx).First(&u, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// AddBookmark is idempotent; an existing bookmark keeps its notification flag.
func (s *GormUserStore) AddBookmark(ctx context.Context, userID uint, productID string) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "product_id"}},
		DoNothing: true,
	}).Create(&model.Bookmark{UserID: userID, ProductID: productID}).Error
	if err != nil {
		return fmt.Errorf("add bookmark: %w", err)
	}
	return nil
}

func (s *GormUserStore) RemoveBookmark(ctx context.Context, userID uint, productID string) error {
	res := s.db.WithContext(ctx).
		Where("user_id = ? AND product_id = ?", userID, productID).
		Delete(&model.Bookmark{})
	if res.Error != nil {
		return fmt.Errorf("remove bookmark: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormUserStore) GetBookmark(ctx context.Context, userID uint, productID string) (*model.Bookmark, error) {
	var b model.Bookmark
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND product_id = ?", userID, productID).
		First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get bookmark: %w", err)
	}
	return &b, nil
}

func (s *GormUserStore) ListBookmarks(ctx context.Context, userID uint) ([]model.Bookmark, error) {
	var list []model.Bookmark
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list bookmarks: %w", err)
	}
	return list, nil
}

// SetNotifications updates the flag; a missing bookmark is not an error so
// retried sync jobs stay idempotent.
func (s *GormUserStore) SetNotifications(ctx context.Context, userID uint, productID string, enabled bool) error {
	err := s.db.WithContext(ctx).Model(&model.Bookmark{}).
		Where("user_id = ? AND product_id = ?", userID, productID).
		Update("notifications_enabled", enabled).Error
	if err != nil {
		return fmt.Errorf("set notifications: %w", err)
	}
	return nil
}

func (s *GormUserStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying pool.
func (s *GormUserStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
