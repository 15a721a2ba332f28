package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"wiggletrack/internal/model"
)

type bookmarkKey struct {
	userID    uint
	productID string
}

// MemoryUserStore is an in-process UserStore used in local mode and tests.
type MemoryUserStore struct {
	mu        sync.Mutex
	users     map[uint]model.User
	bookmarks map[bookmarkKey]*model.Bookmark
	nextID    uint

	// SetErr, when set, fails SetNotifications calls.
	SetErr error
}

func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{
		users:     make(map[uint]model.User),
		bookmarks: make(map[bookmarkKey]*model.Bookmark),
	}
}

// PutUser inserts or replaces a user record.
func (s *MemoryUserStore) PutUser(u model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

func (s *MemoryUserStore) GetUser(ctx context.Context, id uint) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (s *MemoryUserStore) AddBookmark(ctx context.Context, userID uint, productID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := bookmarkKey{userID, productID}
	if _, ok := s.bookmarks[key]; ok {
		return nil
	}
	now := time.Now()
	s.nextID++
	s.bookmarks[key] = &model.Bookmark{
		ID:        s.nextID,
		UserID:    userID,
		ProductID: productID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return nil
}

func (s *MemoryUserStore) RemoveBookmark(ctx context.Context, userID uint, productID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := bookmarkKey{userID, productID}
	if _, ok := s.bookmarks[key]; !ok {
		return ErrNotFound
	}
	delete(s.bookmarks, key)
	return nil
}

func (s *MemoryUserStore) GetBookmark(ctx context.Context, userID uint, productID string) (*model.Bookmark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookmarks[bookmarkKey{userID, productID}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryUserStore) ListBookmarks(ctx context.Context, userID uint) ([]model.Bookmark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []model.Bookmark
	for k, b := range s.bookmarks {
		if k.userID == userID {
			list = append(list, *b)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID > list[j].ID })
	return list, nil
}

func (s *MemoryUserStore) SetNotifications(ctx context.Context, userID uint, productID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SetErr != nil {
		return s.SetErr
	}
	if b, ok := s.bookmarks[bookmarkKey{userID, productID}]; ok {
		b.NotificationsEnabled = enabled
		b.UpdatedAt = time.Now()
	}
	return nil
}

func (s *MemoryUserStore) Ping(ctx context.Context) error { return nil }
