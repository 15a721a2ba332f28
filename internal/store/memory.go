package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"wiggletrack/internal/model"
)

// MemoryProductStore is an in-process ProductStore used in local mode and tests.
type MemoryProductStore struct {
	mu       sync.RWMutex
	products map[string]*model.Product
	byURL    map[string]string

	// ListErr, when set, is returned by ListActive.
	ListErr error
}

func NewMemoryProductStore() *MemoryProductStore {
	return &MemoryProductStore{
		products: make(map[string]*model.Product),
		byURL:    make(map[string]string),
	}
}

func (s *MemoryProductStore) Create(ctx context.Context, p *model.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byURL[p.URL]; ok {
		return ErrDuplicateURL
	}
	s.products[p.ID] = p.Clone()
	s.byURL[p.URL] = p.ID
	return nil
}

func (s *MemoryProductStore) Get(ctx context.Context, id string) (*model.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryProductStore) GetByURL(ctx context.Context, url string) (*model.Product, error) {
	s.mu.RLock()
	id, ok := s.byURL[url]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s *MemoryProductStore) ListActive(ctx context.Context) ([]model.ProductRef, error) {
	if s.ListErr != nil {
		return nil, s.ListErr
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	refs := make([]model.ProductRef, 0, len(s.products))
	created := make(map[string]time.Time, len(s.products))
	for _, p := range s.products {
		if p.Active {
			refs = append(refs, model.ProductRef{ID: p.ID, URL: p.URL})
			created[p.ID] = p.CreatedAt
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		ci, cj := created[refs[i].ID], created[refs[j].ID]
		if ci.Equal(cj) {
			return refs[i].ID < refs[j].ID
		}
		return ci.Before(cj)
	})
	return refs, nil
}

func (s *MemoryProductStore) Update(ctx context.Context, p *model.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.products[p.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != p.Version {
		return ErrConcurrentModification
	}
	p.Version++
	p.UpdatedAt = time.Now().UTC()
	s.products[p.ID] = p.Clone()
	return nil
}

func (s *MemoryProductStore) Ping(ctx context.Context) error { return nil }
