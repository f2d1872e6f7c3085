package contexts

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrContextNotFound = errors.New("context not found")

type ContextNotFoundError struct {
	ID string
}

func (e *ContextNotFoundError) Error() string {
	if e == nil {
		return ErrContextNotFound.Error()
	}
	return fmt.Sprintf("context %q not found", e.ID)
}

func (e *ContextNotFoundError) Is(target error) bool { return target == ErrContextNotFound }

// Store is the read side of context persistence. Implementations return a
// *ContextNotFoundError for unknown ids.
type Store interface {
	GetContextByID(ctx context.Context, id string) (*Context, error)
}

type StoreFunc func(ctx context.Context, id string) (*Context, error)

func (f StoreFunc) GetContextByID(ctx context.Context, id string) (*Context, error) {
	return f(ctx, id)
}

// MemoryStore keeps contexts in a map. Reads return clones.
type MemoryStore struct {
	mu       sync.RWMutex
	contexts map[string]*Context
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(contexts ...*Context) *MemoryStore {
	s := &MemoryStore{contexts: map[string]*Context{}}
	for _, c := range contexts {
		s.Put(c)
	}
	return s
}

func (s *MemoryStore) Put(c *Context) {
	if c == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts[c.ID] = c.Clone()
}

func (s *MemoryStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.contexts, id)
}

func (s *MemoryStore) GetContextByID(_ context.Context, id string) (*Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contexts[id]
	if !ok {
		return nil, &ContextNotFoundError{ID: id}
	}
	return c.Clone(), nil
}
