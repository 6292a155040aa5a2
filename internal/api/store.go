package api

import (
	"sync"

	"github.com/google/uuid"
)

const defaultStoreSize = 64

// ForwardStore keeps the most recent stored forward results.
type ForwardStore struct {
	mu    sync.Mutex
	size  int
	order []string
	items map[string]ForwardResponse
}

func NewForwardStore(size int) *ForwardStore {
	if size <= 0 {
		size = defaultStoreSize
	}
	return &ForwardStore{
		size:  size,
		items: make(map[string]ForwardResponse),
	}
}

func (s *ForwardStore) Save(resp ForwardResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[resp.ID]; !ok {
		s.order = append(s.order, resp.ID)
	}
	s.items[resp.ID] = resp
	for len(s.order) > s.size {
		delete(s.items, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *ForwardStore) Get(id string) (ForwardResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, ok := s.items[id]
	return resp, ok
}

func (s *ForwardStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return false
	}
	delete(s.items, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *ForwardStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func newForwardID() string {
	return "fwd_" + uuid.NewString()
}
