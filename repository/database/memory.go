package database

import (
	"sync"

	"github.com/Nystya/two-phase-commit/domain"
)

// MemoryDatabase keeps records in memory and remembers insertion order,
// so GetAllKeys lists transactions in the order they were begun.
type MemoryDatabase struct {
	cache map[string]*domain.Transaction
	order []string

	lock *sync.RWMutex
}

func NewMemoryDatabase() *MemoryDatabase {
	return &MemoryDatabase{
		cache: make(map[string]*domain.Transaction),
		order: make([]string, 0),
		lock:  &sync.RWMutex{},
	}
}

func (m *MemoryDatabase) Put(key string, tx *domain.Transaction) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.cache[key]; !ok {
		m.order = append(m.order, key)
	}

	m.cache[key] = tx

	return nil
}

func (m *MemoryDatabase) Get(key string) (*domain.Transaction, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	val, ok := m.cache[key]
	if !ok {
		return nil, &domain.NotFoundError{What: "transaction", ID: key}
	}

	return val, nil
}

func (m *MemoryDatabase) GetAllKeys() []string {
	m.lock.RLock()
	defer m.lock.RUnlock()

	keys := make([]string, len(m.order))
	copy(keys, m.order)

	return keys
}

func (m *MemoryDatabase) Len() int {
	m.lock.RLock()
	defer m.lock.RUnlock()

	return len(m.order)
}
