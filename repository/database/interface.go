package database

import "github.com/Nystya/two-phase-commit/domain"

// Database stores transaction records by id.
type Database interface {
	Put(key string, tx *domain.Transaction) error
	Get(key string) (*domain.Transaction, error)
	GetAllKeys() []string
	Len() int
}
