package services

import (
	"errors"
	"sort"
	"strings"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrForbidden             = errors.New("not found") // same text: a non-owner can't learn the item exists
	ErrEmptyCart             = errors.New("cart is empty")
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrProtected             = errors.New("entity is still referenced")
	ErrConflict              = errors.New("already exists")
	ErrInvalidCredentials    = errors.New("invalid username or password")
)

// ValidationError lists field constraint violations. It is returned before any write.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

type validator map[string]string

func (v validator) check(ok bool, field, msg string) {
	if !ok {
		if _, exists := v[field]; !exists {
			v[field] = msg
		}
	}
}

func (v validator) err() error {
	if len(v) == 0 {
		return nil
	}
	return &ValidationError{Fields: v}
}
