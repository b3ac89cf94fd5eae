// Package storage is the persistent key-value collaborator. Records live in
// namespaces; Sub returns a scoped view so callers such as the host cookie
// store can keep one namespace per host.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"notary-mpc/shared"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = shared.ErrNotFound

// ErrInvalidName is matched by errors for keys and namespaces that no
// record can have.
var ErrInvalidName = errors.New("invalid name")

// Store is a namespaced key-value store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Iterate calls fn for every key directly in this namespace, in key order.
	// Returning an error from fn stops the iteration and is returned.
	Iterate(ctx context.Context, fn func(key string, value []byte) error) error
	// Sub returns the child namespace name.
	Sub(name string) Store
}

const nsSeparator = "/"

// ValidateKey reports whether key can be stored. Failures match
// ErrInvalidName.
func ValidateKey(key string) error { return validateName("key", key) }

// validateName rejects names that could escape a namespace or a directory.
func validateName(kind, name string) error {
	switch {
	case name == "":
		return fmt.Errorf("storage: empty %s: %w", kind, ErrInvalidName)
	case name == "." || name == "..":
		return fmt.Errorf("storage: %s %q: %w", kind, name, ErrInvalidName)
	case strings.ContainsAny(name, nsSeparator+"\\\x00"):
		return fmt.Errorf("storage: %s %q contains a reserved character: %w", kind, name, ErrInvalidName)
	}
	return nil
}

func joinNamespace(parent, child string) string {
	if parent == "" {
		return child
	}
	return parent + nsSeparator + child
}
