package storage

import (
	"context"
	"encoding/json"
	"errors"
)

// GetJSON loads key into out. It returns ErrNotFound when the key is missing.
func GetJSON(ctx context.Context, s Store, key string, out any) error {
	b, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// PutJSON stores v under key.
func PutJSON(ctx context.Context, s Store, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Put(ctx, key, b)
}

// UpdateJSON performs a serialized read-modify-write of key. fn receives the
// current value (found=false when missing) and mutates it in place; returning
// an error aborts without writing. lockKey scopes the critical section.
func UpdateJSON[T any](ctx context.Context, s Store, l *Locker, lockKey, key string, fn func(v *T, found bool) error) error {
	return l.RunExclusive(ctx, lockKey, func() error {
		var v T
		found := true
		if err := GetJSON(ctx, s, key, &v); err != nil {
			if !errors.Is(err, ErrNotFound) {
				return err
			}
			found = false
		}
		if err := fn(&v, found); err != nil {
			return err
		}
		return PutJSON(ctx, s, key, &v)
	})
}
