package storage

import "context"

const (
	cookiesNamespace = "cookies"
	headersNamespace = "headers"
)

// HostStore keeps captured cookies and headers in one namespace per host.
type HostStore struct {
	store  Store
	locker *Locker
}

func NewHostStore(s Store, l *Locker) *HostStore {
	return &HostStore{store: s, locker: l}
}

// SetCookies merges cookies into host's cookie jar.
func (h *HostStore) SetCookies(ctx context.Context, host string, cookies map[string]string) error {
	return h.merge(ctx, cookiesNamespace, host, cookies)
}

// Cookies returns every cookie recorded for host.
func (h *HostStore) Cookies(ctx context.Context, host string) (map[string]string, error) {
	return h.read(ctx, cookiesNamespace, host)
}

// SetHeaders merges headers into host's header set.
func (h *HostStore) SetHeaders(ctx context.Context, host string, headers map[string]string) error {
	return h.merge(ctx, headersNamespace, host, headers)
}

// Headers returns every header recorded for host.
func (h *HostStore) Headers(ctx context.Context, host string) (map[string]string, error) {
	return h.read(ctx, headersNamespace, host)
}

// ClearHost forgets cookies and headers for host.
func (h *HostStore) ClearHost(ctx context.Context, host string) error {
	for _, kind := range []string{cookiesNamespace, headersNamespace} {
		ns := h.store.Sub(kind).Sub(host)
		err := h.locker.RunExclusive(ctx, kind+nsSeparator+host, func() error {
			var keys []string
			if err := ns.Iterate(ctx, func(key string, _ []byte) error {
				keys = append(keys, key)
				return nil
			}); err != nil {
				return err
			}
			for _, k := range keys {
				if err := ns.Delete(ctx, k); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (h *HostStore) merge(ctx context.Context, kind, host string, values map[string]string) error {
	ns := h.store.Sub(kind).Sub(host)
	return h.locker.RunExclusive(ctx, kind+nsSeparator+host, func() error {
		for k, v := range values {
			if err := ns.Put(ctx, k, []byte(v)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (h *HostStore) read(ctx context.Context, kind, host string) (map[string]string, error) {
	out := make(map[string]string)
	err := h.store.Sub(kind).Sub(host).Iterate(ctx, func(key string, value []byte) error {
		out[key] = string(value)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
