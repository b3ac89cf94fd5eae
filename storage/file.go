package storage

import (
	"context"
	"crypto/cipher"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const rootNamespaceFile = "_root"

// FileStoreOptions configures a FileStore.
type FileStoreOptions struct {
	// Passphrase enables encryption at rest. Host cookies and headers are
	// secrets, so production deployments should set it.
	Passphrase string
	// ScryptN overrides the scrypt cost for a new keystore (tests use a low value).
	ScryptN int
}

type fileRoot struct {
	dir  string
	aead cipher.AEAD
	mu   sync.Mutex
}

// FileStore keeps one JSON file per namespace under a data directory.
type FileStore struct {
	root      *fileRoot
	namespace string
	err       error
}

// NewFileStore opens (creating if needed) a store rooted at dir.
func NewFileStore(dir string, opts FileStoreOptions) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	root := &fileRoot{dir: dir}
	if opts.Passphrase != "" {
		aead, err := openKeystore(dir, opts.Passphrase, opts.ScryptN)
		if err != nil {
			return nil, err
		}
		root.aead = aead
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) path() string {
	if s.namespace == "" {
		return filepath.Join(s.root.dir, rootNamespaceFile+".json")
	}
	parts := strings.Split(s.namespace, nsSeparator)
	return filepath.Join(append([]string{s.root.dir}, parts...)...) + ".json"
}

// load reads the namespace map; callers hold root.mu.
func (s *FileStore) load() (map[string][]byte, error) {
	m := make(map[string][]byte)
	raw, err := readFile(s.path())
	if err != nil || raw == nil {
		return m, err
	}
	if s.root.aead != nil {
		if raw, err = unseal(s.root.aead, s.namespace, raw); err != nil {
			return nil, err
		}
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// save writes the namespace map; callers hold root.mu.
func (s *FileStore) save(m map[string][]byte) error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if s.root.aead != nil {
		if raw, err = seal(s.root.aead, s.namespace, raw); err != nil {
			return err
		}
	}
	return writeFile(s.path(), raw, 0o600)
}

func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := s.check(key); err != nil {
		return nil, err
	}
	s.root.mu.Lock()
	defer s.root.mu.Unlock()

	m, err := s.load()
	if err != nil {
		return nil, err
	}
	v, ok := m[key]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (s *FileStore) Put(ctx context.Context, key string, value []byte) error {
	if err := s.check(key); err != nil {
		return err
	}
	s.root.mu.Lock()
	defer s.root.mu.Unlock()

	m, err := s.load()
	if err != nil {
		return err
	}
	m[key] = append([]byte(nil), value...)
	return s.save(m)
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	if err := s.check(key); err != nil {
		return err
	}
	s.root.mu.Lock()
	defer s.root.mu.Unlock()

	m, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := m[key]; !ok {
		return nil
	}
	delete(m, key)
	return s.save(m)
}

func (s *FileStore) Iterate(ctx context.Context, fn func(key string, value []byte) error) error {
	if s.err != nil {
		return s.err
	}
	s.root.mu.Lock()
	m, err := s.load()
	s.root.mu.Unlock()
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(k, m[k]); err != nil {
			return err
		}
	}
	return nil
}

func (s *FileStore) Sub(name string) Store {
	sub := &FileStore{root: s.root, namespace: joinNamespace(s.namespace, name), err: s.err}
	if sub.err == nil {
		sub.err = validateName("namespace", name)
	}
	return sub
}

func (s *FileStore) check(key string) error {
	if s.err != nil {
		return s.err
	}
	return validateName("key", key)
}
