package storage

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

const (
	keystoreFile          = "keystore.json"
	keystoreFormatVersion = 1
	keystoreCheck         = "notary-mpc keystore"
)

// ErrWrongPassphrase is returned when the passphrase does not open the keystore
// or a namespace file has been modified.
var ErrWrongPassphrase = errors.New("storage: wrong passphrase or corrupted data")

// keystore is the on-disk record of the KDF parameters for a data directory.
type keystore struct {
	V     int    `json:"v"`
	Salt  []byte `json:"salt"`
	N     int    `json:"scrypt_N"`
	R     int    `json:"scrypt_r"`
	P     int    `json:"scrypt_p"`
	Nonce []byte `json:"nonce"`
	Check []byte `json:"check"`
}

// sealed is the on-disk form of one encrypted namespace file.
type sealed struct {
	V      int    `json:"v"`
	Nonce  []byte `json:"nonce"`
	Cipher []byte `json:"cipher"`
}

// Tunables for scrypt key derivation.
func scryptParamsDefault() (N, r, p int) { return 1 << 15, 8, 1 }

// openKeystore derives the data key for dir, creating the keystore on first use.
func openKeystore(dir, passphrase string, n int) (cipher.AEAD, error) {
	path := filepath.Join(dir, keystoreFile)
	raw, err := readFile(path)
	if err != nil {
		return nil, err
	}

	if raw == nil {
		defN, r, p := scryptParamsDefault()
		if n == 0 {
			n = defN
		}
		ks := keystore{V: keystoreFormatVersion, N: n, R: r, P: p, Salt: make([]byte, 16)}
		if _, err := rand.Read(ks.Salt); err != nil {
			return nil, err
		}
		aead, err := deriveAEAD(passphrase, ks)
		if err != nil {
			return nil, err
		}
		ks.Nonce = make([]byte, aead.NonceSize())
		if _, err := rand.Read(ks.Nonce); err != nil {
			return nil, err
		}
		ks.Check = aead.Seal(nil, ks.Nonce, []byte(keystoreCheck), nil)
		b, err := json.Marshal(ks)
		if err != nil {
			return nil, err
		}
		if err := writeFile(path, b, 0o600); err != nil {
			return nil, err
		}
		return aead, nil
	}

	var ks keystore
	if err := json.Unmarshal(raw, &ks); err != nil {
		return nil, fmt.Errorf("storage: corrupt keystore: %w", err)
	}
	if ks.V > keystoreFormatVersion {
		return nil, fmt.Errorf("storage: unsupported keystore version %d", ks.V)
	}
	aead, err := deriveAEAD(passphrase, ks)
	if err != nil {
		return nil, err
	}
	if _, err := aead.Open(nil, ks.Nonce, ks.Check, nil); err != nil {
		return nil, ErrWrongPassphrase
	}
	return aead, nil
}

func deriveAEAD(passphrase string, ks keystore) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(passphrase), ks.Salt, ks.N, ks.R, ks.P, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	return chacha20poly1305.NewX(key)
}

// seal encrypts raw, binding it to the namespace so files cannot be swapped.
func seal(aead cipher.AEAD, namespace string, raw []byte) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return json.Marshal(sealed{
		V:      keystoreFormatVersion,
		Nonce:  nonce,
		Cipher: aead.Seal(nil, nonce, raw, []byte(namespace)),
	})
}

func unseal(aead cipher.AEAD, namespace string, b []byte) ([]byte, error) {
	var s sealed
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, s.Nonce, s.Cipher, []byte(namespace))
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return pt, nil
}

// readFile reads the file at path; a missing file yields nil, nil.
func readFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// writeFile writes bytes via a temp file, then atomically replaces the target.
func writeFile(path string, b []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Chmod(mode); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
