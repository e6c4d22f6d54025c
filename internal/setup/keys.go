package setup

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// KeyStore keeps uploaded private keys readable by the owner only.
type KeyStore struct {
	dir string
}

func NewKeyStore(dir string) *KeyStore {
	return &KeyStore{dir: dir}
}

func cleanKeyName(name string) (string, error) {
	base := filepath.Base(strings.TrimSpace(name))
	if base == "." || base == ".." || base == string(filepath.Separator) || base == "" {
		return "", fmt.Errorf("%w: bad key name %q", ErrInvalidRequest, name)
	}
	return base, nil
}

// Store writes the key as name (base name only) with mode 0600 and returns
// the stored name.
func (k *KeyStore) Store(name string, r io.Reader) (string, error) {
	base, err := cleanKeyName(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(k.dir, 0o700); err != nil {
		return "", fmt.Errorf("create key dir: %w", err)
	}

	path := filepath.Join(k.dir, base)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("store key: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("store key: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("store key: %w", err)
	}
	// OpenFile's mode only applies on create.
	if err := os.Chmod(path, 0o600); err != nil {
		return "", fmt.Errorf("store key: %w", err)
	}
	return base, nil
}

// Path resolves a stored key name, or "" for none.
func (k *KeyStore) Path(name string) string {
	if name == "" {
		return ""
	}
	base, err := cleanKeyName(name)
	if err != nil {
		return ""
	}
	return filepath.Join(k.dir, base)
}

// Exists reports whether a stored key is present.
func (k *KeyStore) Exists(name string) bool {
	p := k.Path(name)
	if p == "" {
		return false
	}
	_, err := os.Stat(p)
	return err == nil
}
