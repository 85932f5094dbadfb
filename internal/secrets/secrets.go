// Package secrets seals device credentials in the config file with a local
// key so passwords are not kept in plaintext.
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// Prefix marks a sealed value: "enc:" followed by base64url of
// version byte, nonce and ciphertext.
const Prefix = "enc:"

// KeyEnv, when set, holds the base64 key and wins over the key file.
const KeyEnv = "MINERLINK_SECRET_KEY"

const (
	keyFile  = "secret.key"
	version1 = 1
)

var ErrMalformed = errors.New("secrets: malformed sealed value")

type Secrets struct {
	key []byte
}

// Open loads the key from KeyEnv or <dir>/secret.key, creating the file on
// first use.
func Open(dir string) (*Secrets, error) {
	if v, ok := os.LookupEnv(KeyEnv); ok && v != "" {
		return fromEncoded(v, KeyEnv)
	}
	if dir == "" {
		dir = "data"
	}
	path := filepath.Join(dir, keyFile)
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		return fromEncoded(string(b), path)
	case !errors.Is(err, os.ErrNotExist):
		return nil, err
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	// O_EXCL so two processes starting together cannot overwrite each other's key.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, err
	}
	_, err = f.WriteString(base64.StdEncoding.EncodeToString(key))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}
	return &Secrets{key: key}, nil
}

func fromEncoded(v, where string) (*Secrets, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(v))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", where, err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%s: key is %d bytes, want %d", where, len(key), chacha20poly1305.KeySize)
	}
	return &Secrets{key: key}, nil
}

// Seal encrypts plain. Empty input stays empty.
func (s *Secrets) Seal(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", err
	}
	buf := make([]byte, 1+aead.NonceSize(), 1+aead.NonceSize()+len(plain)+aead.Overhead())
	buf[0] = version1
	if _, err := rand.Read(buf[1:]); err != nil {
		return "", err
	}
	buf = aead.Seal(buf, buf[1:], []byte(plain), buf[:1])
	return Prefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// Reveal decrypts sealed values and returns anything else unchanged.
func (s *Secrets) Reveal(v string) (string, error) {
	enc, ok := strings.CutPrefix(v, Prefix)
	if !ok {
		return v, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return "", ErrMalformed
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", err
	}
	if len(raw) < 1+aead.NonceSize()+aead.Overhead() || raw[0] != version1 {
		return "", ErrMalformed
	}
	nonce, ct := raw[1:1+aead.NonceSize()], raw[1+aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, ct, raw[:1])
	if err != nil {
		return "", fmt.Errorf("secrets: %w", err)
	}
	return string(pt), nil
}

func IsSealed(v string) bool { return strings.HasPrefix(v, Prefix) }
