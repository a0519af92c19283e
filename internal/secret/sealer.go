package secret

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	argonTime = 3
	argonMem  = 64 * 1024
	argonPar  = 4
)

// keySalt is fixed so the same passphrase yields the same key across restarts.
var keySalt = []byte("calsync/token-sealer/v1")

var ErrMalformed = errors.New("sealed value is malformed")

// Sealer encrypts OAuth tokens before they reach the database.
type Sealer struct {
	key []byte
}

// NewSealer derives an XChaCha20-Poly1305 key from passphrase using Argon2id.
func NewSealer(passphrase string) (*Sealer, error) {
	if passphrase == "" {
		return nil, errors.New("sealer passphrase is required")
	}
	key := argon2.IDKey([]byte(passphrase), keySalt, argonTime, argonMem, argonPar, chacha20poly1305.KeySize)
	return &Sealer{key: key}, nil
}

// Seal encrypts plaintext. Output: base64([24-byte nonce][ciphertext]).
// The empty string seals to the empty string.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", fmt.Errorf("create aead: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	out := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawStdEncoding.EncodeToString(out), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}

	data, err := base64.RawStdEncoding.DecodeString(sealed)
	if err != nil {
		return "", ErrMalformed
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", fmt.Errorf("create aead: %w", err)
	}
	if len(data) < aead.NonceSize() {
		return "", ErrMalformed
	}

	nonce, ciphertext := data[:aead.NonceSize()], data[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}
