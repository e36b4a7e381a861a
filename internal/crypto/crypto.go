// Package crypto protects the gateway's secrets: upstream keys may be stored
// encrypted with an "enc:" prefix, and inbound client keys are compared by
// their SHA-256 digest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// EncryptedPrefix marks a configuration value as ciphertext.
const EncryptedPrefix = "enc:"

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must not be empty")
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	ErrNoEncryptor       = errors.New("encrypted value found but no encryption key configured")
)

var keyInfo = []byte("gemini-gateway credential encryption")

type Encryptor struct {
	key []byte
}

func NewEncryptor(secret string) (*Encryptor, error) {
	if secret == "" {
		return nil, ErrInvalidKey
	}
	key, err := deriveKey(secret)
	if err != nil {
		return nil, err
	}
	return &Encryptor{key: key}, nil
}

func deriveKey(secret string) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, keyInfo), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

func (e *Encryptor) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	gcm, err := e.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (e *Encryptor) Decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}

	gcm, err := e.gcm()
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", ErrInvalidCiphertext
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}

	return string(plaintext), nil
}

// Reveal returns value unchanged unless it carries EncryptedPrefix, in which
// case the remainder is decrypted. A nil Encryptor can only reveal plain
// values.
func (e *Encryptor) Reveal(value string) (string, error) {
	sealed, ok := strings.CutPrefix(value, EncryptedPrefix)
	if !ok {
		return value, nil
	}
	if e == nil {
		return "", ErrNoEncryptor
	}
	return e.Decrypt(sealed)
}

// RevealAll applies Reveal to every value.
func (e *Encryptor) RevealAll(values []string) ([]string, error) {
	out := make([]string, 0, len(values))
	for i, v := range values {
		plain, err := e.Reveal(v)
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", i, err)
		}
		out = append(out, plain)
	}
	return out, nil
}

func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}

// KeySet holds the digests of accepted client keys.
type KeySet struct {
	hashes [][]byte
}

func NewKeySet(keys []string) *KeySet {
	s := &KeySet{}
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		sum := sha256.Sum256([]byte(k))
		s.hashes = append(s.hashes, sum[:])
	}
	return s
}

// Enabled reports whether any key is configured. An empty set accepts every
// request.
func (s *KeySet) Enabled() bool {
	return s != nil && len(s.hashes) > 0
}

func (s *KeySet) Allows(key string) bool {
	if !s.Enabled() {
		return true
	}
	sum := sha256.Sum256([]byte(key))
	match := 0
	for _, h := range s.hashes {
		match |= subtle.ConstantTimeCompare(h, sum[:])
	}
	return match == 1
}
