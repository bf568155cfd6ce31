// Package security encrypts exchange credentials at rest with NaCl secretbox.
package security

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24
)

var (
	ErrMissingKey = errors.New("EXCHANGE_CREDENTIALS_KEY not set")
	ErrInvalidKey = errors.New("credentials key must be 32 bytes, base64 encoded")
	ErrDecrypt    = errors.New("unable to decrypt credential")
)

// ParseKey decodes a base64 secretbox key.
func ParseKey(encoded string) (*[keySize]byte, error) {
	if encoded == "" {
		return nil, ErrMissingKey
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) != keySize {
		return nil, ErrInvalidKey
	}
	var key [keySize]byte
	copy(key[:], raw)
	return &key, nil
}

// GenerateKey returns a fresh base64 encoded key.
func GenerateKey() (string, error) {
	var key [keySize]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key[:]), nil
}

// EncryptString seals plaintext with the configured key. The output is base64(nonce || box).
func EncryptString(plaintext string) (string, error) {
	return EncryptStringWithKey(GetConfig().ExchangeCRKey, plaintext)
}

// DecryptString opens a value produced by EncryptString.
func DecryptString(ciphertext string) (string, error) {
	return DecryptStringWithKey(GetConfig().ExchangeCRKey, ciphertext)
}

func EncryptStringWithKey(encodedKey, plaintext string) (string, error) {
	key, err := ParseKey(encodedKey)
	if err != nil {
		return "", err
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func DecryptStringWithKey(encodedKey, ciphertext string) (string, error) {
	key, err := ParseKey(encodedKey)
	if err != nil {
		return "", err
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil || len(raw) < nonceSize+secretbox.Overhead {
		return "", ErrDecrypt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, key)
	if !ok {
		return "", ErrDecrypt
	}
	return string(plain), nil
}
