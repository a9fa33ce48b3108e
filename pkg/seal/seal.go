// Package seal encrypts and authenticates credential files at rest.
package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

var (
	ErrInvalidPayload   = errors.New("invalid sealed payload")
	ErrInvalidSignature = errors.New("invalid signature")
)

// Sealer encrypts with AES-256-GCM and signs the ciphertext with HMAC-SHA256.
type Sealer struct {
	signingKey    []byte
	encryptionKey []byte
}

// NewSealer creates a sealer.
// signingKey: 32+ bytes for HMAC-SHA256
// encryptionKey: 32 bytes for AES-256
func NewSealer(signingKey, encryptionKey []byte) (*Sealer, error) {
	if len(signingKey) < 32 {
		return nil, errors.New("signing key must be at least 32 bytes")
	}
	if len(encryptionKey) != 32 {
		return nil, errors.New("encryption key must be exactly 32 bytes for AES-256")
	}

	return &Sealer{
		signingKey:    signingKey,
		encryptionKey: encryptionKey,
	}, nil
}

// Seal encrypts then signs plaintext and returns a base64url string.
func (s *Sealer) Seal(plaintext []byte) (string, error) {
	encrypted, err := s.encrypt(plaintext)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt payload: %w", err)
	}
	return base64.URLEncoding.EncodeToString(s.sign(encrypted)), nil
}

// Open verifies and decrypts a value produced by Seal.
func (s *Sealer) Open(sealed string) ([]byte, error) {
	signed, err := base64.URLEncoding.DecodeString(sealed)
	if err != nil {
		return nil, ErrInvalidPayload
	}

	encrypted, err := s.verify(signed)
	if err != nil {
		return nil, err
	}

	data, err := s.decrypt(encrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt payload: %w", err)
	}
	return data, nil
}

func (s *Sealer) encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *Sealer) decrypt(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}

	nonce := ciphertext[:gcm.NonceSize()]
	return gcm.Open(nil, nonce, ciphertext[gcm.NonceSize():], nil)
}

// sign prepends an HMAC-SHA256 of data.
func (s *Sealer) sign(data []byte) []byte {
	h := hmac.New(sha256.New, s.signingKey)
	h.Write(data)
	signature := h.Sum(nil)

	signed := make([]byte, len(signature)+len(data))
	copy(signed, signature)
	copy(signed[len(signature):], data)
	return signed
}

func (s *Sealer) verify(signed []byte) ([]byte, error) {
	if len(signed) < sha256.Size {
		return nil, ErrInvalidSignature
	}

	signature := signed[:sha256.Size]
	data := signed[sha256.Size:]

	h := hmac.New(sha256.New, s.signingKey)
	h.Write(data)

	// Constant-time comparison
	if !hmac.Equal(signature, h.Sum(nil)) {
		return nil, ErrInvalidSignature
	}
	return data, nil
}

// GenerateRandomKey generates a cryptographically secure random key
func GenerateRandomKey(size int) ([]byte, error) {
	key := make([]byte, size)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}
