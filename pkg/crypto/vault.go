package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	kdfIterations = 100000
	kdfKeyLength  = 32
	gcmNonceSize  = 12
)

// DeriveKey stretches a password into a 32-byte symmetric key using
// PBKDF2-SHA256 with a deliberately high iteration count. Consumed by the
// secrets vault, not by the transfer path.
func DeriveKey(password, salt []byte) []byte {
	return pbkdf2.Key(password, salt, kdfIterations, kdfKeyLength, sha256.New)
}

// Encrypt seals plaintext under a 32-byte key with AES-256-GCM. The random
// nonce is prepended to the returned ciphertext.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	if len(key) != kdfKeyLength {
		return nil, fmt.Errorf("AES-256 key must be %d bytes", kdfKeyLength)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	nonce, err := RandomBytes(gcmNonceSize)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext produced by Encrypt.
func Decrypt(key, data []byte) ([]byte, error) {
	if len(key) != kdfKeyLength {
		return nil, fmt.Errorf("AES-256 key must be %d bytes", kdfKeyLength)
	}
	if len(data) < gcmNonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	nonce, ciphertext := data[:gcmNonceSize], data[gcmNonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}
