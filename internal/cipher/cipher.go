// Package cipher implements the symmetric content envelope used for question
// text stored on the ledger.
//
// Content is sealed with AES-256-GCM and serialized as
//
//	encrypted://<hex nonce>:<hex ciphertext with tag>
//
// Content without the prefix is treated as legacy plaintext and passed
// through unchanged. The key is the 32-byte room identifier, so anyone who
// knows the room id can read its questions.
package cipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// EncryptedContentPrefix marks content produced by Encrypt.
const EncryptedContentPrefix = "encrypted://"

const (
	// KeySize is the required key length in bytes.
	KeySize   = 32
	nonceSize = 12
)

var (
	ErrInvalidKeyLength = errors.New("cipher: key must be 32 bytes")
	ErrDecryptionFailed = errors.New("cipher: decryption failed")
)

// Encrypt seals plaintext with a fresh random nonce.
func Encrypt(key []byte, plaintext string) (string, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("cipher: read nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)
	return EncryptedContentPrefix + hex.EncodeToString(nonce) + ":" + hex.EncodeToString(sealed), nil
}

// Decrypt opens content produced by Encrypt. Unprefixed content is returned
// as is whatever the key.
func Decrypt(key []byte, content string) (string, error) {
	if !IsEncrypted(content) {
		return content, nil
	}
	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}

	body := strings.TrimPrefix(content, EncryptedContentPrefix)
	nonceHex, sealedHex, found := strings.Cut(body, ":")
	if !found {
		return "", fmt.Errorf("%w: missing separator", ErrDecryptionFailed)
	}
	nonce, err := hex.DecodeString(nonceHex)
	if err != nil || len(nonce) != nonceSize {
		return "", fmt.Errorf("%w: malformed nonce", ErrDecryptionFailed)
	}
	sealed, err := hex.DecodeString(sealedHex)
	if err != nil || len(sealed) < aead.Overhead() {
		return "", fmt.Errorf("%w: malformed ciphertext", ErrDecryptionFailed)
	}
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return string(plaintext), nil
}

// IsEncrypted reports whether content carries the envelope prefix.
func IsEncrypted(content string) bool {
	return strings.HasPrefix(content, EncryptedContentPrefix)
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	return cipher.NewGCMWithNonceSize(block, nonceSize)
}
