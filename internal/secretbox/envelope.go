// Package secretbox implements the AEAD secrets primitive the graph
// template store depends on: encrypt(plaintext) -> blob, decrypt(blob) ->
// plaintext. This is a self-contained AES-256-GCM implementation in the
// "v1:"+base64url(nonce||ciphertext) envelope shape used for secrets at rest.
package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

const versionPrefix = "v1:"

// Encrypter is the contract the graph template store depends on.
type Encrypter interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(blob []byte) ([]byte, error)
}

// AESGCM is an Encrypter backed by a process-wide 32-byte key read once at
// startup and never mutated.
type AESGCM struct {
	key []byte
}

// NewAESGCM validates the key length up front so misconfiguration fails at
// startup rather than on the first secret write.
func NewAESGCM(key []byte) (*AESGCM, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("secretbox: key must be 32 bytes, got %d", len(key))
	}
	return &AESGCM{key: key}, nil
}

func (a *AESGCM) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(a.key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext into an ASCII-safe "v1:"+base64url(nonce||ct) blob.
func (a *AESGCM) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, nil
	}
	aead, err := a.aead()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)
	buf := make([]byte, 0, len(nonce)+len(ciphertext))
	buf = append(buf, nonce...)
	buf = append(buf, ciphertext...)
	encoded := base64.RawURLEncoding.EncodeToString(buf)
	return []byte(versionPrefix + encoded), nil
}

// Decrypt reverses Encrypt.
func (a *AESGCM) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	encoded := strings.TrimPrefix(strings.TrimSpace(string(blob)), versionPrefix)
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode blob: %w", err)
	}
	aead, err := a.aead()
	if err != nil {
		return nil, err
	}
	if len(raw) < aead.NonceSize() {
		return nil, fmt.Errorf("blob too short")
	}
	nonce, body := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}
