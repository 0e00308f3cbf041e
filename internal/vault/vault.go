// Package vault encrypts provider key material at rest using AES-256-GCM.
// The cipher key comes either directly from a 44-character base64 secret
// (32 bytes decoded) or from stretching a passphrase with argon2id and a
// configured salt.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const (
	// directKeyLen is the length of a base64-encoded 32-byte key.
	directKeyLen = 44

	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
)

var (
	ErrNoSecret     = errors.New("vault: encryption secret is required")
	ErrCiphertext   = errors.New("vault: malformed ciphertext")
	errSaltRequired = errors.New("vault: salt is required when stretching a passphrase")
)

// Vault seals and opens key material. It is safe for concurrent use;
// the derived key is immutable after construction.
type Vault struct {
	key []byte
}

// New derives the cipher key from the given secret. A 44-char base64
// secret decoding to exactly 32 bytes is used directly; anything else
// is treated as a passphrase and stretched with argon2id over salt.
func New(secret, salt string) (*Vault, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	if len(secret) == directKeyLen {
		if raw, err := base64.StdEncoding.DecodeString(secret); err == nil && len(raw) == 32 {
			return &Vault{key: raw}, nil
		}
	}
	if salt == "" {
		return nil, errSaltRequired
	}
	key := argon2.IDKey([]byte(secret), []byte(salt), argonTime, argonMemory, argonThreads, argonKeyLen)
	return &Vault{key: key}, nil
}

// Encrypt seals plaintext and returns nonce-prefixed ciphertext.
func (v *Vault) Encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(v.key)
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

// Decrypt opens nonce-prefixed ciphertext produced by Encrypt.
func (v *Vault) Decrypt(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, ErrCiphertext
	}
	nonce := ciphertext[:gcm.NonceSize()]
	data := ciphertext[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, data, nil)
	if err != nil {
		return nil, fmt.Errorf("vault: decrypt: %w", err)
	}
	return plain, nil
}

// EncryptString seals a string and returns base64 ciphertext suitable
// for persistence.
func (v *Vault) EncryptString(plaintext string) (string, error) {
	out, err := v.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

// DecryptString opens base64 ciphertext produced by EncryptString.
func (v *Vault) DecryptString(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("vault: decode: %w", err)
	}
	plain, err := v.Decrypt(raw)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
