package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"

	"ocpp-rpc/internal/domain"
)

// EncryptedPrefix marks a config value that must be decrypted at load time.
const EncryptedPrefix = "enc:"

// decryptSecrets replaces every enc:-prefixed secret in cfg with its plaintext.
func decryptSecrets(cfg *Config, passphrase string) error {
	secrets := map[string]*string{
		"transport.password": &cfg.Transport.Password,
	}
	for name, fp := range secrets {
		if !strings.HasPrefix(*fp, EncryptedPrefix) {
			continue
		}
		plain, err := DecryptValue(strings.TrimPrefix(*fp, EncryptedPrefix), passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*fp = plain
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
// The result is hex(salt) + ":" + hex(nonce+ciphertext).
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", domain.NewDomainError("config.EncryptValue", domain.ErrEncryption, "generate salt: "+err.Error())
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", domain.NewDomainError("config.EncryptValue", domain.ErrEncryption, err.Error())
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", domain.NewDomainError("config.EncryptValue", domain.ErrEncryption, "generate nonce: "+err.Error())
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	fail := func(detail string) (string, error) {
		return "", domain.NewDomainError("config.DecryptValue", domain.ErrDecryption, detail)
	}

	salt, body, ok := strings.Cut(encrypted, ":")
	if !ok {
		return fail("invalid encrypted format")
	}
	saltBytes, err := hex.DecodeString(salt)
	if err != nil {
		return fail("decode salt: " + err.Error())
	}
	data, err := hex.DecodeString(body)
	if err != nil {
		return fail("decode ciphertext: " + err.Error())
	}

	gcm, err := newGCM(passphrase, saltBytes)
	if err != nil {
		return fail(err.Error())
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return fail("ciphertext too short")
	}

	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return fail("decrypt: " + err.Error())
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}
