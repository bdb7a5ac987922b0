package config

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ocpp-rpc/internal/domain"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := EncryptValue("my-secret", "pass")
	require.NoError(t, err)
	assert.Contains(t, enc, ":")

	plain, err := DecryptValue(enc, "pass")
	require.NoError(t, err)
	assert.Equal(t, "my-secret", plain)
}

func TestEncryptUsesFreshSalt(t *testing.T) {
	a, err := EncryptValue("same", "pass")
	require.NoError(t, err)
	b, err := EncryptValue("same", "pass")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecryptValueErrors(t *testing.T) {
	valid, err := EncryptValue("x", "right")
	require.NoError(t, err)
	salt, _, _ := strings.Cut(valid, ":")

	tests := []struct {
		name       string
		input      string
		passphrase string
	}{
		{"wrong passphrase", valid, "wrong"},
		{"no separator", "deadbeef", "right"},
		{"bad salt", "zz:" + strings.Repeat("00", 40), "right"},
		{"bad ciphertext", salt + ":not-hex", "right"},
		{"too short", salt + ":00", "right"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecryptValue(tt.input, tt.passphrase)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrDecryption), "got %v", err)
		})
	}
}

func TestDecryptSecretsLeavesPlainValues(t *testing.T) {
	cfg := Defaults()
	cfg.Transport.Password = "plain"
	require.NoError(t, decryptSecrets(cfg, "pass"))
	assert.Equal(t, "plain", cfg.Transport.Password)
}

func TestDecryptSecretsReplacesEncrypted(t *testing.T) {
	enc, err := EncryptValue("hunter2", "pass")
	require.NoError(t, err)

	cfg := Defaults()
	cfg.Transport.Password = EncryptedPrefix + enc
	require.NoError(t, decryptSecrets(cfg, "pass"))
	assert.Equal(t, "hunter2", cfg.Transport.Password)
}
