package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/rendis/idflow/pkg/schema"
)

const (
	reservedPrefix    = "__"
	saltKey           = reservedPrefix + "vault_salt__"
	saltSize          = 16
	defaultIterations = 100_000
)

// VaultConfig configures key derivation.
type VaultConfig struct {
	Passphrase string
	Iterations int // PBKDF2 iterations (default 100_000)
}

// AESVault encrypts secrets with AES-256-GCM under a key derived from a
// passphrase. The salt is generated on first use and kept in the store.
type AESVault struct {
	store SecretStore
	aead  cipher.AEAD
}

var _ Vault = (*AESVault)(nil)

// NewAESVault creates a vault on s, creating its salt if needed.
func NewAESVault(ctx context.Context, s SecretStore, cfg VaultConfig) (*AESVault, error) {
	if cfg.Passphrase == "" {
		return nil, schema.NewError(schema.ErrCodeVault, "vault passphrase is required")
	}
	salt, err := loadSalt(ctx, s)
	if err != nil {
		return nil, err
	}
	iterations := cfg.Iterations
	if iterations <= 0 {
		iterations = defaultIterations
	}
	key, err := pbkdf2.Key(sha256.New, cfg.Passphrase, salt, iterations, 32)
	if err != nil {
		return nil, fmt.Errorf("derive vault key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &AESVault{store: s, aead: aead}, nil
}

func loadSalt(ctx context.Context, s SecretStore) ([]byte, error) {
	salt, err := s.GetSecret(ctx, saltKey)
	if err == nil {
		return salt, nil
	}
	if !schema.HasCode(err, schema.ErrCodeNotFound) {
		return nil, fmt.Errorf("load vault salt: %w", err)
	}
	salt = make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate vault salt: %w", err)
	}
	if err := s.StoreSecret(ctx, saltKey, salt); err != nil {
		return nil, fmt.Errorf("store vault salt: %w", err)
	}
	return salt, nil
}

func (v *AESVault) encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (v *AESVault) decrypt(ciphertext []byte) ([]byte, error) {
	nonceSize := v.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, schema.NewError(schema.ErrCodeVault, "ciphertext too short")
	}
	plaintext, err := v.aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], nil)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "decrypt failed (wrong vault key?): %s", err.Error())
	}
	return plaintext, nil
}

func (v *AESVault) Store(ctx context.Context, key string, value []byte) error {
	if !ValidKey(key) {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid secret name %q", key)
	}
	encrypted, err := v.encrypt(value)
	if err != nil {
		return err
	}
	return v.store.StoreSecret(ctx, key, encrypted)
}

func (v *AESVault) Resolve(ctx context.Context, key string) ([]byte, error) {
	if !ValidKey(key) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid secret name %q", key)
	}
	encrypted, err := v.store.GetSecret(ctx, key)
	if err != nil {
		return nil, err
	}
	return v.decrypt(encrypted)
}

func (v *AESVault) Delete(ctx context.Context, key string) error {
	if !ValidKey(key) {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid secret name %q", key)
	}
	return v.store.DeleteSecret(ctx, key)
}

// List returns the names of stored secrets.
func (v *AESVault) List(ctx context.Context) ([]string, error) {
	keys, err := v.store.ListSecrets(ctx)
	if err != nil {
		return nil, err
	}
	out := keys[:0]
	for _, k := range keys {
		if k != saltKey {
			out = append(out, k)
		}
	}
	return out, nil
}
