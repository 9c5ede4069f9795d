package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"

	"github.com/sendloop/journey/pkg/schema"
)

const (
	// AES-256 requires a 32-byte key.
	keySize = 32

	// PBKDF2-SHA256 work factor when the key comes from a passphrase.
	defaultKDFIterations = 600_000
)

// VaultConfig selects how the encryption key is obtained. A raw MasterKey
// takes priority; otherwise Passphrase and Salt feed PBKDF2. The salt is not
// stored by the vault, so the operator must supply the same pair on every
// start or previously stored secrets become unreadable.
type VaultConfig struct {
	MasterKey  []byte
	Passphrase string
	Salt       []byte
	Iterations int // PBKDF2 iterations, defaultKDFIterations when zero
}

// AESVault keeps secret values encrypted at rest with AES-256-GCM. Values go
// through the vault on the way into the store and back out when a workflow
// references them, so the database only ever holds ciphertext.
type AESVault struct {
	store SecretStore
	aead  cipher.AEAD
}

// NewAESVault derives the key per cfg and returns a ready vault over s.
func NewAESVault(s SecretStore, cfg VaultConfig) (*AESVault, error) {
	key, err := cfg.deriveKey()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeVault, "init cipher").WithCause(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeVault, "init gcm").WithCause(err)
	}
	return &AESVault{store: s, aead: aead}, nil
}

// Store encrypts value and persists it under key.
func (v *AESVault) Store(ctx context.Context, key string, value []byte) error {
	sealed, err := v.seal(value)
	if err != nil {
		return err
	}
	return v.store.StoreSecret(ctx, key, sealed)
}

// Resolve loads and decrypts the secret stored under key.
func (v *AESVault) Resolve(ctx context.Context, key string) ([]byte, error) {
	sealed, err := v.store.GetSecret(ctx, key)
	if err != nil {
		return nil, err
	}
	return v.open(sealed)
}

func (v *AESVault) Delete(ctx context.Context, key string) error {
	return v.store.DeleteSecret(ctx, key)
}

func (v *AESVault) List(ctx context.Context) ([]string, error) {
	return v.store.ListSecrets(ctx)
}

// seal encrypts plaintext and prefixes the random nonce so open can recover
// it without extra bookkeeping in the store.
func (v *AESVault) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, schema.NewError(schema.ErrCodeVault, "generate nonce").WithCause(err)
	}
	return v.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (v *AESVault) open(sealed []byte) ([]byte, error) {
	ns := v.aead.NonceSize()
	if len(sealed) < ns {
		return nil, schema.NewError(schema.ErrCodeVault, "ciphertext too short")
	}
	plaintext, err := v.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		// Tampering or the wrong passphrase/salt pair; GCM cannot tell apart.
		return nil, schema.NewError(schema.ErrCodeVault, "decrypt failed").WithCause(err)
	}
	return plaintext, nil
}

func (cfg VaultConfig) deriveKey() ([]byte, error) {
	if len(cfg.MasterKey) > 0 {
		if len(cfg.MasterKey) != keySize {
			return nil, schema.NewErrorf(schema.ErrCodeVault,
				"master key must be %d bytes, got %d", keySize, len(cfg.MasterKey))
		}
		return cfg.MasterKey, nil
	}
	if cfg.Passphrase == "" {
		return nil, schema.NewError(schema.ErrCodeVault, "either a master key or a passphrase is required")
	}
	if len(cfg.Salt) == 0 {
		return nil, schema.NewError(schema.ErrCodeVault, "a passphrase needs a salt")
	}
	iterations := cfg.Iterations
	if iterations <= 0 {
		iterations = defaultKDFIterations
	}
	return pbkdf2.Key(sha256.New, cfg.Passphrase, cfg.Salt, iterations, keySize)
}
