package secrets

import (
	"context"
	"regexp"
)

// Vault resolves secret references (${{secrets.KEY}}) at runtime.
// Secrets are encrypted at rest (AES-256-GCM) and resolved in-memory only.
type Vault interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// SecretStore is the minimal persistence interface needed by the vault.
// Satisfied by store.LibSQLStore.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}

var secretRefPattern = regexp.MustCompile(`\$\{\{\s*secrets\.([A-Za-z0-9_\-\.]+)\s*\}\}`)

// ResolveRefs replaces every ${{secrets.KEY}} reference in s with the decrypted
// value from the vault. Strings without references pass through untouched, so
// callers can run every header or parameter value through it.
func ResolveRefs(ctx context.Context, v Vault, s string) (string, error) {
	if v == nil || !secretRefPattern.MatchString(s) {
		return s, nil
	}
	var resolveErr error
	out := secretRefPattern.ReplaceAllStringFunc(s, func(match string) string {
		key := secretRefPattern.FindStringSubmatch(match)[1]
		value, err := v.Resolve(ctx, key)
		if err != nil {
			resolveErr = err
			return match
		}
		return string(value)
	})
	if resolveErr != nil {
		return "", resolveErr
	}
	return out, nil
}
