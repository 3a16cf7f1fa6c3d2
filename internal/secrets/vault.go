// Package secrets keeps connection credentials encrypted at rest and expands
// ${secret:NAME} references in connection strings at connect time.
package secrets

import (
	"context"
	"regexp"
	"strings"

	"github.com/rendis/idflow/pkg/schema"
)

// Vault stores and resolves named secrets.
type Vault interface {
	Resolver
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// Resolver returns the plaintext of a stored secret.
type Resolver interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
}

// SecretStore persists ciphertext. Satisfied by store.Store.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}

var (
	refPattern = regexp.MustCompile(`\$\{secret:([A-Za-z0-9_.\-]+)\}`)
	keyPattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)
)

// ValidKey reports whether key can be stored and referenced.
func ValidKey(key string) bool {
	return keyPattern.MatchString(key) && !strings.HasPrefix(key, reservedPrefix)
}

// HasReferences reports whether s contains a ${secret:NAME} reference.
func HasReferences(s string) bool {
	return refPattern.MatchString(s)
}

// Expand replaces every ${secret:NAME} in s with the resolved value. A nil
// resolver fails on the first reference.
func Expand(ctx context.Context, r Resolver, s string) (string, error) {
	matches := refPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}
	if r == nil {
		return "", schema.NewError(schema.ErrCodeConfiguration,
			"value references secrets but no vault key is configured")
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		key := s[m[2]:m[3]]
		value, err := r.Resolve(ctx, key)
		if err != nil {
			if schema.HasCode(err, schema.ErrCodeNotFound) {
				return "", schema.NewErrorf(schema.ErrCodeConfiguration, "secret %q is not set", key).WithCause(err)
			}
			return "", err
		}
		b.WriteString(s[last:m[0]])
		b.Write(value)
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}
