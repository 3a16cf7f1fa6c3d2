package secrets

import (
	"bytes"
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/idflow/internal/store/storetest"
	"github.com/rendis/idflow/pkg/schema"
)

// mapStore is an in-memory SecretStore.
type mapStore struct {
	data map[string][]byte
}

func newMapStore() *mapStore {
	return &mapStore{data: make(map[string][]byte)}
}

func (m *mapStore) StoreSecret(_ context.Context, key string, value []byte) error {
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *mapStore) GetSecret(_ context.Context, key string) ([]byte, error) {
	v, ok := m.data[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	return v, nil
}

func (m *mapStore) DeleteSecret(_ context.Context, key string) error {
	if _, ok := m.data[key]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	delete(m.data, key)
	return nil
}

func (m *mapStore) ListSecrets(_ context.Context) ([]string, error) {
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func testVault(t *testing.T, s SecretStore, passphrase string) *AESVault {
	t.Helper()
	v, err := NewAESVault(context.Background(), s, VaultConfig{Passphrase: passphrase, Iterations: 1000})
	require.NoError(t, err)
	return v
}

func TestAESVault_RoundTripEncryptsAtRest(t *testing.T) {
	ms := newMapStore()
	v := testVault(t, ms, "correct horse")
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "hr_password", []byte("s3cret")))
	assert.False(t, bytes.Contains(ms.data["hr_password"], []byte("s3cret")))

	got, err := v.Resolve(ctx, "hr_password")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", string(got))

	keys, err := v.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"hr_password"}, keys, "salt is hidden")
}

func TestAESVault_SaltIsReused(t *testing.T) {
	ms := newMapStore()
	ctx := context.Background()
	require.NoError(t, testVault(t, ms, "pass").Store(ctx, "k", []byte("v")))
	salt := append([]byte(nil), ms.data[saltKey]...)
	require.Len(t, salt, saltSize)

	got, err := testVault(t, ms, "pass").Resolve(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))
	assert.Equal(t, salt, ms.data[saltKey])
}

func TestAESVault_WrongPassphrase(t *testing.T) {
	ms := newMapStore()
	ctx := context.Background()
	require.NoError(t, testVault(t, ms, "right").Store(ctx, "k", []byte("v")))

	_, err := testVault(t, ms, "wrong").Resolve(ctx, "k")
	assert.True(t, schema.HasCode(err, schema.ErrCodeVault))
}

func TestAESVault_Errors(t *testing.T) {
	_, err := NewAESVault(context.Background(), newMapStore(), VaultConfig{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeVault))

	v := testVault(t, newMapStore(), "pass")
	ctx := context.Background()
	assert.True(t, schema.HasCode(v.Store(ctx, "bad name", nil), schema.ErrCodeValidation))
	assert.True(t, schema.HasCode(v.Store(ctx, saltKey, nil), schema.ErrCodeValidation))
	_, err = v.Resolve(ctx, "missing")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	assert.True(t, schema.HasCode(v.Delete(ctx, "missing"), schema.ErrCodeNotFound))
}

func TestAESVault_OnStore(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	v := testVault(t, st, "pass")

	require.NoError(t, v.Store(ctx, "ldap.bind", []byte("pw")))
	got, err := v.Resolve(ctx, "ldap.bind")
	require.NoError(t, err)
	assert.Equal(t, "pw", string(got))
	require.NoError(t, v.Delete(ctx, "ldap.bind"))

	keys, err := v.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestExpand(t *testing.T) {
	v := testVault(t, newMapStore(), "pass")
	ctx := context.Background()
	require.NoError(t, v.Store(ctx, "pg_user", []byte("app")))
	require.NoError(t, v.Store(ctx, "pg_pass", []byte("p@ss")))

	got, err := Expand(ctx, v, "postgres://${secret:pg_user}:${secret:pg_pass}@db:5432/hr")
	require.NoError(t, err)
	assert.Equal(t, "postgres://app:p@ss@db:5432/hr", got)

	got, err = Expand(ctx, nil, "file:hr.db")
	require.NoError(t, err)
	assert.Equal(t, "file:hr.db", got, "no references needs no vault")

	_, err = Expand(ctx, nil, "${secret:pg_pass}")
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfiguration))

	_, err = Expand(ctx, v, "${secret:unknown}")
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfiguration))
	assert.Contains(t, err.Error(), `secret "unknown" is not set`)

	assert.True(t, HasReferences("x${secret:a}"))
	assert.False(t, HasReferences("${secret:}"))
}
