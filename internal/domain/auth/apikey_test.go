package auth

import (
	"context"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockKeys struct {
	keys map[string]*APIKeyInfo
	err  error
}

func (m *mockKeys) FindByHash(_ context.Context, hash string) (*APIKeyInfo, error) {
	if m.err != nil {
		return nil, m.err
	}
	info, ok := m.keys[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return info, nil
}

func TestAuthenticate(t *testing.T) {
	pepper := []byte("pepper")
	a := NewAuthenticator(nil, pepper)
	ops := &APIKeyInfo{ID: "ops", KeyHash: a.Hash("ops-key"), Name: "ops", Scopes: []string{ScopeFulfillment}}
	ro := &APIKeyInfo{ID: "ro", KeyHash: a.Hash("ro-key"), Name: "read only", Scopes: []string{"purchases:read"}}
	root := &APIKeyInfo{ID: "root", KeyHash: a.Hash("root-key"), Name: "root"}
	a.keys = &mockKeys{keys: map[string]*APIKeyInfo{ops.KeyHash: ops, ro.KeyHash: ro, root.KeyHash: root}}

	tests := []struct {
		name    string
		key     string
		wantID  string
		wantErr error
	}{
		{name: "scoped key", key: "ops-key", wantID: "ops"},
		{name: "unrestricted key", key: "root-key", wantID: "root"},
		{name: "missing scope", key: "ro-key", wantErr: ErrUnauthorized},
		{name: "unknown key", key: "nope", wantErr: ErrUnauthorized},
		{name: "empty key", key: "", wantErr: ErrUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := a.Authenticate(context.Background(), tt.key, ScopeFulfillment)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, info.ID)
		})
	}
}

func TestAuthenticateStoredHashMismatch(t *testing.T) {
	a := NewAuthenticator(nil, []byte("pepper"))
	a.keys = &mockKeys{keys: map[string]*APIKeyInfo{
		a.Hash("k"): {ID: "stale", KeyHash: a.Hash("other")},
	}}
	_, err := a.Authenticate(context.Background(), "k", ScopeFulfillment)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthenticateRepositoryError(t *testing.T) {
	boom := errors.New("connection refused")
	a := NewAuthenticator(&mockKeys{err: boom}, []byte("pepper"))
	_, err := a.Authenticate(context.Background(), "k", ScopeFulfillment)
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrUnauthorized)
}

func TestHashDependsOnPepper(t *testing.T) {
	a := NewAuthenticator(nil, []byte("a"))
	b := NewAuthenticator(nil, []byte("b"))
	assert.NotEqual(t, a.Hash("key"), b.Hash("key"))
	assert.Len(t, a.Hash("key"), 64)
}
