package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/storage-backend/internal/errs"
)

type fakeKeyStore struct {
	byHash map[string]string
}

func (f fakeKeyStore) LookupAPIKeyProjectID(ctx context.Context, keyHash string) (string, error) {
	pid, ok := f.byHash[keyHash]
	if !ok {
		return "", errs.New(errs.NotFound, "not found")
	}
	return pid, nil
}

func TestAuthenticateAdminKey(t *testing.T) {
	a := New("super-secret", fakeKeyStore{})
	id, err := a.Authenticate(context.Background(), "super-secret")
	require.NoError(t, err)
	assert.True(t, id.IsAdmin)
}

func TestAuthenticateProjectKey(t *testing.T) {
	store := fakeKeyStore{byHash: map[string]string{HashKey("proj-key-1"): "p1"}}
	a := New("super-secret", store)

	id, err := a.Authenticate(context.Background(), "proj-key-1")
	require.NoError(t, err)
	assert.False(t, id.IsAdmin)
	assert.Equal(t, "p1", id.ProjectID)
}

func TestAuthenticateUnknownKeyIsUnauthenticated(t *testing.T) {
	a := New("super-secret", fakeKeyStore{})
	_, err := a.Authenticate(context.Background(), "garbage")
	require.Error(t, err)
	assert.Equal(t, errs.Unauthenticated, errs.CodeOf(err))
}

func TestAuthenticateEmptyKeyIsUnauthenticated(t *testing.T) {
	a := New("super-secret", fakeKeyStore{})
	_, err := a.Authenticate(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, errs.Unauthenticated, errs.CodeOf(err))
}

func TestAuthorizeAdminCanActOnAnyProject(t *testing.T) {
	require.NoError(t, Authorize(Identity{IsAdmin: true}, "any-project"))
}

func TestAuthorizeProjectKeyLimitedToOwnProject(t *testing.T) {
	assert.NoError(t, Authorize(Identity{ProjectID: "p1"}, "p1"))
	err := Authorize(Identity{ProjectID: "p1"}, "p2")
	require.Error(t, err)
	assert.Equal(t, errs.PermissionDenied, errs.CodeOf(err))
}

func TestExtractCredentialFromBearer(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer abc123")
	assert.Equal(t, "abc123", ExtractCredential(r))
}

func TestExtractCredentialFromAPIKeyHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Api-Key", "xyz789")
	assert.Equal(t, "xyz789", ExtractCredential(r))
}

func TestExtractCredentialMissingReturnsEmpty(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, "", ExtractCredential(r))
}
