// Package auth implements the two-tier authentication model: a single
// admin key with access to every project, and per-project API keys looked
// up by SHA256 hash.
//
// The admin-key comparison is constant time (crypto/subtle): a plain `!=`
// would be a bearer-token-over-localhost shortcut that doesn't fit a
// multi-tenant API exposed over the network.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/keboola/storage-backend/internal/errs"
)

// Identity is the resolved caller attached to every authenticated request.
type Identity struct {
	IsAdmin   bool
	ProjectID string // empty when IsAdmin
}

// APIKeyStore is the subset of the registry the auth layer needs.
type APIKeyStore interface {
	// LookupAPIKeyProjectID resolves a key's SHA256 hash to its owning project id.
	LookupAPIKeyProjectID(ctx context.Context, keyHash string) (projectID string, err error)
}

// Authenticator validates presented credentials against the configured
// admin key and the registry's api_keys table.
type Authenticator struct {
	adminKeyHash [32]byte
	hasAdminKey  bool
	keys         APIKeyStore
}

// New constructs an Authenticator. adminKeyPlaintext may be empty, disabling
// admin auth entirely (every request must then present a project key).
func New(adminKeyPlaintext string, keys APIKeyStore) *Authenticator {
	a := &Authenticator{keys: keys}
	if adminKeyPlaintext != "" {
		a.adminKeyHash = sha256.Sum256([]byte(adminKeyPlaintext))
		a.hasAdminKey = true
	}
	return a
}

// ExtractCredential pulls the presented key from Authorization: Bearer or
// X-Api-Key, or returns "" if neither is present. The S3 surface uses it too
// for requests that carry no presigned-URL signature; presigned signatures
// are checked by internal/s3api, and SigV4 requests are rejected.
func ExtractCredential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if rest, ok := strings.CutPrefix(h, "Bearer "); ok {
			return rest
		}
	}
	return r.Header.Get("X-Api-Key")
}

// HashKey returns the hex-encoded SHA256 hash stored in the api_keys table.
func HashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// Authenticate resolves a presented plaintext key to an Identity. Admin
// comparison is constant-time; project-key lookup is a SHA256 hash match
// against the registry, which is already a fixed-size comparison performed
// by the storage engine's index, not by this package.
func (a *Authenticator) Authenticate(ctx context.Context, key string) (Identity, error) {
	if key == "" {
		return Identity{}, errs.New(errs.Unauthenticated, "no credential presented")
	}

	if a.hasAdminKey {
		presented := sha256.Sum256([]byte(key))
		if subtle.ConstantTimeCompare(presented[:], a.adminKeyHash[:]) == 1 {
			return Identity{IsAdmin: true}, nil
		}
	}

	projectID, err := a.keys.LookupAPIKeyProjectID(ctx, HashKey(key))
	if err != nil {
		return Identity{}, errs.Wrap(errs.Unauthenticated, "invalid api key", err)
	}
	return Identity{ProjectID: projectID}, nil
}

// Authorize enforces that an identity may act on the given project id: the
// admin identity may act on any project, a project identity only on its own.
func Authorize(id Identity, projectID string) error {
	if id.IsAdmin {
		return nil
	}
	if id.ProjectID == projectID {
		return nil
	}
	return errs.New(errs.PermissionDenied, "credential does not grant access to this project")
}
