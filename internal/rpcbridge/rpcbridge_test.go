package rpcbridge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/storage-backend/internal/errs"
)

func signToken(t *testing.T, secret []byte, projectID string, expiry time.Time) string {
	t.Helper()
	claims := controlPlaneClaims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(expiry)},
		ProjectID:        projectID,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(secret)
	require.NoError(t, err)
	return signed
}

func TestExecuteDispatchesToRegisteredHandler(t *testing.T) {
	secret := []byte("test-secret")
	b := New(secret)
	b.Register("PingCommand", func(ctx context.Context, creds Credentials, payload json.RawMessage) (json.RawMessage, []Message, error) {
		return json.RawMessage(`{"pong":true}`), []Message{{Level: LevelInfo, Text: "handled"}}, nil
	})

	token := signToken(t, secret, "p1", time.Now().Add(time.Hour))
	resp, err := b.Execute(context.Background(), Request{
		Credentials: Credentials{ProjectID: "p1", Token: token},
		Command:     Command{Discriminator: "PingCommand"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"pong":true}`, string(resp.CommandResponse))
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, LevelInfo, resp.Messages[0].Level)
}

func TestExecuteRejectsWrongProjectToken(t *testing.T) {
	secret := []byte("test-secret")
	b := New(secret)
	b.Register("PingCommand", func(ctx context.Context, creds Credentials, payload json.RawMessage) (json.RawMessage, []Message, error) {
		return nil, nil, nil
	})

	token := signToken(t, secret, "other-project", time.Now().Add(time.Hour))
	_, err := b.Execute(context.Background(), Request{
		Credentials: Credentials{ProjectID: "p1", Token: token},
		Command:     Command{Discriminator: "PingCommand"},
	})
	require.Error(t, err)
	assert.Equal(t, errs.PermissionDenied, errs.CodeOf(err))
}

func TestExecuteRejectsUnknownDiscriminator(t *testing.T) {
	secret := []byte("test-secret")
	b := New(secret)
	token := signToken(t, secret, "p1", time.Now().Add(time.Hour))

	_, err := b.Execute(context.Background(), Request{
		Credentials: Credentials{ProjectID: "p1", Token: token},
		Command:     Command{Discriminator: "NoSuchCommand"},
	})
	require.Error(t, err)
	assert.Equal(t, errs.InvalidArgument, errs.CodeOf(err))
}

func TestExecuteRejectsExpiredToken(t *testing.T) {
	secret := []byte("test-secret")
	b := New(secret)
	token := signToken(t, secret, "p1", time.Now().Add(-time.Hour))

	_, err := b.Execute(context.Background(), Request{
		Credentials: Credentials{ProjectID: "p1", Token: token},
		Command:     Command{Discriminator: "PingCommand"},
	})
	require.Error(t, err)
	assert.Equal(t, errs.Unauthenticated, errs.CodeOf(err))
}

func TestStatusForMapsErrorClasses(t *testing.T) {
	assert.Equal(t, 400, StatusFor(errs.InvalidArgument))
	assert.Equal(t, 404, StatusFor(errs.NotFound))
	assert.Equal(t, 401, StatusFor(errs.Unauthenticated))
	assert.Equal(t, 500, StatusFor(errs.Internal))
}

func TestResolvePathParamsAllThreeShapes(t *testing.T) {
	creds := Credentials{ProjectID: "p1"}

	pp, err := ResolvePathParams([]string{"bucket1"}, creds)
	require.NoError(t, err)
	assert.Equal(t, PathParams{Project: "p1", Branch: "default", Bucket: "bucket1"}, pp)

	pp, err = ResolvePathParams([]string{"p2", "bucket2"}, creds)
	require.NoError(t, err)
	assert.Equal(t, PathParams{Project: "p2", Branch: "default", Bucket: "bucket2"}, pp)

	pp, err = ResolvePathParams([]string{"p3", "b3", "bucket3"}, creds)
	require.NoError(t, err)
	assert.Equal(t, PathParams{Project: "p3", Branch: "b3", Bucket: "bucket3"}, pp)

	_, err = ResolvePathParams([]string{"bucket1"}, Credentials{})
	require.Error(t, err)
	assert.Equal(t, errs.InvalidArgument, errs.CodeOf(err))

	_, err = ResolvePathParams([]string{}, creds)
	require.Error(t, err)
}
