// Package rpcbridge implements the RPC bridge: a single Execute
// entrypoint that dispatches a tagged command envelope to a registered
// handler and renders the result (or error) into a transport-neutral
// response envelope, for consumption by an external control plane.
//
// Bearer credentials are verified as a control-plane JWT (golang-jwt/jwt/v5)
// rather than a plain shared-secret comparison.
package rpcbridge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/keboola/storage-backend/internal/errs"
	"github.com/keboola/storage-backend/internal/layout"
)

// Credentials carries the caller's authenticated identity
// ("request = { credentials, command, features, runtimeOptions }").
type Credentials struct {
	ProjectID string
	Token     string
}

// Command is the tagged payload a caller submits; Discriminator names the
// handler (e.g. "CreateProjectCommand").
type Command struct {
	Discriminator string
	Payload       json.RawMessage
}

// Request is the full Execute input.
type Request struct {
	Credentials    Credentials
	Command        Command
	Features       []string
	RuntimeOptions map[string]string
}

// Message is one log record surfaced alongside a command's result in the
// response envelope.
type Message struct {
	Level string
	Text  string
}

const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Response is Execute's output: the command's own result (opaque to the
// bridge) plus any log messages handlers chose to surface.
type Response struct {
	CommandResponse json.RawMessage
	Messages        []Message
}

// Handler translates one command's payload into a response, using creds for
// scoping and returning additional log messages alongside its result.
type Handler func(ctx context.Context, creds Credentials, payload json.RawMessage) (json.RawMessage, []Message, error)

// Bridge dispatches Execute calls to registered handlers by discriminator.
type Bridge struct {
	handlers  map[string]Handler
	jwtSecret []byte
}

func New(jwtSecret []byte) *Bridge {
	return &Bridge{handlers: make(map[string]Handler), jwtSecret: jwtSecret}
}

// Register binds discriminator to handler. Calling Register twice for the
// same discriminator is a programmer error and panics.
func (b *Bridge) Register(discriminator string, h Handler) {
	if _, exists := b.handlers[discriminator]; exists {
		panic(fmt.Sprintf("rpcbridge: handler already registered for %q", discriminator))
	}
	b.handlers[discriminator] = h
}

// Execute authenticates req.Credentials.Token as a control-plane JWT, then
// dispatches to the handler named by req.Command.Discriminator.
func (b *Bridge) Execute(ctx context.Context, req Request) (*Response, error) {
	if err := b.verifyToken(req.Credentials.Token, req.Credentials.ProjectID); err != nil {
		return nil, err
	}

	h, ok := b.handlers[req.Command.Discriminator]
	if !ok {
		return nil, errs.New(errs.InvalidArgument, fmt.Sprintf("unknown command %q", req.Command.Discriminator))
	}

	data, messages, err := h(ctx, req.Credentials, req.Command.Payload)
	if err != nil {
		return nil, err
	}
	return &Response{CommandResponse: data, Messages: messages}, nil
}

// controlPlaneClaims is the JWT payload a control plane mints per request.
type controlPlaneClaims struct {
	jwt.RegisteredClaims
	ProjectID string `json:"project_id"`
}

func (b *Bridge) verifyToken(tokenString, expectedProjectID string) error {
	if len(b.jwtSecret) == 0 {
		return errs.New(errs.Internal, "rpc bridge has no jwt secret configured")
	}
	if tokenString == "" {
		return errs.New(errs.Unauthenticated, "missing bearer token")
	}

	claims := &controlPlaneClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errs.New(errs.Unauthenticated, "unexpected signing method")
		}
		return b.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return errs.Wrap(errs.Unauthenticated, "invalid control-plane token", err)
	}
	if expectedProjectID != "" && claims.ProjectID != expectedProjectID {
		return errs.New(errs.PermissionDenied, "token does not authorize this project")
	}
	return nil
}

// StatusFor maps an errs.Code to the HTTP-equivalent transport status for
// the bridge's error surface.
func StatusFor(code errs.Code) int {
	switch code {
	case errs.InvalidArgument:
		return 400
	case errs.NotFound:
		return 404
	case errs.Unauthenticated:
		return 401
	case errs.PermissionDenied:
		return 403
	case errs.Conflict:
		return 409
	case errs.ResourceExhausted:
		return 429
	case errs.FailedPrecondition:
		return 412
	case errs.Timeout:
		return 504
	default:
		return 500
	}
}

// PathParams is a normalized (project, branch, bucket) triple resolved from
// one of the three accepted shapes.
type PathParams struct {
	Project string
	Branch  string
	Bucket  string
}

// ResolvePathParams normalizes a handler's path-parameter list:
// callers may supply [project, bucket], [project, branch, bucket], or
// just [bucket] with the project implied by creds.
func ResolvePathParams(params []string, creds Credentials) (PathParams, error) {
	switch len(params) {
	case 1:
		if creds.ProjectID == "" {
			return PathParams{}, errs.New(errs.InvalidArgument, "project_id required in credentials when only bucket is given")
		}
		return PathParams{Project: creds.ProjectID, Branch: layout.DefaultBranch, Bucket: params[0]}, nil
	case 2:
		return PathParams{Project: params[0], Branch: layout.DefaultBranch, Bucket: params[1]}, nil
	case 3:
		return PathParams{Project: params[0], Branch: params[1], Bucket: params[2]}, nil
	default:
		return PathParams{}, errs.New(errs.InvalidArgument, fmt.Sprintf("unexpected path parameter count %d", len(params)))
	}
}
