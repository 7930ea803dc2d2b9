// Package restapi implements the REST transport over internal/core's
// operations, plus the S3-compatible object surface and an
// unauthenticated /health and Prometheus /metrics.
//
// Routing and middleware composition use go-chi/chi/v5; request/response
// bodies are plain JSON via encoding/json rather than a generated client.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/keboola/storage-backend/internal/auth"
	"github.com/keboola/storage-backend/internal/core"
	"github.com/keboola/storage-backend/internal/errs"
	"github.com/keboola/storage-backend/internal/filesstore"
	"github.com/keboola/storage-backend/internal/importexport"
	"github.com/keboola/storage-backend/internal/lockmgr"
	"github.com/keboola/storage-backend/internal/obslog"
	"github.com/keboola/storage-backend/internal/registry"
	"github.com/keboola/storage-backend/internal/rpcbridge"
	"github.com/keboola/storage-backend/internal/s3api"
	"github.com/keboola/storage-backend/internal/tableengine"
	"github.com/keboola/storage-backend/internal/workspace"
)

type ctxKey int

const identityCtxKey ctxKey = 0

// New builds the chi router wired against c. Callers run it behind their own
// http.Server (cmd/storagectl's server command does this).
func New(c *core.Core) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(traceRequests)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	// The control-plane RPC bridge authenticates its own bearer JWT
	// inside Bridge.Execute, so it sits outside authMiddleware's project-key
	// group rather than duplicating that check.
	r.Post("/rpc/execute", rpcExecute(c))

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(c.Auth))

		r.Route("/projects", func(r chi.Router) {
			r.Post("/", withIdempotency(c, createProject(c)))
			r.Route("/{projectID}", func(r chi.Router) {
				r.Delete("/", withIdempotency(c, deleteProject(c)))
				r.Post("/api-keys", withIdempotency(c, createAPIKey(c)))
				r.Delete("/api-keys", withIdempotency(c, revokeAPIKey(c)))

				r.Post("/buckets", withIdempotency(c, createBucket(c)))
				r.Delete("/buckets/{stage}/{bucket}", withIdempotency(c, deleteBucket(c)))

				r.Post("/shares", withIdempotency(c, createShare(c)))
				r.Delete("/shares/{bucket}/{targetProject}", withIdempotency(c, deleteShare(c)))
				r.Post("/links", withIdempotency(c, createLink(c)))
				r.Delete("/links/{bucket}", withIdempotency(c, deleteLink(c)))

				r.Route("/branches", func(r chi.Router) {
					r.Post("/", withIdempotency(c, createBranch(c)))
					r.Delete("/{branchID}", withIdempotency(c, deleteBranch(c)))

					r.Route("/{branchID}/buckets/{bucket}/tables/{table}", tableRoutes(c))
				})
				// default-branch shorthand
				r.Route("/buckets/{bucket}/tables/{table}", tableRoutes(c))

				r.Route("/files", func(r chi.Router) {
					r.Post("/prepare", withIdempotency(c, prepareFile(c)))
					r.Put("/{uploadKey}", uploadFile(c))
					r.Post("/register", withIdempotency(c, registerFile(c)))
					r.Get("/{fileID}", downloadFile(c))
					r.Delete("/{fileID}", withIdempotency(c, deleteFile(c)))
				})

				r.Route("/workspaces", func(r chi.Router) {
					r.Post("/", withIdempotency(c, createWorkspace(c)))
					r.Post("/{workspaceID}/reset-credentials", withIdempotency(c, resetWorkspaceCreds(c)))
					r.Delete("/{workspaceID}", withIdempotency(c, deleteWorkspace(c)))
				})

				r.Route("/snapshots", func(r chi.Router) {
					r.Get("/{snapshotID}", getSnapshot(c))
					r.Post("/{snapshotID}/restore", withIdempotency(c, restoreSnapshotHandler(c)))
				})
				r.Post("/snapshot-settings", withIdempotency(c, setSnapshotSetting(c)))
			})
		})

		r.Mount("/s3", s3Routes(c))
	})

	return r
}

// traceRequests opens one server span per request against the globally
// installed tracer provider (a no-op provider unless the serve command
// enabled tracing).
func traceRequests(next http.Handler) http.Handler {
	tracer := otel.Tracer("restapi")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestLogger(next http.Handler) http.Handler {
	log := obslog.WithComponent("restapi")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func authMiddleware(a *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isS3Path(r.URL.Path) {
				// The S3 surface authenticates via presigned-URL signature or its
				// own header parsing, handled inside s3Routes; RejectSigV4 is
				// enforced there too.
				next.ServeHTTP(w, r)
				return
			}
			key := auth.ExtractCredential(r)
			identity, err := a.Authenticate(r.Context(), key)
			if err != nil {
				writeError(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), identityCtxKey, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func isS3Path(path string) bool {
	return len(path) >= 3 && path[:3] == "/s3"
}

func identityFrom(r *http.Request) auth.Identity {
	id, _ := r.Context().Value(identityCtxKey).(auth.Identity)
	return id
}

// withIdempotency wraps a write handler with the idempotency-key check:
// a request carrying X-Idempotency-Key is fingerprinted and
// checked against the cache before the handler runs, and the handler's
// response is cached under that key afterward.
func withIdempotency(c *core.Core, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		idemKey := r.Header.Get("X-Idempotency-Key")
		if idemKey == "" {
			next(w, r)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, errs.Wrap(errs.InvalidArgument, "reading request body", err))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		fingerprint := lockmgr.Fingerprint(r.Method, r.URL.Path, identityFrom(r).ProjectID, body)
		cached, err := c.Locks.CheckIdempotency(r.Context(), idemKey, fingerprint)
		if err != nil {
			writeError(w, err)
			return
		}
		if cached != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(cached.StatusCode)
			_, _ = w.Write([]byte(cached.Body))
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		_ = c.Locks.RecordIdempotent(r.Context(), idemKey, fingerprint, rec.body.String(), rec.status)
	}
}

func tableRoutes(c *core.Core) func(chi.Router) {
	return func(r chi.Router) {
		r.Put("/", withIdempotency(c, createTable(c)))
		r.Delete("/", withIdempotency(c, dropTable(c)))
		r.Post("/columns", withIdempotency(c, addColumn(c)))
		r.Delete("/columns/{column}", withIdempotency(c, dropColumn(c)))
		r.Patch("/columns/{column}", withIdempotency(c, alterColumn(c)))
		r.Post("/primary-key", withIdempotency(c, addPrimaryKey(c)))
		r.Delete("/primary-key", withIdempotency(c, dropPrimaryKey(c)))
		r.Post("/rows", withIdempotency(c, deleteRows(c)))
		r.Get("/preview", previewTable(c))
		r.Get("/profile", profileTable(c))
		r.Post("/import", importTable(c))
		r.Get("/export", exportTable(c))
		r.Post("/snapshots", withIdempotency(c, createSnapshotHandler(c)))
	}
}

// ---- helpers ----

type statusRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.body.Write(b)
	return s.ResponseWriter.Write(b)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := rpcbridge.StatusFor(errs.CodeOf(err))
	writeJSON(w, status, map[string]string{"error": err.Error(), "code": errs.CodeOf(err).String()})
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errs.Wrap(errs.InvalidArgument, "decoding request body", err)
	}
	return nil
}

func pathParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

func branchOrDefault(r *http.Request) string {
	if b := pathParam(r, "branchID"); b != "" {
		return b
	}
	return ""
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// ---- project/bucket/branch handlers ----

type createProjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func createProject(c *core.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !identityFrom(r).IsAdmin {
			writeError(w, errs.New(errs.PermissionDenied, "only the admin key may create projects"))
			return
		}
		var in createProjectRequest
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, err)
			return
		}
		p, err := c.CreateProject(r.Context(), in.Name, in.Description)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, p)
	}
}

func deleteProject(c *core.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := pathParam(r, "projectID")
		if err := auth.Authorize(identityFrom(r), projectID); err != nil {
			writeError(w, err)
			return
		}
		if err := c.DeleteProject(r.Context(), projectID); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type createAPIKeyRequest struct {
	Description string `json:"description"`
	Scopes      string `json:"scopes"`
}

func createAPIKey(c *core.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := pathParam(r, "projectID")
		if !identityFrom(r).IsAdmin {
			writeError(w, errs.New(errs.PermissionDenied, "only the admin key may mint project api keys"))
			return
		}
		var in createAPIKeyRequest
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, err)
			return
		}
		plaintext, err := c.CreateAPIKey(r.Context(), projectID, in.Description, in.Scopes)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"api_key": plaintext})
	}
}

type revokeAPIKeyRequest struct {
	APIKey string `json:"api_key"`
}

func revokeAPIKey(c *core.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !identityFrom(r).IsAdmin {
			writeError(w, errs.New(errs.PermissionDenied, "only the admin key may revoke project api keys"))
			return
		}
		var in revokeAPIKeyRequest
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, err)
			return
		}
		if err := c.RevokeAPIKey(r.Context(), in.APIKey); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type createBucketRequest struct {
	Stage string `json:"stage"`
	Name  string `json:"name"`
}

func createBucket(c *core.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := pathParam(r, "projectID")
		if err := auth.Authorize(identityFrom(r), projectID); err != nil {
			writeError(w, err)
			return
		}
		var in createBucketRequest
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, err)
			return
		}
		b, err := c.CreateBucket(r.Context(), projectID, in.Stage, in.Name)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, b)
	}
}

func deleteBucket(c *core.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := pathParam(r, "projectID")
		if err := auth.Authorize(identityFrom(r), projectID); err != nil {
			writeError(w, err)
			return
		}
		if err := c.DeleteBucket(r.Context(), projectID, pathParam(r, "stage"), pathParam(r, "bucket")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type createShareRequest struct {
	Bucket        string `json:"bucket"`
	TargetProject string `json:"target_project"`
}

func createShare(c *core.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := pathParam(r, "projectID")
		if err := auth.Authorize(identityFrom(r), projectID); err != nil {
			writeError(w, err)
			return
		}
		var in createShareRequest
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, err)
			return
		}
		if err := c.CreateShare(r.Context(), projectID, in.Bucket, in.TargetProject); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}
}

func deleteShare(c *core.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := pathParam(r, "projectID")
		if err := auth.Authorize(identityFrom(r), projectID); err != nil {
			writeError(w, err)
			return
		}
		if err := c.DeleteShare(r.Context(), projectID, pathParam(r, "bucket"), pathParam(r, "targetProject")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type createLinkRequest struct {
	Bucket       string `json:"bucket"`
	SrcProjectID string `json:"src_project_id"`
	SrcBucket    string `json:"src_bucket"`
}

// createLink makes a bucket another project shared with us appear inside
// this project The caller is the target project: linking
// fails unless srcProjectID has already shared srcBucket with it.
func createLink(c *core.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := pathParam(r, "projectID")
		if err := auth.Authorize(identityFrom(r), projectID); err != nil {
			writeError(w, err)
			return
		}
		var in createLinkRequest
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, err)
			return
		}
		if err := c.CreateLink(r.Context(), projectID, in.Bucket, in.SrcProjectID, in.SrcBucket); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}
}

func deleteLink(c *core.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := pathParam(r, "projectID")
		if err := auth.Authorize(identityFrom(r), projectID); err != nil {
			writeError(w, err)
			return
		}
		if err := c.DeleteLink(r.Context(), projectID, pathParam(r, "bucket")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type createBranchRequest struct {
	BranchID string `json:"branch_id"`
	Name     string `json:"name"`
}

func createBranch(c *core.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := pathParam(r, "projectID")
		if err := auth.Authorize(identityFrom(r), projectID); err != nil {
			writeError(w, err)
			return
		}
		var in createBranchRequest
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, err)
			return
		}
		if err := c.CreateBranch(r.Context(), projectID, in.BranchID, in.Name); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}
}

func deleteBranch(c *core.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := pathParam(r, "projectID")
		if err := auth.Authorize(identityFrom(r), projectID); err != nil {
			writeError(w, err)
			return
		}
		if err := c.DeleteBranch(r.Context(), projectID, pathParam(r, "branchID")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ---- table handlers ----

type createTableRequest struct {
	Columns    []registry.Column `json:"columns"`
	PrimaryKey []string          `json:"primary_key"`
}

func createTable(c *core.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := pathParam(r, "projectID")
		if err := auth.Authorize(identityFrom(r), projectID); err != nil {
			writeError(w, err)
			return
		}
		var in createTableRequest
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, err)
			return
		}
		err := c.CreateTable(r.Context(), projectID, branchOrDefault(r), pathParam(r, "bucket"), pathParam(r, "table"), in.Columns, in.PrimaryKey)
		if err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}
}

func dropTable(c *core.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := pathParam(r, "projectID")
		if err := auth.Authorize(identityFrom(r), projectID); err != nil {
			writeError(w, err)
			return
		}
		if err := c.DropTable(r.Context(), projectID, branchOrDefault(r), pathParam(r, "bucket"), pathParam(r, "table")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func addColumn(c *core.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := pathParam(r, "projectID")
		if err := auth.Authorize(identityFrom(r), projectID); err != nil {
			writeError(w, err)
			return
		}
		var col registry.Column
		if err := decodeJSON(r, &col); err != nil {
			writeError(w, err)
			return
		}
		if err := c.AddColumn(r.Context(), projectID, branchOrDefault(r), pathParam(r, "bucket"), pathParam(r, "table"), col); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}
}

func dropColumn(c *core.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := pathParam(r, "projectID")
		if err := auth.Authorize(identityFrom(r), projectID); err != nil {
			writeError(w, err)
			return
		}
		err := c.DropColumn(r.Context(), projectID, branchOrDefault(r), pathParam(r, "bucket"), pathParam(r, "table"), pathParam(r, "column"))
		if err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type alterColumnRequest struct {
	NewName string `json:"new_name"`
	NewType string `json:"new_type"`
}

func alterColumn(c *core.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := pathParam(r, "projectID")
		if err := auth.Authorize(identityFrom(r), projectID); err != nil {
			writeError(w, err)
			return
		}
		var in alterColumnRequest
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, err)
			return
		}
		err := c.AlterColumn(r.Context(), projectID, branchOrDefault(r), pathParam(r, "bucket"), pathParam(r, "table"), pathParam(r, "column"), in.NewName, in.NewType)
		if err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

type primaryKeyRequest struct {
	Columns []string `json:"columns"`
}

func addPrimaryKey(c *core.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := pathParam(r, "projectID")
		if err := auth.Authorize(identityFrom(r), projectID); err != nil {
			writeError(w, err)
			return
		}
		var in primaryKeyRequest
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, err)
			return
		}
		if err := c.AddPrimaryKey(r.Context(), projectID, branchOrDefault(r), pathParam(r, "bucket"), pathParam(r, "table"), in.Columns); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}
}

func dropPrimaryKey(c *core.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := pathParam(r, "projectID")
		if err := auth.Authorize(identityFrom(r), projectID); err != nil {
			writeError(w, err)
			return
		}
		if err := c.DropPrimaryKey(r.Context(), projectID, branchOrDefault(r), pathParam(r, "bucket"), pathParam(r, "table")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type deleteRowsRequest struct {
	Predicate string `json:"predicate"`
}

func deleteRows(c *core.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := pathParam(r, "projectID")
		if err := auth.Authorize(identityFrom(r), projectID); err != nil {
			writeError(w, err)
			return
		}
		var in deleteRowsRequest
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, err)
			return
		}
		n, err := c.DeleteRows(r.Context(), projectID, branchOrDefault(r), pathParam(r, "bucket"), pathParam(r, "table"), in.Predicate)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"deleted_rows": n})
	}
}

func previewTable(c *core.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := pathParam(r, "projectID")
		if err := auth.Authorize(identityFrom(r), projectID); err != nil {
			writeError(w, err)
			return
		}
		limit := queryInt(r, "limit", 100)
		offset := queryInt(r, "offset", 0)
		result, err := c.Preview(r.Context(), projectID, branchOrDefault(r), pathParam(r, "bucket"), pathParam(r, "table"), nil, limit, offset)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func profileTable(c *core.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := pathParam(r, "projectID")
		if err := auth.Authorize(identityFrom(r), projectID); err != nil {
			writeError(w, err)
			return
		}
		mode := tableengine.ProfileMode(r.URL.Query().Get("mode"))
		if mode == "" {
			mode = tableengine.ProfileModeBasic
		}
		profile, err := c.Profile(r.Context(), projectID, branchOrDefault(r), pathParam(r, "bucket"), pathParam(r, "table"), nil, mode)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, profile)
	}
}

func importTable(c *core.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := pathParam(r, "projectID")
		if err := auth.Authorize(identityFrom(r), projectID); err != nil {
			writeError(w, err)
			return
		}
		q := r.URL.Query()
		opts := importexport.ImportOptions{
			Mode:  importexport.Mode(q.Get("mode")),
			Dedup: importexport.DedupStrategy(q.Get("dedup")),
		}
		if opts.Mode == "" {
			opts.Mode = importexport.ModeFull
		}

		var result *importexport.ImportResult
		var err error
		if dsn := q.Get("source_dsn"); dsn != "" {
			if cols := q.Get("columns"); cols != "" {
				opts.Columns = strings.Split(cols, ",")
			}
			result, err = c.ImportFromServer(r.Context(), projectID, branchOrDefault(r),
				pathParam(r, "bucket"), pathParam(r, "table"), dsn, q.Get("source_table"), opts)
		} else {
			result, err = c.Import(r.Context(), projectID, branchOrDefault(r),
				pathParam(r, "bucket"), pathParam(r, "table"), r.Body, opts)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func exportTable(c *core.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := pathParam(r, "projectID")
		if err := auth.Authorize(identityFrom(r), projectID); err != nil {
			writeError(w, err)
			return
		}
		q := r.URL.Query()
		opts := importexport.ExportOptions{Compression: q.Get("compression"), Where: q.Get("where")}
		if cols := q.Get("columns"); cols != "" {
			opts.Columns = strings.Split(cols, ",")
		}
		opts.Limit = queryInt(r, "limit", 0)

		if dest := q.Get("destination"); dest != "" {
			if err := c.ExportToS3(r.Context(), projectID, branchOrDefault(r), pathParam(r, "bucket"), pathParam(r, "table"), opts, dest); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "exported", "destination": dest})
			return
		}

		w.Header().Set("Content-Type", "text/csv")
		if err := c.Export(r.Context(), projectID, branchOrDefault(r), pathParam(r, "bucket"), pathParam(r, "table"), opts, w); err != nil {
			writeError(w, err)
			return
		}
	}
}

func createSnapshotHandler(c *core.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := pathParam(r, "projectID")
		if err := auth.Authorize(identityFrom(r), projectID); err != nil {
			writeError(w, err)
			return
		}
		snap, err := c.CreateSnapshot(r.Context(), projectID, branchOrDefault(r), pathParam(r, "bucket"), pathParam(r, "table"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, snap)
	}
}

func getSnapshot(c *core.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := pathParam(r, "projectID")
		if err := auth.Authorize(identityFrom(r), projectID); err != nil {
			writeError(w, err)
			return
		}
		snap, err := c.Registry.GetSnapshot(r.Context(), pathParam(r, "snapshotID"))
		if err != nil {
			writeError(w, err)
			return
		}
		if snap.ProjectID != projectID {
			writeError(w, errs.New(errs.NotFound, "snapshot not found"))
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

type restoreSnapshotRequest struct {
	Bucket string `json:"bucket"`
	Table  string `json:"table"`
}

func restoreSnapshotHandler(c *core.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := pathParam(r, "projectID")
		if err := auth.Authorize(identityFrom(r), projectID); err != nil {
			writeError(w, err)
			return
		}
		var in restoreSnapshotRequest
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, err)
			return
		}
		err := c.RestoreSnapshot(r.Context(), projectID, branchOrDefault(r), in.Bucket, in.Table, pathParam(r, "snapshotID"))
		if err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// ---- snapshot settings (hierarchical configuration) ----

type setSnapshotSettingRequest struct {
	Scope   string `json:"scope"`    // "system" | "project" | "bucket" | "table"
	ScopeID string `json:"scope_id"` // "global" for "system"; "<project>/<bucket>" or "<project>/<bucket>/<table>"; ignored for "project"
	Key     string `json:"key"`
	Value   string `json:"value"`
}

func setSnapshotSetting(c *core.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := pathParam(r, "projectID")
		if err := auth.Authorize(identityFrom(r), projectID); err != nil {
			writeError(w, err)
			return
		}
		var in setSnapshotSettingRequest
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, err)
			return
		}
		scopeID := in.ScopeID
		if in.Scope == "project" {
			scopeID = projectID
		}
		scope := registry.SnapshotScope{Scope: in.Scope, ScopeID: scopeID}
		if err := c.SetSnapshotSetting(r.Context(), scope, in.Key, in.Value); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ---- files handlers ----

func prepareFile(c *core.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := pathParam(r, "projectID")
		if err := auth.Authorize(identityFrom(r), projectID); err != nil {
			writeError(w, err)
			return
		}
		prep, err := c.Files.Prepare(r.Context(), projectID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, prep)
	}
}

func uploadFile(c *core.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := pathParam(r, "projectID")
		if err := auth.Authorize(identityFrom(r), projectID); err != nil {
			writeError(w, err)
			return
		}
		up, err := c.Files.Upload(r.Context(), projectID, pathParam(r, "uploadKey"), r.Body)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sha256": up.SHA256, "md5": up.MD5, "size_bytes": up.SizeBytes})
	}
}

type registerFileRequest struct {
	UploadKey    string `json:"upload_key"`
	SHA256       string `json:"sha256"`
	MD5          string `json:"md5"`
	SizeBytes    int64  `json:"size_bytes"`
	OrigName     string `json:"orig_name"`
	Tags         string `json:"tags"`
	ClientSHA256 string `json:"client_sha256"`
}

func registerFile(c *core.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := pathParam(r, "projectID")
		if err := auth.Authorize(identityFrom(r), projectID); err != nil {
			writeError(w, err)
			return
		}
		var in registerFileRequest
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, err)
			return
		}
		opts := filesstore.RegisterOptions{OrigName: in.OrigName, Tags: in.Tags, ClientSHA256: in.ClientSHA256}
		up := filesstore.Uploaded{SHA256: in.SHA256, MD5: in.MD5, SizeBytes: in.SizeBytes}
		f, err := c.Files.Register(r.Context(), projectID, in.UploadKey, up, opts)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, f)
	}
}

func downloadFile(c *core.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := pathParam(r, "projectID")
		if err := auth.Authorize(identityFrom(r), projectID); err != nil {
			writeError(w, err)
			return
		}
		f, rc, err := c.Files.Download(r.Context(), pathParam(r, "fileID"))
		if err != nil {
			writeError(w, err)
			return
		}
		defer rc.Close()
		if f.ProjectID != projectID {
			writeError(w, errs.New(errs.NotFound, "file not found"))
			return
		}
		w.Header().Set("Content-Length", strconv.FormatInt(f.SizeBytes, 10))
		_, _ = io.Copy(w, rc)
	}
}

func deleteFile(c *core.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := pathParam(r, "projectID")
		if err := auth.Authorize(identityFrom(r), projectID); err != nil {
			writeError(w, err)
			return
		}
		if err := c.Files.Delete(r.Context(), pathParam(r, "fileID")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ---- workspace handlers ----

type createWorkspaceRequest struct {
	TTLSeconds     int64   `json:"ttl_seconds"`
	SizeLimitBytes int64   `json:"size_limit_bytes"`
	BranchID       *string `json:"branch_id"`
}

func createWorkspace(c *core.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := pathParam(r, "projectID")
		if err := auth.Authorize(identityFrom(r), projectID); err != nil {
			writeError(w, err)
			return
		}
		var in createWorkspaceRequest
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, err)
			return
		}
		opts := workspace.CreateOptions{
			SizeLimitBytes: in.SizeLimitBytes,
			BranchID:       in.BranchID,
		}
		if in.TTLSeconds > 0 {
			opts.TTL = time.Duration(in.TTLSeconds) * time.Second
		}
		created, err := c.Workspaces.Create(r.Context(), projectID, opts)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	}
}

func resetWorkspaceCreds(c *core.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := pathParam(r, "projectID")
		if err := auth.Authorize(identityFrom(r), projectID); err != nil {
			writeError(w, err)
			return
		}
		password, err := c.Workspaces.ResetCredentials(r.Context(), pathParam(r, "workspaceID"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"password": password})
	}
}

func deleteWorkspace(c *core.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := pathParam(r, "projectID")
		if err := auth.Authorize(identityFrom(r), projectID); err != nil {
			writeError(w, err)
			return
		}
		if err := c.Workspaces.Delete(r.Context(), pathParam(r, "workspaceID")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ---- S3-compatible surface ----

func s3Routes(c *core.Core) http.Handler {
	r := chi.NewRouter()
	r.Get("/{bucket}", s3List(c))
	r.Post("/{bucket}/presign", s3PresignHandler(c))
	r.Put("/{bucket}/*", s3Put(c))
	r.Get("/{bucket}/*", s3Get(c))
	r.Head("/{bucket}/*", s3Head(c))
	r.Delete("/{bucket}/*", s3Delete(c))
	return r
}

// s3Error renders err as the S3 error document, since clients on this
// surface parse XML, not our JSON error shape.
func s3Error(w http.ResponseWriter, r *http.Request, err error) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(rpcbridge.StatusFor(errs.CodeOf(err)))
	_, _ = w.Write(s3api.ErrorXML(err, r.URL.Path))
}

// s3Project authenticates an S3-surface request and resolves its bucket to a
// project id. Accepted credentials: a presigned-URL
// signature (validated against any of the project's stored key digests), or
// Bearer / X-Api-Key. SigV4 attempts are rejected outright.
func s3Project(c *core.Core, w http.ResponseWriter, r *http.Request) (string, bool) {
	if err := s3api.RejectSigV4(r.Header.Get("Authorization")); err != nil {
		s3Error(w, r, err)
		return "", false
	}
	bucket := pathParam(r, "bucket")
	projectID, ok := s3api.ProjectIDFromBucket(bucket)
	if !ok {
		s3Error(w, r, errs.New(errs.InvalidArgument, "unrecognised bucket name"))
		return "", false
	}

	q := r.URL.Query()
	if sig := q.Get("signature"); sig != "" {
		expires, err := strconv.ParseInt(q.Get("expires"), 10, 64)
		if err != nil {
			s3Error(w, r, errs.New(errs.InvalidArgument, "malformed expires parameter"))
			return "", false
		}
		hashes, err := c.Registry.ListAPIKeyHashesForProject(r.Context(), projectID)
		if err != nil {
			s3Error(w, r, err)
			return "", false
		}
		if err := s3api.ValidatePresignedAny(hashes, r.Method, bucket, s3Key(r), sig, expires, time.Now()); err != nil {
			s3Error(w, r, err)
			return "", false
		}
		return projectID, true
	}

	key := auth.ExtractCredential(r)
	identity, err := c.Auth.Authenticate(r.Context(), key)
	if err != nil {
		s3Error(w, r, err)
		return "", false
	}
	if err := auth.Authorize(identity, projectID); err != nil {
		s3Error(w, r, err)
		return "", false
	}
	return projectID, true
}

func s3Key(r *http.Request) string {
	return chi.URLParam(r, "*")
}

func s3Put(c *core.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, ok := s3Project(c, w, r)
		if !ok {
			return
		}
		meta, err := c.S3.Put(r.Context(), projectID, s3Key(r), r.Body)
		if err != nil {
			s3Error(w, r, err)
			return
		}
		w.Header().Set("ETag", `"`+meta.ETag+`"`)
		w.WriteHeader(http.StatusOK)
	}
}

func s3Get(c *core.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, ok := s3Project(c, w, r)
		if !ok {
			return
		}
		f, rc, err := c.S3.Get(r.Context(), projectID, s3Key(r))
		if err != nil {
			s3Error(w, r, err)
			return
		}
		defer rc.Close()
		w.Header().Set("ETag", `"`+f.MD5+`"`)
		w.Header().Set("Content-Length", strconv.FormatInt(f.SizeBytes, 10))
		_, _ = io.Copy(w, rc)
	}
}

func s3Head(c *core.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, ok := s3Project(c, w, r)
		if !ok {
			return
		}
		meta, err := c.S3.Head(r.Context(), projectID, s3Key(r))
		if err != nil {
			s3Error(w, r, err)
			return
		}
		w.Header().Set("ETag", `"`+meta.ETag+`"`)
		w.Header().Set("Content-Length", strconv.FormatInt(meta.SizeBytes, 10))
		w.WriteHeader(http.StatusOK)
	}
}

func s3Delete(c *core.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, ok := s3Project(c, w, r)
		if !ok {
			return
		}
		if err := c.S3.Delete(r.Context(), projectID, s3Key(r)); err != nil {
			s3Error(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func s3List(c *core.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, ok := s3Project(c, w, r)
		if !ok {
			return
		}
		objects, err := c.S3.List(r.Context(), c.Registry, projectID)
		if err != nil {
			s3Error(w, r, err)
			return
		}
		q := r.URL.Query()
		maxKeys := queryInt(r, "max-keys", 1000)
		result := s3api.ApplyListV2(objects, q.Get("prefix"), q.Get("delimiter"), maxKeys)
		body, err := result.XML(pathParam(r, "bucket"), maxKeys)
		if err != nil {
			s3Error(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write(body)
	}
}

type s3PresignRequest struct {
	Key       string `json:"key"`
	Method    string `json:"method"`
	ExpiresIn int64  `json:"expires_in"`
}

// s3PresignHandler mints a presigned URL for (method, bucket, key). The
// caller must present one of the owning project's API keys — the signature is
// HMAC-keyed by that key's stored digest, so the admin key (whose digest is
// not in the project's key set) cannot sign here.
func s3PresignHandler(c *core.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s3api.RejectSigV4(r.Header.Get("Authorization")); err != nil {
			s3Error(w, r, err)
			return
		}
		bucket := pathParam(r, "bucket")
		projectID, ok := s3api.ProjectIDFromBucket(bucket)
		if !ok {
			s3Error(w, r, errs.New(errs.InvalidArgument, "unrecognised bucket name"))
			return
		}

		plaintext := auth.ExtractCredential(r)
		identity, err := c.Auth.Authenticate(r.Context(), plaintext)
		if err != nil {
			s3Error(w, r, err)
			return
		}
		if identity.IsAdmin || identity.ProjectID != projectID {
			s3Error(w, r, errs.New(errs.PermissionDenied, "presigning requires one of the owning project's API keys"))
			return
		}

		var in s3PresignRequest
		if err := decodeJSON(r, &in); err != nil {
			s3Error(w, r, err)
			return
		}
		method := strings.ToUpper(in.Method)
		switch method {
		case http.MethodGet, http.MethodPut, http.MethodHead, http.MethodDelete:
		default:
			s3Error(w, r, errs.New(errs.InvalidArgument, "method must be one of GET, PUT, HEAD, DELETE"))
			return
		}
		if in.ExpiresIn <= 0 {
			in.ExpiresIn = 900
		}

		expires := time.Now().Add(time.Duration(in.ExpiresIn) * time.Second)
		sig := s3api.Presign(auth.HashKey(plaintext), method, bucket, in.Key, expires)
		u := url.URL{
			Path: "/s3/" + bucket + "/" + in.Key,
			RawQuery: url.Values{
				"signature": {sig},
				"expires":   {strconv.FormatInt(expires.Unix(), 10)},
			}.Encode(),
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"url":       u.String(),
			"signature": sig,
			"expires":   expires.Unix(),
		})
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ---- RPC bridge envelope ----
//
// This is the JSON rendering of the language-neutral envelope; the
// actual gRPC-to-HTTP bridge in front of an external control plane is the
// out-of-scope thin adapter. This endpoint is what that
// adapter would call.

type rpcCredentials struct {
	Host      string `json:"host"`
	Principal string `json:"principal"`
	Secret    string `json:"secret"`
}

type rpcCommand struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type rpcRequest struct {
	Credentials    rpcCredentials    `json:"credentials"`
	Command        rpcCommand        `json:"command"`
	Features       []string          `json:"features"`
	RuntimeOptions map[string]string `json:"runtimeOptions"`
}

type rpcMessage struct {
	Level string `json:"level"`
	Text  string `json:"text"`
}

type rpcResponse struct {
	CommandResponse json.RawMessage `json:"commandResponse,omitempty"`
	Messages        []rpcMessage    `json:"messages"`
}

func rpcExecute(c *core.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in rpcRequest
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, err)
			return
		}
		req := rpcbridge.Request{
			Credentials: rpcbridge.Credentials{
				ProjectID: in.Credentials.Host,
				Token:     in.Credentials.Secret,
			},
			Command: rpcbridge.Command{
				Discriminator: in.Command.Type,
				Payload:       in.Command.Payload,
			},
			Features:       in.Features,
			RuntimeOptions: in.RuntimeOptions,
		}
		resp, err := c.RPCBridge.Execute(r.Context(), req)
		if err != nil {
			status := rpcbridge.StatusFor(errs.CodeOf(err))
			writeJSON(w, status, rpcResponse{Messages: []rpcMessage{{Level: rpcbridge.LevelError, Text: err.Error()}}})
			return
		}
		out := rpcResponse{CommandResponse: resp.CommandResponse}
		for _, m := range resp.Messages {
			out.Messages = append(out.Messages, rpcMessage{Level: m.Level, Text: m.Text})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

