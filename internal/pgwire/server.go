package pgwire

import (
	"bufio"
	"context"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/keboola/storage-backend/internal/engine"
	"github.com/keboola/storage-backend/internal/errs"
	"github.com/keboola/storage-backend/internal/obslog"
	"github.com/keboola/storage-backend/internal/registry"
	"github.com/keboola/storage-backend/internal/workspace"
)

// Config describes the listener address and shutdown grace window.
type Config struct {
	Host string
	Port int
	// GraceWindow bounds how long Shutdown waits for in-flight queries
	// before force-closing connections.
	GraceWindow time.Duration
}

func (c Config) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

const defaultGraceWindow = 30 * time.Second

// Server accepts PG-wire connections and binds each to a workspace session.
type Server struct {
	cfg Config
	ws  attachmentResolver
	reg workspaceLookup
	log zerolog.Logger

	listener net.Listener

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	shutdown bool
}

func New(cfg Config, ws attachmentResolver, reg workspaceLookup) *Server {
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = defaultGraceWindow
	}
	return &Server{
		cfg:   cfg,
		ws:    ws,
		reg:   reg,
		log:   obslog.WithComponent("pgwire"),
		conns: make(map[net.Conn]struct{}),
	}
}

// ListenAndServe binds the configured address and accepts connections until
// ctx is canceled or Shutdown is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.addr())
	if err != nil {
		return errs.Wrap(errs.IOFailure, "binding pg-wire listener", err)
	}
	s.listener = ln
	s.log.Info().Str("addr", s.cfg.addr()).Msg("pg-wire server listening")

	go func() {
		<-ctx.Done()
		_ = s.Shutdown(context.Background())
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			shuttingDown := s.shutdown
			s.mu.Unlock()
			if shuttingDown {
				return nil
			}
			return errs.Wrap(errs.IOFailure, "accepting pg-wire connection", err)
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		go s.handleConn(conn)
	}
}

// Shutdown stops accepting new connections and waits up to GraceWindow for
// in-flight connections to close on their own before force-closing them,
// mirroring the SIGTERM-then-timeout-then-SIGKILL shape of a process
// supervisor.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	if s.listener != nil {
		_ = s.listener.Close()
	}

	deadline := time.NewTimer(s.cfg.GraceWindow)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		s.mu.Lock()
		remaining := len(s.conns)
		s.mu.Unlock()
		if remaining == 0 {
			return nil
		}
		select {
		case <-deadline.C:
			s.forceCloseAll()
			return nil
		case <-ticker.C:
		case <-ctx.Done():
			s.forceCloseAll()
			return ctx.Err()
		}
	}
}

func (s *Server) forceCloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.Close()
	}
}

func (s *Server) dropConn(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	defer s.dropConn(conn)

	r := bufio.NewReader(conn)

	if isSSL, err := peekIsSSLRequest(r); err == nil && isSSL {
		// No TLS support in this embedded listener; refuse and let the
		// client fall back to a plaintext startup message.
		if _, err := conn.Write([]byte{'N'}); err != nil {
			return
		}
	}

	startup, err := readStartupMessage(r)
	if err != nil {
		return
	}

	database := startup.Params["database"]
	workspaceID, ok := strings.CutPrefix(database, "workspace_")
	if !ok {
		_ = writeErrorResponse(conn, errs.New(errs.InvalidArgument, "database must be workspace_<id>"))
		return
	}

	if err := writeAuthenticationCleartextPassword(conn); err != nil {
		return
	}
	pwFrame, err := readFrame(r)
	if err != nil || pwFrame.Tag != tagPasswordMessage {
		_ = writeErrorResponse(conn, errs.New(errs.Unauthenticated, "expected password message"))
		return
	}
	password := strings.TrimRight(string(pwFrame.Body), "\x00")

	if err := s.ws.Authenticate(context.Background(), workspaceID, password); err != nil {
		_ = writeErrorResponse(conn, err)
		return
	}

	ws, err := s.reg.GetWorkspace(context.Background(), workspaceID)
	if err != nil {
		_ = writeErrorResponse(conn, err)
		return
	}
	if ws.Status != workspace.StatusActive {
		_ = writeErrorResponse(conn, errs.New(errs.FailedPrecondition, "workspace is not active"))
		return
	}

	sess, err := s.openSession(ws, conn.RemoteAddr().String())
	if err != nil {
		_ = writeErrorResponse(conn, err)
		return
	}
	defer sess.close()

	if err := writeAuthenticationOK(conn); err != nil {
		return
	}
	_ = writeParameterStatus(conn, "server_version", "15.0 (storage-backend pgwire)")
	_ = writeParameterStatus(conn, "client_encoding", "UTF8")
	_ = writeBackendKeyData(conn, uint32(rand.Int31()), uint32(rand.Int31()))
	if err := writeReadyForQuery(conn, txStatusIdle); err != nil {
		return
	}

	s.serveQueries(conn, r, sess)
}

func (s *Server) openSession(ws *registry.Workspace, clientAddr string) (*session, error) {
	own, err := engine.Open(context.Background(), engine.Config{
		Path:           ws.DBPath,
		Database:       "workspace_" + ws.ID,
		CommitterName:  "pgwire-session",
		CommitterEmail: "pgwire@localhost",
	}, nil)
	if err != nil {
		return nil, err
	}

	plan, err := s.ws.AttachmentPlan(context.Background(), ws.ProjectID, ws.BranchID)
	if err != nil {
		_ = own.Close()
		return nil, err
	}

	attached := make(map[string]*engine.Engine, len(plan))
	for _, a := range plan {
		eng, err := engine.Open(context.Background(), engine.Config{
			Path:           a.Path,
			Database:       "main",
			CommitterName:  "pgwire-session",
			CommitterEmail: "pgwire@localhost",
			ReadOnly:       true,
		}, nil)
		if err != nil {
			_ = own.Close()
			for _, e := range attached {
				_ = e.Close()
			}
			return nil, err
		}
		attached[strings.ToLower(a.Schema)+"."+strings.ToLower(a.Table)] = eng
	}

	now := time.Now()
	sessionID := uuid.NewString()
	if err := s.reg.CreatePGSession(context.Background(), registry.PGSession{
		SessionID: sessionID, WorkspaceID: ws.ID, ClientAddr: clientAddr,
		ConnectedAt: now, LastActivityAt: now,
	}); err != nil {
		_ = own.Close()
		for _, e := range attached {
			_ = e.Close()
		}
		return nil, err
	}

	return &session{
		id:         sessionID,
		ws:         ws,
		own:        own,
		attached:   attached,
		limits:     workspace.LimitsFor(*ws),
		lastActive: now,
		log:        s.log,
		reg:        s.reg,
	}, nil
}

func (s *Server) serveQueries(conn net.Conn, r *bufio.Reader, sess *session) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(sess.limits.IdleTimeout))
		f, err := readFrame(r)
		if err != nil {
			return
		}
		sess.touch(context.Background(), time.Now())

		switch f.Tag {
		case tagTerminate:
			return
		case tagQuery:
			query := strings.TrimRight(string(f.Body), "\x00")
			s.runQuery(conn, sess, query)
		default:
			_ = writeErrorResponse(conn, errs.New(errs.InvalidArgument, fmt.Sprintf("unsupported message type %q", f.Tag)))
			if err := writeReadyForQuery(conn, txStatusIdle); err != nil {
				return
			}
		}
	}
}

func (s *Server) runQuery(conn net.Conn, sess *session, query string) {
	if strings.TrimSpace(query) == "" {
		_ = writeEmptyQueryResponse(conn)
		_ = writeReadyForQuery(conn, txStatusIdle)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sess.limits.StatementTimeout)
	defer cancel()

	cols, rows, tag, err := sess.execute(ctx, query)
	if err != nil {
		_ = writeErrorResponse(conn, err)
		_ = writeReadyForQuery(conn, txStatusIdle)
		return
	}

	if cols != nil {
		if err := writeRowDescription(conn, cols); err != nil {
			return
		}
		for _, row := range rows {
			if err := writeDataRow(conn, row); err != nil {
				return
			}
		}
	}
	_ = writeCommandComplete(conn, tag)
	_ = writeReadyForQuery(conn, txStatusIdle)
}
