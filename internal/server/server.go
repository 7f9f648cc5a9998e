package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/tidwall/gjson"

	"hotbackup/internal/backup"
	"hotbackup/internal/result"
)

// ErrShutdown is the interrupt reason given to backups still running when
// the server stops.
var ErrShutdown = errors.New("interrupted at shutdown")

// errClientGone is the interrupt reason when the caller of a blocking backup
// request goes away.
var errClientGone = errors.New("client disconnected")

const shutdownTimeout = 30 * time.Second

// Commands is the command surface served over HTTP.
type Commands interface {
	Start(ctx context.Context, destination string) (*result.Document, error)
	Throttle(bytesPerSecond int64) error
	Status() (*result.Document, error)
	History(limit int) ([]*backup.SessionRecord, error)
}

// Server exposes Commands as a JSON API:
//
//	POST /api/backup    {"destination": "/path"}
//	POST /api/throttle  {"bytesPerSecond": 1048576}
//	GET  /api/status
//	GET  /api/history?limit=N
//	GET  /api/health
//
// Every response is a JSON object with "ok" set; failures add "errmsg".
type Server struct {
	cmds      Commands
	logger    backup.Logger
	authToken string
	router    *mux.Router

	// stopping is cancelled with ErrShutdown when the server stops, which
	// interrupts every backup started through it.
	stopping context.Context
	stop     context.CancelCauseFunc
}

// New creates a Server. An empty authToken disables authentication.
func New(cmds Commands, logger backup.Logger, authToken string) *Server {
	stopping, stop := context.WithCancelCause(context.Background())
	s := &Server{
		cmds:      cmds,
		logger:    logger,
		authToken: authToken,
		stopping:  stopping,
		stop:      stop,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	if s.authToken != "" {
		api.Use(authMiddleware(s.authToken))
	}

	api.HandleFunc("/health", s.Health).Methods("GET")
	api.HandleFunc("/backup", s.StartBackup).Methods("POST")
	api.HandleFunc("/throttle", s.Throttle).Methods("POST")
	api.HandleFunc("/status", s.Status).Methods("GET")
	api.HandleFunc("/history", s.History).Methods("GET")
	return r
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe listens on addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves the API on ln until ctx is done. Running backups are then
// interrupted with ErrShutdown and given time to wind down before the
// listener closes.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("control API listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.stop(ErrShutdown)
		return fmt.Errorf("control API failed: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down control API")
	s.stop(ErrShutdown)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down control API: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// authMiddleware validates the bearer token for everything but health checks.
func authMiddleware(token string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/api/health" {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				errorResponse(w, http.StatusUnauthorized, "missing Authorization header")
				return
			}

			scheme, value, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") {
				errorResponse(w, http.StatusUnauthorized, "invalid Authorization header format")
				return
			}
			if value != token {
				errorResponse(w, http.StatusUnauthorized, "invalid token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Health reports that the daemon is up.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	doc := result.New()
	if err := doc.Set("status", "ok"); err != nil {
		errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	documentResponse(w, http.StatusOK, doc)
}

// StartBackup runs a backup and responds when it ends. The backup is
// interrupted if the client disconnects or the server shuts down.
func (s *Server) StartBackup(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON(w, r)
	if !ok {
		return
	}
	destination := body.Get("destination")
	if destination.Type != gjson.String || destination.String() == "" {
		errorResponse(w, http.StatusBadRequest, "destination is required")
		return
	}

	ctx, cancel := s.backupContext(r.Context())
	defer cancel(nil)

	doc, err := s.cmds.Start(ctx, destination.String())
	if err != nil {
		s.logger.Warn("backup failed", "destination", destination.String(), "error", err)
		commandError(w, err, doc)
		return
	}
	documentResponse(w, http.StatusOK, doc)
}

// backupContext derives the interrupt source for one backup request: it is
// cancelled with errClientGone when the request ends early and with
// ErrShutdown when the server stops.
func (s *Server) backupContext(req context.Context) (context.Context, context.CancelCauseFunc) {
	ctx, cancel := context.WithCancelCause(context.WithoutCancel(req))
	stopReq := context.AfterFunc(req, func() { cancel(errClientGone) })
	stopSrv := context.AfterFunc(s.stopping, func() { cancel(context.Cause(s.stopping)) })
	return ctx, func(cause error) {
		stopReq()
		stopSrv()
		cancel(cause)
	}
}

// Throttle sets the engine's copy rate limit.
func (s *Server) Throttle(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON(w, r)
	if !ok {
		return
	}
	bps := body.Get("bytesPerSecond")
	if bps.Type != gjson.Number {
		errorResponse(w, http.StatusBadRequest, "bytesPerSecond must be a number")
		return
	}

	if err := s.cmds.Throttle(bps.Int()); err != nil {
		commandError(w, err, nil)
		return
	}
	documentResponse(w, http.StatusOK, result.New())
}

// Status reports the progress of the running backup.
func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	doc, err := s.cmds.Status()
	if err != nil {
		commandError(w, err, nil)
		return
	}
	documentResponse(w, http.StatusOK, doc)
}

// History lists recent backup sessions, newest first.
func (s *Server) History(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errorResponse(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}

	recs, err := s.cmds.History(limit)
	if err != nil {
		commandError(w, err, nil)
		return
	}

	doc, err := historyDocument(recs)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	documentResponse(w, http.StatusOK, doc)
}

func historyDocument(recs []*backup.SessionRecord) (*result.Document, error) {
	doc := result.New()
	if err := doc.Set("sessions", []any{}); err != nil {
		return nil, err
	}
	for _, rec := range recs {
		entry, err := sessionDocument(rec)
		if err != nil {
			return nil, err
		}
		if err := doc.SetDocument("sessions.-1", entry); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

type docField struct {
	path  string
	value any
}

func sessionDocument(rec *backup.SessionRecord) (*result.Document, error) {
	fields := []docField{
		{"id", rec.ID},
		{"destination", rec.Destination},
		{"status", string(rec.Status)},
		{"startedAt", rec.StartedAt.UTC().Format(time.RFC3339)},
		{"bytesDone", rec.BytesDone},
		{"files.done", rec.FilesDone},
		{"files.total", rec.FilesTotal},
	}
	if rec.FinishedAt.Valid {
		fields = append(fields, docField{"finishedAt", rec.FinishedAt.Time.UTC().Format(time.RFC3339)})
	}
	if rec.Errno != 0 || rec.ErrorMessage != "" {
		fields = append(fields, docField{"errno", rec.Errno}, docField{"message", rec.ErrorMessage})
	}
	if rec.Reason != "" {
		fields = append(fields, docField{"reason", rec.Reason})
	}

	doc := result.New()
	for _, f := range fields {
		if err := doc.Set(f.path, f.value); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// readJSON reads a JSON object request body. It writes a 400 response and
// returns false when the body is unusable.
func readJSON(w http.ResponseWriter, r *http.Request) (gjson.Result, bool) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "failed to read request body")
		return gjson.Result{}, false
	}
	if !gjson.ValidBytes(raw) {
		errorResponse(w, http.StatusBadRequest, "invalid request body")
		return gjson.Result{}, false
	}
	body := gjson.ParseBytes(raw)
	if !body.IsObject() {
		errorResponse(w, http.StatusBadRequest, "request body must be a JSON object")
		return gjson.Result{}, false
	}
	return body, true
}

// commandError responds with the HTTP status matching err. Fields already
// collected in doc, such as the engine's errno, are kept.
func commandError(w http.ResponseWriter, err error, doc *result.Document) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, backup.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, backup.ErrNoActiveSession):
		status = http.StatusNotFound
	case errors.Is(err, backup.ErrBackupInProgress):
		status = http.StatusConflict
	}

	if doc == nil {
		doc = result.New()
	}
	if setErr := markFailed(doc, err.Error()); setErr != nil {
		errorResponse(w, http.StatusInternalServerError, setErr.Error())
		return
	}
	writeDocument(w, status, doc)
}

func markFailed(doc *result.Document, msg string) error {
	if err := doc.Set("ok", false); err != nil {
		return err
	}
	return doc.Set("errmsg", msg)
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	doc := result.New()
	if err := markFailed(doc, message); err != nil {
		http.Error(w, message, status)
		return
	}
	writeDocument(w, status, doc)
}

func documentResponse(w http.ResponseWriter, status int, doc *result.Document) {
	if err := doc.Set("ok", true); err != nil {
		errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeDocument(w, status, doc)
}

func writeDocument(w http.ResponseWriter, status int, doc *result.Document) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(doc.Bytes())
}
