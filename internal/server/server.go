// Package server is the JSON HTTP surface over the action pipeline. It is a
// thin wrapper: request decoding, auth, and response shaping; every decision
// belongs to the pipeline underneath.
package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	charmLog "github.com/charmbracelet/log"

	"github.com/catnip/catbot/internal/pipeline"
	"github.com/catnip/catbot/internal/store"
)

const defaultJWTSecret = "catbot-dev-jwt-secret-change-me"

type AppConfig struct {
	DBPath           string
	JWTSecret        string
	Logger           *charmLog.Logger
	PendingActionTTL time.Duration
	SweepInterval    time.Duration
	DisableSweeper   bool
}

// App owns the store, the pipeline components, and the expiry sweeper. One
// App per process; the pipeline itself carries no cross-request state beyond
// the database.
type App struct {
	store     *store.Store
	evaluator *pipeline.Evaluator
	executor  *pipeline.Executor
	sweeper   *pipeline.Sweeper
	logger    *charmLog.Logger
	jwtSecret string
}

func New(cfg AppConfig) (*App, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("db path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = charmLog.NewWithOptions(os.Stderr, charmLog.Options{
			Prefix:          "catbot",
			Level:           charmLog.InfoLevel,
			ReportTimestamp: true,
			TimeFormat:      time.RFC3339,
		})
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	jwtSecret := cfg.JWTSecret
	if jwtSecret == "" {
		jwtSecret = defaultJWTSecret
	}

	evaluator := pipeline.NewEvaluator(st, logger.With("component", "evaluator"))
	executor := pipeline.NewExecutor(pipeline.ExecutorConfig{
		Store:            st,
		Evaluator:        evaluator,
		Logger:           logger.With("component", "executor"),
		PendingActionTTL: cfg.PendingActionTTL,
	})

	app := &App{
		store:     st,
		evaluator: evaluator,
		executor:  executor,
		logger:    logger,
		jwtSecret: jwtSecret,
	}

	if !cfg.DisableSweeper {
		app.sweeper = pipeline.NewSweeper(st, logger.With("component", "sweeper"), cfg.SweepInterval)
		app.sweeper.Start()
	}

	return app, nil
}

func (a *App) Close() error {
	if a.sweeper != nil {
		a.sweeper.Stop()
	}
	return a.store.Close()
}

func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("GET /v1/actions/catalog", a.handleCatalog)
	mux.HandleFunc("GET /v1/permissions", a.handlePermissionSummary)
	mux.HandleFunc("PUT /v1/permissions", a.handlePutPermission)
	mux.HandleFunc("POST /v1/actions/execute", a.handleExecuteAction)
	mux.HandleFunc("POST /v1/actions/{id}/confirm", a.handleConfirmAction)
	mux.HandleFunc("POST /v1/actions/{id}/reject", a.handleRejectAction)
	mux.HandleFunc("GET /v1/actions/pending", a.handleListPending)
	mux.HandleFunc("GET /v1/actions/history", a.handleActionHistory)
	return a.loggingMiddleware(a.authMiddleware(mux))
}

func (a *App) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)

		statusCode := recorder.status()
		level := charmLog.DebugLevel
		switch {
		case statusCode >= http.StatusInternalServerError:
			level = charmLog.ErrorLevel
		case statusCode >= http.StatusBadRequest:
			level = charmLog.WarnLevel
		}

		keyvals := []interface{}{
			"method", r.Method,
			"path", r.URL.Path,
			"status", statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"response_bytes", recorder.bytesWritten,
		}
		if remoteAddr := clientIP(r.RemoteAddr); remoteAddr != "" {
			keyvals = append(keyvals, "remote_addr", remoteAddr)
		}
		a.logger.Log(level, "http request", keyvals...)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *statusRecorder) Write(data []byte) (int, error) {
	if r.statusCode == 0 {
		r.statusCode = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(data)
	r.bytesWritten += n
	return n, err
}

func (r *statusRecorder) status() int {
	if r.statusCode == 0 {
		return http.StatusOK
	}
	return r.statusCode
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacker not supported")
	}
	return hijacker.Hijack()
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func decodeJSON(body io.ReadCloser, out any) error {
	defer body.Close()
	if err := json.NewDecoder(body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
