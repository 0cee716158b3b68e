// Package adminhttp is the operator-facing HTTP surface over a
// database.Database: flush, snapshot, clear_snapshot and truncate,
// plus health/metrics.
//
// A chi.Router is built in one place, a writeJSON helper returns a
// consistent Response envelope shape, ReadHeaderTimeout is set on the
// http.Server, and Start/Stop run the listener in its own goroutine with
// a bounded-timeout graceful shutdown. Leader-redirection and Raft wire
// endpoint concerns don't apply here since this engine's Non-goals
// exclude cross-shard coordination — there is no leader to redirect to.
package adminhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cassandane/colfam/pkg/database"
	"github.com/cassandane/colfam/pkg/dberrors"
	"github.com/cassandane/colfam/pkg/messaging"
	"github.com/cassandane/colfam/pkg/types"
)

const (
	contentTypeJSON        = "application/json"
	defaultShutdownTimeout = 5 * time.Second
)

// Server is the operator HTTP API in front of one shard's Database.
type Server struct {
	db         *database.Database
	httpServer *http.Server
	addr       string
}

// New builds a Server bound to addr (e.g. ":8090"), serving db's operator
// surface.
func New(db *database.Database, addr string) *Server {
	return &Server{db: db, addr: addr}
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Post("/keyspaces/{keyspace}/cf/{name}/flush", s.handleFlush)
	r.Post("/keyspaces/{keyspace}/cf/{name}/truncate", s.handleTruncate)
	r.Post("/snapshots/{tag}", s.handleSnapshot)
	r.Delete("/snapshots/{tag}", s.handleClearSnapshot)

	r.Post("/stream/mutation", s.handleStreamMutation)
	r.Post("/stream/done", s.handleStreamDone)

	return r
}

// Start runs the HTTP listener in its own goroutine: a fire-and-forget
// ListenAndServe plus an error log on anything but a clean shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.router(),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("admin HTTP server error", "error", err)
		}
	}()

	slog.Info("admin HTTP server started", "addr", s.addr)
	return nil
}

// Stop gracefully shuts the listener down within defaultShutdownTimeout.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown admin HTTP server: %w", err)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("admin HTTP: error encoding response", "error", err)
	}
}

// statusFor maps an engine error to the HTTP status an operator caller
// should see it as.
func statusFor(err error) int {
	switch {
	case errors.Is(err, dberrors.ErrNoSuchKeyspace), errors.Is(err, dberrors.ErrNoSuchColumnFamily):
		return http.StatusNotFound
	case errors.Is(err, dberrors.ErrConfigurationInvalid):
		return http.StatusBadRequest
	case errors.Is(err, dberrors.ErrOverloaded):
		return http.StatusServiceUnavailable
	case errors.Is(err, dberrors.ErrRangeNotOwned):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if _, err := w.Write([]byte("# colfam metrics\n")); err != nil {
		slog.Warn("admin HTTP: failed to write metrics response", "error", err)
	}
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	keyspace := chi.URLParam(r, "keyspace")
	name := chi.URLParam(r, "name")

	cf, err := s.db.ColumnFamily(keyspace, name)
	if err != nil {
		s.writeJSON(w, statusFor(err), NewErrorResponse(err.Error()))
		return
	}
	if err := s.db.Flush(r.Context(), cf.ID); err != nil {
		s.writeJSON(w, statusFor(err), NewErrorResponse(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleTruncate(w http.ResponseWriter, r *http.Request) {
	keyspace := chi.URLParam(r, "keyspace")
	name := chi.URLParam(r, "name")

	q := r.URL.Query()
	durable := q.Get("durable") != "false"

	truncatedAt := time.Now().UnixMicro()
	if v := q.Get("truncated_at"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("malformed truncated_at"))
			return
		}
		truncatedAt = parsed
	}

	if err := s.db.Truncate(r.Context(), keyspace, name, truncatedAt, durable); err != nil {
		s.writeJSON(w, statusFor(err), NewErrorResponse(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	tag := chi.URLParam(r, "tag")
	if err := s.db.Snapshot(tag); err != nil {
		s.writeJSON(w, statusFor(err), NewErrorResponse(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleClearSnapshot(w http.ResponseWriter, r *http.Request) {
	tag := chi.URLParam(r, "tag")
	var ksNames []string
	if v := r.URL.Query().Get("keyspace"); v != "" {
		ksNames = []string{v}
	}
	if err := s.db.ClearSnapshot(tag, ksNames); err != nil {
		s.writeJSON(w, statusFor(err), NewErrorResponse(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

// handleStreamMutation is the receiving side of messaging.Sender's
// send_stream_mutation: a peer pushing one bulk mutation during a topology
// change or repair.
func (s *Server) handleStreamMutation(w http.ResponseWriter, r *http.Request) {
	var req messaging.StreamMutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}

	cfID, err := types.ParseColumnFamilyID(req.ColumnFam)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("malformed column_family"))
		return
	}

	fm := types.FrozenMutation{ColumnFamily: cfID, Payload: req.Payload}
	if err := s.db.ApplyStreaming(r.Context(), fm, req.PlanID, req.Fragmented); err != nil {
		s.writeJSON(w, statusFor(err), NewErrorResponse(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

// handleStreamDone is the receiving side of send_stream_mutation_done: the
// sender has finished one plan_id, so every fragment accumulated for it
// commits atomically to the live SSTable set.
func (s *Server) handleStreamDone(w http.ResponseWriter, r *http.Request) {
	var req messaging.StreamDoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}

	cfID, err := types.ParseColumnFamilyID(req.ColumnFamily)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("malformed column_family"))
		return
	}

	if err := s.db.CommitStreamingPlan(r.Context(), cfID, req.PlanID); err != nil {
		s.writeJSON(w, statusFor(err), NewErrorResponse(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}
