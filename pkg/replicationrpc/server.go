package replicationrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"corekv/pkg/dberrors"
)

const defaultShutdownTimeout = 5 * time.Second

// Server exposes one core's Backend over HTTP so a primary can drive
// receive_backup, file_transfer, and apply_backup against it.
type Server struct {
	backend    Backend
	addr       string
	httpServer *http.Server
	log        *slog.Logger
}

// NewServer builds a Server bound to addr (e.g. ":7070") that dispatches
// RPCs to backend.
func NewServer(backend Backend, addr string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{backend: backend, addr: addr, log: log}
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Post(PathReceiveBackup, s.handleReceiveBackup)
	r.Post(PathTransferBackup, s.handleReceiveBackup)
	r.Post(PathApplyBackup, s.handleApplyBackup)
	r.Put(PathFileTransfer, s.handleFileTransfer)
	return r
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.router(),
		ReadHeaderTimeout: time.Second,
	}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("replication rpc server error", "error", err)
		}
	}()
	s.log.Info("replication rpc server started", "addr", s.addr)
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := newShutdownContext()
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown replication rpc server: %w", err)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) handleReceiveBackup(w http.ResponseWriter, r *http.Request) {
	mpu := r.URL.Query().Get(queryMPU)
	core := r.URL.Query().Get(queryCore)

	path, err := s.backend.ReceiveBackup(mpu, core)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, receiveBackupResponse{Path: path})
}

func (s *Server) handleApplyBackup(w http.ResponseWriter, r *http.Request) {
	mpu := r.URL.Query().Get(queryMPU)
	core := r.URL.Query().Get(queryCore)

	if err := s.backend.ApplyBackup(mpu, core); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct{}{})
}

// handleFileTransfer implements the receiver side of the FILE_TRANSFER
// tagged channel: it opens a write-only handle at dest (creating parent
// directories, deleting any pre-existing file) and copies the request
// body verbatim; the body's own EOF is the end-of-stream signal.
func (s *Server) handleFileTransfer(w http.ResponseWriter, r *http.Request) {
	dest := r.URL.Query().Get(queryDest)
	if dest == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("%w: missing dest", dberrors.ErrInvalidArgument))
		return
	}
	session := r.Header.Get(headerSessionID)
	if _, err := uuid.Parse(session); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("%w: missing or malformed session id", dberrors.ErrInvalidArgument))
		return
	}

	if err := receiveFile(dest, r.Body); err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("%w: %v", dberrors.ErrTransferTransient, err))
		return
	}
	s.writeJSON(w, http.StatusOK, struct{}{})
}

func receiveFile(dest string, body io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return fmt.Errorf("create parent dirs: %w", err)
	}
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove pre-existing file: %w", err)
	}
	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("open destination: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, body); err != nil {
		return fmt.Errorf("write destination: %w", err)
	}
	return nil
}

func newShutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), defaultShutdownTimeout)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, dberrors.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, dberrors.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
