package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/posync/internal/bus"
	"github.com/matheus3301/posync/internal/errs"
	"github.com/matheus3301/posync/internal/ledger"
	"github.com/matheus3301/posync/internal/model"
	"github.com/matheus3301/posync/internal/status"
	"github.com/matheus3301/posync/internal/store"
	intsync "github.com/matheus3301/posync/internal/sync"
)

// errUnavailable is returned by messaging routes when no provider is configured.
var errUnavailable = errors.New("messaging is not configured for this session")

// Syncer runs the connection sequence on demand.
type Syncer interface {
	Run(ctx context.Context) (intsync.Result, error)
}

// MessageQueue accepts outgoing messages.
type MessageQueue interface {
	Queue(ctx context.Context, channel, content string) (*model.Message, error)
}

// ReadMarker sends read receipts.
type ReadMarker interface {
	MarkRead(ctx context.Context, channel string) (int, error)
}

// Handler holds the dependencies of the HTTP handlers. Syncer, Queue and
// Reader are nil when the session runs offline.
type Handler struct {
	Session string
	Self    string
	Machine *status.Machine
	Store   store.Store
	Bus     *bus.Bus
	Ledger  *ledger.Ledger
	Syncer  Syncer
	Queue   MessageQueue
	Reader  ReadMarker

	startedAt time.Time
	logger    *zap.Logger
}

// NewHandler creates a handler. Optional dependencies are set on the fields.
func NewHandler(session string, machine *status.Machine, s store.Store, b *bus.Bus, l *ledger.Ledger, logger *zap.Logger) *Handler {
	return &Handler{
		Session:   session,
		Machine:   machine,
		Store:     s,
		Bus:       b,
		Ledger:    l,
		startedAt: time.Now(),
		logger:    logger.Named("api"),
	}
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, errs.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, errs.ErrAlreadyExists), errors.Is(err, errs.ErrConflict):
		code = http.StatusConflict
	case errors.Is(err, errs.ErrInvalidAmount), errors.Is(err, errs.ErrInvalidInput), errors.Is(err, errBadRequest):
		code = http.StatusBadRequest
	case errors.Is(err, errs.ErrUnauthorized):
		code = http.StatusUnauthorized
	case errors.Is(err, errUnavailable), errors.Is(err, errs.ErrNoStore):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, code, ErrorResponse{Error: err.Error()})
}

var errBadRequest = errors.New("bad request")

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return errors.Join(errBadRequest, err)
	}
	return nil
}
