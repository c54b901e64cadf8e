package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	errs "github.com/alexjbarnes/liftsync/internal/errors"
	"github.com/alexjbarnes/liftsync/internal/models"
)

// Store is what Handler serves. *Memory satisfies it, as does any other
// backend client, which makes Handler usable as a relay.
type Store interface {
	Create(ctx context.Context, kind models.EntityType, fields json.RawMessage) (string, error)
	CreateDirect(ctx context.Context, kind models.EntityType, fields json.RawMessage) (string, error)
	Update(ctx context.Context, kind models.EntityType, remoteID string, fields json.RawMessage) error
	Remove(ctx context.Context, kind models.EntityType, remoteID string) error
	List(ctx context.Context, kind models.EntityType, filter models.ListFilter) ([]models.RemoteEntity, error)
	Ping(ctx context.Context) error
}

// maxRequestBody caps request bodies accepted by Handler.
const maxRequestBody = 1 << 20

// NewHandler serves the JSON API HTTPClient speaks on top of store. When
// token is non-empty every request must carry it as a bearer token.
func NewHandler(store Store, token string, logger *slog.Logger) http.Handler {
	h := &handler{store: store, token: token, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/ping", h.ping)
	mux.HandleFunc("POST /api/{kind}/{action}", h.entity)

	return h.authenticate(mux)
}

type handler struct {
	store  Store
	token  string
	logger *slog.Logger
}

func (h *handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.token != "" && r.Header.Get("Authorization") != "Bearer "+h.token {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *handler) ping(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, struct{}{})
}

func (h *handler) entity(w http.ResponseWriter, r *http.Request) {
	kind, err := models.ParseEntityType(r.PathValue("kind"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(r.Body)
	ctx := r.Context()

	switch action := r.PathValue("action"); action {
	case "create", "createDirect":
		var req createRequest
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("decoding request: %v", err))
			return
		}

		create := h.store.Create
		if action == "createDirect" {
			create = h.store.CreateDirect
		}

		id, err := create(ctx, kind, req.Fields)
		if err != nil {
			h.fail(w, r, err)
			return
		}

		writeJSON(w, createResponse{ID: id})
	case "update":
		var req updateRequest
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("decoding request: %v", err))
			return
		}

		if err := h.store.Update(ctx, kind, req.ID, req.Fields); err != nil {
			h.fail(w, r, err)
			return
		}

		writeJSON(w, struct{}{})
	case "remove":
		var req removeRequest
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("decoding request: %v", err))
			return
		}

		if err := h.store.Remove(ctx, kind, req.ID); err != nil {
			h.fail(w, r, err)
			return
		}

		writeJSON(w, struct{}{})
	case "list":
		var req listRequest
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("decoding request: %v", err))
			return
		}

		var filter models.ListFilter
		if req.Filter != nil {
			filter = *req.Filter
		}

		items, err := h.store.List(ctx, kind, filter)
		if err != nil {
			h.fail(w, r, err)
			return
		}

		if items == nil {
			items = []models.RemoteEntity{}
		}

		writeJSON(w, listResponse{Items: items})
	default:
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown action %q", action))
	}
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, ""
	if errors.Is(err, errs.ErrRemoteNotFound) {
		status, code = http.StatusNotFound, codeNotFound
	}

	h.logger.Debug("backend request failed",
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.String("error", err.Error()),
	)

	writeAPIError(w, status, APIError{Error: err.Error(), Code: code})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeAPIError(w, status, APIError{Error: msg})
}

func writeAPIError(w http.ResponseWriter, status int, body APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
