// Package httptransport serves the record mutation endpoints and provides
// the matching API client.
package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	syncErrors "github.com/c0deZ3R0/recordsync/errors"
	"github.com/c0deZ3R0/recordsync/logging"
	"github.com/c0deZ3R0/recordsync/records"
)

const component = "transport/http"

// Publisher receives one ChangeEvent per successful mutation.
type Publisher interface {
	Publish(ctx context.Context, ev records.ChangeEvent) error
}

// Handler serves the REST endpoints of every resource type over a
// records.Repository and publishes each successful mutation.
type Handler struct {
	repo      records.Repository
	publisher Publisher
	logger    *logging.Logger
	options   *ServerOptions
}

// NewHandler creates a handler. publisher may be nil, in which case
// mutations are not propagated.
func NewHandler(repo records.Repository, publisher Publisher, opts ...ServerOption) *Handler {
	options := applyServerOptions(opts...)
	return &Handler{
		repo:      repo,
		publisher: publisher,
		logger:    options.Logger,
		options:   options,
	}
}

// Register adds the record routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{resource}", h.handleList)
	mux.HandleFunc("POST /{resource}", h.handleCreate)
	mux.HandleFunc("GET /{resource}/{id}", h.handleGet)
	mux.HandleFunc("PUT /{resource}/{id}", h.handleUpdate)
	mux.HandleFunc("PATCH /{resource}/{id}", h.handlePatch)
	mux.HandleFunc("DELETE /{resource}/{id}", h.handleDelete)
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, code int, payload interface{}) {
	if err := writeJSON(w, r, code, payload, h.options); err != nil {
		h.logger.Debug("Failed to write response",
			"method", r.Method, "path", r.URL.Path, "error", err)
	}
}

func (h *Handler) respondErr(w http.ResponseWriter, r *http.Request, code int, message string) {
	h.respond(w, r, code, errorBody{Error: message})
}

// respondRepoErr maps repository errors to status codes.
func (h *Handler) respondRepoErr(w http.ResponseWriter, r *http.Request, op syncErrors.Operation, err error) {
	switch {
	case errors.Is(err, records.ErrNotFound):
		h.respondErr(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, records.ErrConflict):
		h.respondErr(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		h.respondErr(w, r, http.StatusGatewayTimeout, "repository timeout")
	default:
		h.logger.LogError(r.Context(), syncErrors.WrapOpComponent(err, op, component), "repository call failed",
			slog.String("path", r.URL.Path))
		h.respondErr(w, r, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) resource(w http.ResponseWriter, r *http.Request) (records.ResourceType, bool) {
	rt, err := records.ParseResourceType(r.PathValue("resource"))
	if err != nil {
		h.respondErr(w, r, http.StatusNotFound, err.Error())
		return "", false
	}
	return rt, true
}

func (h *Handler) context(r *http.Request) (context.Context, context.CancelFunc) {
	if h.options.RequestTimeout > 0 {
		return context.WithTimeout(r.Context(), h.options.RequestTimeout)
	}
	return context.WithCancel(r.Context())
}

// decodeEntity reads a JSON object body. Provisional ids are never persisted.
func (h *Handler) decodeEntity(w http.ResponseWriter, r *http.Request) (records.Entity, bool) {
	reader, cleanup, err := createSafeRequestReader(w, r, h.options)
	if err != nil {
		h.respondErr(w, r, mapErrorToHTTPStatus(err), err.Error())
		return nil, false
	}
	defer cleanup()

	var e records.Entity
	if err := json.NewDecoder(reader).Decode(&e); err != nil {
		if err == io.EOF {
			h.respondErr(w, r, http.StatusBadRequest, "empty request body")
			return nil, false
		}
		status := mapErrorToHTTPStatus(err)
		if status == http.StatusRequestEntityTooLarge {
			h.respondErr(w, r, status, "request entity too large")
		} else {
			h.respondErr(w, r, status, "request body must be a JSON object")
		}
		return nil, false
	}
	if e == nil {
		h.respondErr(w, r, http.StatusBadRequest, "request body must be a JSON object")
		return nil, false
	}
	if records.IsProvisional(e.ID()) {
		e = e.WithoutID()
	}
	return e, true
}

// publish propagates ev. The mutation already succeeded, so failures are
// logged rather than returned to the caller.
func (h *Handler) publish(ctx context.Context, ev records.ChangeEvent) {
	if h.publisher == nil {
		return
	}
	if err := h.publisher.Publish(ctx, ev); err != nil {
		h.logger.LogError(ctx, syncErrors.WrapOpComponent(err, syncErrors.OpPublish, component), "change event not published",
			slog.String("type", ev.BroadcastType()),
			slog.String("id", ev.ID()),
		)
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	rt, ok := h.resource(w, r)
	if !ok {
		return
	}
	ctx, cancel := h.context(r)
	defer cancel()

	list, err := h.repo.List(ctx, rt, records.ListOptions{Sort: r.URL.Query().Get("_sort")})
	if err != nil {
		h.respondRepoErr(w, r, syncErrors.OpFetch, err)
		return
	}
	h.respond(w, r, http.StatusOK, list)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	rt, ok := h.resource(w, r)
	if !ok {
		return
	}
	ctx, cancel := h.context(r)
	defer cancel()

	e, err := h.repo.Get(ctx, rt, r.PathValue("id"))
	if err != nil {
		h.respondRepoErr(w, r, syncErrors.OpFetch, err)
		return
	}
	h.respond(w, r, http.StatusOK, e)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	rt, ok := h.resource(w, r)
	if !ok {
		return
	}
	fields, ok := h.decodeEntity(w, r)
	if !ok {
		return
	}
	ctx, cancel := h.context(r)
	defer cancel()

	created, err := h.repo.Create(ctx, rt, fields)
	if err != nil {
		h.respondRepoErr(w, r, syncErrors.OpCreate, err)
		return
	}

	correlationID := r.Header.Get(CorrelationHeader)
	h.publish(ctx, records.ChangeEvent{
		Kind:          records.Added,
		Resource:      rt,
		Entity:        created,
		CorrelationID: correlationID,
	})
	if correlationID != "" {
		w.Header().Set(CorrelationHeader, correlationID)
	}
	h.respond(w, r, http.StatusCreated, created)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	h.handleWrite(w, r, syncErrors.OpUpdate, h.repo.Update)
}

func (h *Handler) handlePatch(w http.ResponseWriter, r *http.Request) {
	h.handleWrite(w, r, syncErrors.OpPatch, h.repo.Patch)
}

type writeFunc func(ctx context.Context, rt records.ResourceType, id string, e records.Entity) (records.Entity, error)

func (h *Handler) handleWrite(w http.ResponseWriter, r *http.Request, op syncErrors.Operation, write writeFunc) {
	rt, ok := h.resource(w, r)
	if !ok {
		return
	}
	fields, ok := h.decodeEntity(w, r)
	if !ok {
		return
	}
	ctx, cancel := h.context(r)
	defer cancel()

	id := r.PathValue("id")
	updated, err := write(ctx, rt, id, fields.WithoutID())
	if err != nil {
		h.respondRepoErr(w, r, op, err)
		return
	}
	h.publish(ctx, records.ChangeEvent{
		Kind:          records.Updated,
		Resource:      rt,
		Entity:        updated,
		CorrelationID: r.Header.Get(CorrelationHeader),
	})
	h.respond(w, r, http.StatusOK, updated)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	rt, ok := h.resource(w, r)
	if !ok {
		return
	}
	ctx, cancel := h.context(r)
	defer cancel()

	id := r.PathValue("id")
	deleted, err := h.repo.Delete(ctx, rt, id)
	if err != nil {
		h.respondRepoErr(w, r, syncErrors.OpDelete, err)
		return
	}
	h.publish(ctx, records.ChangeEvent{
		Kind:          records.Deleted,
		Resource:      rt,
		EntityID:      id,
		CorrelationID: r.Header.Get(CorrelationHeader),
	})
	h.respond(w, r, http.StatusOK, deleted)
}
