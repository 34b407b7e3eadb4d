// Package httpapi exposes the Roomies REST API, the realtime endpoint and
// the operational endpoints over HTTP.
package httpapi

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/dmitrijs2005/roomies/internal/domain"
	"github.com/dmitrijs2005/roomies/internal/logging"
	"github.com/dmitrijs2005/roomies/internal/server/models"
	"github.com/dmitrijs2005/roomies/internal/server/services"
	"github.com/dmitrijs2005/roomies/internal/wire"
	"github.com/gorilla/mux"
)

const maxBodyBytes = 1 << 20

type UserService interface {
	TokenVerifier
	SignUp(ctx context.Context, req wire.SignUpRequest) (*services.TokenPair, error)
	SignIn(ctx context.Context, email, password string) (*services.TokenPair, error)
	RefreshToken(ctx context.Context, refreshToken string) (*services.TokenPair, error)
	SignOut(ctx context.Context, refreshToken string) error
}

type EntityService interface {
	Create(ctx context.Context, req services.WriteRequest) (*models.Entity, error)
	Update(ctx context.Context, req services.WriteRequest) (*models.Entity, error)
	Delete(ctx context.Context, req services.WriteRequest) (*models.Entity, error)
	Get(ctx context.Context, userID string, kind domain.Kind, id string) (*models.Entity, error)
	Changes(ctx context.Context, userID string, since int64, limit int) (*services.ChangesPage, error)
	RoomChanges(ctx context.Context, userID, roomID string, since int64, limit int) (*services.ChangesPage, error)
	JoinHousehold(ctx context.Context, userID, code string) (*models.Entity, error)
}

type AttachmentService interface {
	Upload(ctx context.Context, userID, taskID string, req wire.AttachmentRequest) (*wire.AttachmentResponse, error)
}

// RealtimeHub serves an authenticated websocket connection.
type RealtimeHub interface {
	Serve(w http.ResponseWriter, r *http.Request, userID string)
}

// Handlers holds the endpoint implementations and their dependencies.
type Handlers struct {
	users       UserService
	entities    EntityService
	attachments AttachmentService
	hub         RealtimeHub
	log         logging.Logger
	now         func() time.Time
}

func NewHandlers(users UserService, entities EntityService, attachments AttachmentService, hub RealtimeHub, log logging.Logger) *Handlers {
	return &Handlers{
		users:       users,
		entities:    entities,
		attachments: attachments,
		hub:         hub,
		log:         log,
		now:         time.Now,
	}
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	writeError(h.log, w, r, err)
}

// decode reads a snake_case JSON body into v.
func decode(r *http.Request, v any) error {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	return wire.Unmarshal(b, v)
}

func (h *Handlers) tokenResponse(w http.ResponseWriter, status int, p *services.TokenPair) {
	resp := wire.TokenResponse{
		UserID:       p.UserID,
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		TokenType:    "Bearer",
	}
	if d := p.ExpiresAt.Sub(h.now()); d > 0 {
		resp.ExpiresIn = int64(d / time.Second)
	}
	writeJSON(w, status, resp)
}

func (h *Handlers) SignUp(w http.ResponseWriter, r *http.Request) {
	var req wire.SignUpRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "malformed body")
		return
	}
	pair, err := h.users.SignUp(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.tokenResponse(w, http.StatusCreated, pair)
}

func (h *Handlers) SignIn(w http.ResponseWriter, r *http.Request) {
	var req wire.SignInRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "malformed body")
		return
	}
	pair, err := h.users.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.tokenResponse(w, http.StatusOK, pair)
}

func (h *Handlers) Refresh(w http.ResponseWriter, r *http.Request) {
	var req wire.RefreshRequest
	if err := decode(r, &req); err != nil || req.RefreshToken == "" {
		badRequest(w, "refresh_token is required")
		return
	}
	pair, err := h.users.RefreshToken(r.Context(), req.RefreshToken)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.tokenResponse(w, http.StatusOK, pair)
}

func (h *Handlers) SignOut(w http.ResponseWriter, r *http.Request) {
	var req wire.RefreshRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "malformed body")
		return
	}
	if err := h.users.SignOut(r.Context(), req.RefreshToken); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeRequest collects the common parts of a mutation call.
func (h *Handlers) writeRequest(w http.ResponseWriter, r *http.Request) (services.WriteRequest, bool) {
	vars := mux.Vars(r)
	kind, err := domain.ParseKind(vars["collection"])
	if err != nil {
		writeErrorBody(w, http.StatusNotFound, wire.ErrorBody{Error: wire.CodeNotFound, Message: err.Error()})
		return services.WriteRequest{}, false
	}
	req := services.WriteRequest{
		UserID:         UserIDFrom(r.Context()),
		Kind:           kind,
		ID:             vars["id"],
		IdempotencyKey: r.Header.Get(wire.HeaderIdempotencyKey),
	}
	if req.IdempotencyKey == "" {
		badRequest(w, wire.HeaderIdempotencyKey+" header is required")
		return req, false
	}
	if v := r.Header.Get(wire.HeaderIfMatch); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			badRequest(w, wire.HeaderIfMatch+" must be a version number")
			return req, false
		}
		req.IfMatch = &n
	}
	return req, true
}

func (h *Handlers) CreateEntity(w http.ResponseWriter, r *http.Request) {
	req, ok := h.writeRequest(w, r)
	if !ok {
		return
	}
	var body wire.MutationRequest
	if err := decode(r, &body); err != nil {
		badRequest(w, "malformed body")
		return
	}
	req.ID, req.Payload = body.ID, body.Payload
	e, err := h.entities.Create(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (h *Handlers) UpdateEntity(w http.ResponseWriter, r *http.Request) {
	req, ok := h.writeRequest(w, r)
	if !ok {
		return
	}
	var body wire.MutationRequest
	if err := decode(r, &body); err != nil {
		badRequest(w, "malformed body")
		return
	}
	req.Payload = body.Payload
	e, err := h.entities.Update(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *Handlers) DeleteEntity(w http.ResponseWriter, r *http.Request) {
	req, ok := h.writeRequest(w, r)
	if !ok {
		return
	}
	e, err := h.entities.Delete(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *Handlers) GetEntity(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	kind, err := domain.ParseKind(vars["collection"])
	if err != nil {
		writeErrorBody(w, http.StatusNotFound, wire.ErrorBody{Error: wire.CodeNotFound, Message: err.Error()})
		return
	}
	e, err := h.entities.Get(r.Context(), UserIDFrom(r.Context()), kind, vars["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// Changes serves GET /v1/changes?since=&limit=[&room=].
func (h *Handlers) Changes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		since int64
		limit int
		err   error
	)
	if v := q.Get("since"); v != "" {
		if since, err = strconv.ParseInt(v, 10, 64); err != nil || since < 0 {
			badRequest(w, "since must be a non-negative integer")
			return
		}
	}
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			badRequest(w, "limit must be a non-negative integer")
			return
		}
	}

	userID := UserIDFrom(r.Context())
	var page *services.ChangesPage
	if room := q.Get("room"); room != "" {
		page, err = h.entities.RoomChanges(r.Context(), userID, room, since, limit)
	} else {
		page, err = h.entities.Changes(r.Context(), userID, since, limit)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handlers) JoinHousehold(w http.ResponseWriter, r *http.Request) {
	var req wire.JoinRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "malformed body")
		return
	}
	e, err := h.entities.JoinHousehold(r.Context(), UserIDFrom(r.Context()), req.InviteCode)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *Handlers) CreateAttachment(w http.ResponseWriter, r *http.Request) {
	var req wire.AttachmentRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "malformed body")
		return
	}
	resp, err := h.attachments.Upload(r.Context(), UserIDFrom(r.Context()), mux.Vars(r)["id"], req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handlers) Realtime(w http.ResponseWriter, r *http.Request) {
	h.hub.Serve(w, r, UserIDFrom(r.Context()))
}

func Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
