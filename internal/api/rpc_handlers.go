// Package api provides HTTP API handlers for the repository's XRPC
// surface: com.atproto.repo.* for record writes/reads and
// com.atproto.sync.* for repository export and the firehose.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/subcults/pds/internal/cid"
	"github.com/subcults/pds/internal/firehose"
	"github.com/subcults/pds/internal/identity"
	"github.com/subcults/pds/internal/middleware"
	"github.com/subcults/pds/internal/relay"
	"github.com/subcults/pds/internal/repo"
	"github.com/subcults/pds/internal/session"
)

// RepoEngine is the subset of *repo.Engine the RPC handlers depend on.
type RepoEngine interface {
	CreateRecord(ctx context.Context, did, collection string, record map[string]interface{}, rkey string) (repo.WriteResult, error)
	PutRecord(ctx context.Context, did, collection, rkey string, record map[string]interface{}) (repo.WriteResult, error)
	DeleteRecord(ctx context.Context, did, collection, rkey string) (repo.CommitInfo, error)
	GetRecord(ctx context.Context, did, collection, rkey string) (uri string, recordCid cid.CID, value map[string]interface{}, err error)
	SyncGetRepo(ctx context.Context, did string) ([]byte, error)
	SyncGetBlocks(ctx context.Context, cids []cid.CID) ([]byte, error)
}

// RPCHandlers serves the com.atproto.repo.* and com.atproto.sync.*
// XRPC methods over the engine, session service, and firehose hub they
// wrap.
type RPCHandlers struct {
	engine   RepoEngine
	sessions *session.Service
	hub      *firehose.Hub
	cursors  relay.CursorTracker
	upgrader websocket.Upgrader
}

// NewRPCHandlers creates an RPCHandlers. cursors may be nil, in which
// case subscribeRepos does not record a client's cursor parameter.
// subscribeRepos never replays past events either way.
func NewRPCHandlers(engine RepoEngine, sessions *session.Service, hub *firehose.Hub, cursors relay.CursorTracker) *RPCHandlers {
	return &RPCHandlers{
		engine:   engine,
		sessions: sessions,
		hub:      hub,
		cursors:  cursors,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// authenticatedDID resolves the bearer token on r to the DID it
// authorizes writes for. Returns false, after writing an error response
// to w, if the caller should stop handling the request.
func (h *RPCHandlers) authenticatedDID(w http.ResponseWriter, r *http.Request) (string, bool) {
	ctx := r.Context()
	authz := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		ctx = middleware.SetErrorCode(ctx, ErrCodeAuthFailed)
		WriteError(w, ctx, http.StatusUnauthorized, ErrCodeAuthFailed, "missing bearer token")
		return "", false
	}
	claims, err := h.sessions.ValidateToken(strings.TrimPrefix(authz, prefix))
	if err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeAuthFailed)
		WriteError(w, ctx, http.StatusUnauthorized, ErrCodeAuthFailed, "invalid or expired token")
		return "", false
	}
	if claims.DID == "" {
		ctx = middleware.SetErrorCode(ctx, ErrCodeAuthFailed)
		WriteError(w, ctx, http.StatusUnauthorized, ErrCodeAuthFailed, "token does not authorize repository writes")
		return "", false
	}
	return claims.DID, true
}

type createRecordRequest struct {
	Collection string                 `json:"collection"`
	Rkey       string                 `json:"rkey,omitempty"`
	Record     map[string]interface{} `json:"record"`
}

type recordResponse struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// CreateRecord handles POST /xrpc/com.atproto.repo.createRecord.
func (h *RPCHandlers) CreateRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r)
		return
	}
	did, ok := h.authenticatedDID(w, r)
	if !ok {
		return
	}
	var req createRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, r, "malformed request body")
		return
	}

	result, err := h.engine.CreateRecord(r.Context(), did, req.Collection, req.Record, req.Rkey)
	if err != nil {
		h.writeRepoError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recordResponse{URI: result.URI, CID: result.CID.String()})
}

type putRecordRequest struct {
	Collection string                 `json:"collection"`
	Rkey       string                 `json:"rkey"`
	Record     map[string]interface{} `json:"record"`
}

// PutRecord handles POST /xrpc/com.atproto.repo.putRecord.
func (h *RPCHandlers) PutRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r)
		return
	}
	did, ok := h.authenticatedDID(w, r)
	if !ok {
		return
	}
	var req putRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, r, "malformed request body")
		return
	}

	result, err := h.engine.PutRecord(r.Context(), did, req.Collection, req.Rkey, req.Record)
	if err != nil {
		h.writeRepoError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recordResponse{URI: result.URI, CID: result.CID.String()})
}

type deleteRecordRequest struct {
	Collection string `json:"collection"`
	Rkey       string `json:"rkey"`
}

// DeleteRecord handles POST /xrpc/com.atproto.repo.deleteRecord.
func (h *RPCHandlers) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r)
		return
	}
	did, ok := h.authenticatedDID(w, r)
	if !ok {
		return
	}
	var req deleteRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, r, "malformed request body")
		return
	}

	commit, err := h.engine.DeleteRecord(r.Context(), did, req.Collection, req.Rkey)
	if err != nil {
		h.writeRepoError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"commit": commit.CID.String(), "rev": commit.Rev})
}

// GetRecord handles GET /xrpc/com.atproto.repo.getRecord?repo=<did>&collection=<nsid>&rkey=<rkey>.
// repo may also be a full at:// record URI, in which case collection and
// rkey are ignored.
func (h *RPCHandlers) GetRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r)
		return
	}
	q := r.URL.Query()
	did, collection, rkey := q.Get("repo"), q.Get("collection"), q.Get("rkey")
	if strings.HasPrefix(did, "at://") {
		parsedDID, parsedCollection, parsedRkey, err := identity.ParseURI(did)
		if err != nil {
			writeBadRequest(w, r, "malformed at:// uri")
			return
		}
		did, collection, rkey = parsedDID, parsedCollection, parsedRkey
	}

	uri, recordCid, value, err := h.engine.GetRecord(r.Context(), did, collection, rkey)
	if err != nil {
		h.writeRepoError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uri":   uri,
		"cid":   recordCid.String(),
		"value": value,
	})
}

// SyncGetRepo handles GET /xrpc/com.atproto.sync.getRepo?did=<did>. The
// response body is a CARv1 archive of every block reachable from the
// repository's current head.
func (h *RPCHandlers) SyncGetRepo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r)
		return
	}
	did := r.URL.Query().Get("did")
	carBytes, err := h.engine.SyncGetRepo(r.Context(), did)
	if err != nil {
		h.writeRepoError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.ipld.car")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(carBytes); err != nil {
		slog.ErrorContext(r.Context(), "failed to write car response", "error", err)
	}
}

// SyncGetBlocks handles GET /xrpc/com.atproto.sync.getBlocks?did=<did>&cids=<cid>,<cid>,...
// and returns a CARv1 archive of exactly the requested blocks.
func (h *RPCHandlers) SyncGetBlocks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r)
		return
	}
	raw := r.URL.Query().Get("cids")
	if raw == "" {
		writeBadRequest(w, r, "cids parameter is required")
		return
	}
	parts := strings.Split(raw, ",")
	cids := make([]cid.CID, 0, len(parts))
	for _, p := range parts {
		c, ok := cid.TryParse(strings.TrimSpace(p))
		if !ok {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeInvalidCID)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeInvalidCID, "invalid cid: "+p)
			return
		}
		cids = append(cids, c)
	}

	carBytes, err := h.engine.SyncGetBlocks(r.Context(), cids)
	if err != nil {
		h.writeRepoError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.ipld.car")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(carBytes); err != nil {
		slog.ErrorContext(r.Context(), "failed to write car response", "error", err)
	}
}

// SubscribeRepos handles GET /xrpc/com.atproto.sync.subscribeRepos, the
// WebSocket upgrade serving the sequenced firehose. An optional cursor
// query parameter is accepted but, absent any block-level replay log,
// only the live tail from this connection's Hub.Subscribe is delivered;
// the cursor is recorded for cooperating clients to learn as a floor.
func (h *RPCHandlers) SubscribeRepos(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.WarnContext(r.Context(), "subscribeRepos: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	subscriberID := r.RemoteAddr
	events, unsubscribe := h.hub.Subscribe(subscriberID, 256)
	defer unsubscribe()

	ctx := r.Context()
	if h.cursors != nil {
		if cursorStr := r.URL.Query().Get("cursor"); cursorStr != "" {
			if seq, err := strconv.ParseInt(cursorStr, 10, 64); err == nil {
				if err := h.cursors.UpdateCursor(ctx, subscriberID, seq); err != nil {
					slog.WarnContext(ctx, "subscribeRepos: failed to record resume cursor", "error", err)
				}
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-events:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "evicted"))
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				return
			}
		}
	}
}

func (h *RPCHandlers) writeRepoError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	switch {
	case errors.Is(err, repo.ErrRecordNotFound):
		ctx = middleware.SetErrorCode(ctx, ErrCodeRecordNotFound)
		WriteError(w, ctx, http.StatusNotFound, ErrCodeRecordNotFound, err.Error())
	case errors.Is(err, identity.ErrInvalidDID):
		ctx = middleware.SetErrorCode(ctx, ErrCodeInvalidDID)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeInvalidDID, err.Error())
	case errors.Is(err, identity.ErrInvalidCollection):
		ctx = middleware.SetErrorCode(ctx, ErrCodeInvalidCollection)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeInvalidCollection, err.Error())
	case errors.Is(err, identity.ErrInvalidRkey):
		ctx = middleware.SetErrorCode(ctx, ErrCodeInvalidRkey)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeInvalidRkey, err.Error())
	default:
		slog.ErrorContext(ctx, "repo operation failed", "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeBadRequest(w http.ResponseWriter, r *http.Request, message string) {
	ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
	WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func writeMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
	WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "method not allowed")
}
