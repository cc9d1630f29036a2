package rest

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/zlnvch/pixelround/models"
	"github.com/zlnvch/pixelround/round"
	"github.com/zlnvch/pixelround/service"
)

type Handler struct {
	Service    *service.Service
	AdminToken string
}

func NewHandler(svc *service.Service, adminToken string) *Handler {
	return &Handler{Service: svc, AdminToken: adminToken}
}

type sessionRequest struct {
	WalletAddress string `json:"walletAddress"`
}

type sessionResponse struct {
	Session models.Session `json:"session"`
	Ink     int            `json:"ink"`
	Eraser  int            `json:"eraser"`
	Token   string         `json:"token"`
}

func (h *Handler) HandleSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	state, token, err := h.Service.InitializeSession(r.Context(), clientAddress(r), req.WalletAddress)
	if err != nil {
		log.Error().Err(err).Msg("session init failed")
		http.Error(w, "session init failed", http.StatusInternalServerError)
		return
	}

	h.sendResponse(w, sessionResponse{
		Session: state.Session,
		Ink:     state.Ink,
		Eraser:  state.Eraser,
		Token:   token,
	})
}

func (h *Handler) HandleState(w http.ResponseWriter, r *http.Request) {
	session, err := h.Service.AuthenticateToken(r.Context(), h.getTokenFromAuthHeader(r))
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	state, err := h.Service.GetGameState(r.Context(), session)
	if err != nil {
		log.Error().Err(err).Msg("game state failed")
		http.Error(w, "failed to load state", http.StatusInternalServerError)
		return
	}

	h.sendResponse(w, state)
}

func (h *Handler) HandlePixels(w http.ResponseWriter, r *http.Request) {
	pixels, err := h.Service.GetPixels(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("canvas read failed")
		http.Error(w, "failed to load canvas", http.StatusInternalServerError)
		return
	}

	h.sendResponse(w, map[string]any{"pixels": pixels})
}

type placeRequest struct {
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Color string `json:"color"`
}

func (h *Handler) HandlePlacePixel(w http.ResponseWriter, r *http.Request) {
	session, err := h.Service.AuthenticateToken(r.Context(), h.getTokenFromAuthHeader(r))
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	var req placeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	pixel, err := h.Service.PlacePixel(r.Context(), service.PlaceParams{
		Session: session,
		X:       req.X,
		Y:       req.Y,
		Color:   req.Color,
	})
	if err != nil {
		h.sendServiceError(w, err)
		return
	}

	h.sendResponse(w, map[string]any{"pixel": pixel})
}

type eraseRequest struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (h *Handler) HandleErasePixel(w http.ResponseWriter, r *http.Request) {
	session, err := h.Service.AuthenticateToken(r.Context(), h.getTokenFromAuthHeader(r))
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	var req eraseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	removed, err := h.Service.ErasePixel(r.Context(), service.EraseParams{
		Session: session,
		X:       req.X,
		Y:       req.Y,
	})
	if err != nil {
		h.sendServiceError(w, err)
		return
	}

	h.sendResponse(w, map[string]any{"pixel": removed})
}

type chatRequest struct {
	Username string `json:"username"`
	Content  string `json:"content"`
}

func (h *Handler) HandleSendChat(w http.ResponseWriter, r *http.Request) {
	session, err := h.Service.AuthenticateToken(r.Context(), h.getTokenFromAuthHeader(r))
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	msg, err := h.Service.SendChatMessage(r.Context(), service.ChatParams{
		Session:  session,
		Username: req.Username,
		Content:  req.Content,
	})
	if err != nil {
		h.sendServiceError(w, err)
		return
	}

	h.sendResponse(w, map[string]any{"message": msg})
}

func (h *Handler) HandleRecentChat(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	messages, err := h.Service.GetRecentChat(r.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("chat read failed")
		http.Error(w, "failed to load chat", http.StatusInternalServerError)
		return
	}

	h.sendResponse(w, map[string]any{"messages": messages})
}

// HandleReset ends the current round immediately. Operator-only.
func (h *Handler) HandleReset(w http.ResponseWriter, r *http.Request) {
	if h.AdminToken == "" || r.Header.Get("X-Admin-Token") != h.AdminToken {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	next, err := h.Service.ManualReset(r.Context())
	if err != nil {
		if errors.Is(err, round.ErrManualResetUnsupported) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		log.Error().Err(err).Msg("manual reset failed")
		http.Error(w, "reset failed", http.StatusInternalServerError)
		return
	}

	h.sendResponse(w, map[string]any{"round": next})
}

// sendServiceError maps contract outcomes to client status codes;
// anything unrecognized is a server fault.
func (h *Handler) sendServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrOutOfBounds),
		errors.Is(err, service.ErrInvalidColor),
		errors.Is(err, service.ErrChatEmpty),
		errors.Is(err, service.ErrChatTooLong):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, service.ErrWalletRequired):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, service.ErrCellOccupied),
		errors.Is(err, service.ErrNoActiveRound):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, service.ErrCellVacant):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, service.ErrOutOfInk),
		errors.Is(err, service.ErrOutOfEraser),
		errors.Is(err, service.ErrChatRateLimited):
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	default:
		log.Error().Err(err).Msg("request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (h *Handler) sendResponse(w http.ResponseWriter, resp any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

func (h *Handler) getTokenFromAuthHeader(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return ""
	}
	return strings.TrimPrefix(authHeader, prefix)
}

// clientAddress is the session identity for anonymous participants.
// The first hop in X-Forwarded-For wins behind a proxy.
func clientAddress(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
