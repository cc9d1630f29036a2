package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/zlnvch/pixelround/service"
)

type Handler struct {
	Service *service.Service
	Hub     *Hub
}

func NewHandler(svc *service.Service, hub *Hub) *Handler {
	return &Handler{
		Service: svc,
		Hub:     hub,
	}
}

func (h *Handler) NewWsUpgrader(requiredOrigin string) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == requiredOrigin
		},
		Subprotocols: []string{"pixelround-v1"},
	}
}

// ServeWS handles websocket requests from the peer. The bearer token
// rides in the second subprotocol slot because browsers cannot set
// headers on websocket upgrades.
func (h *Handler) ServeWS(wsUpgrader websocket.Upgrader, w http.ResponseWriter, r *http.Request, shutdownCtx context.Context) {
	protocols := r.Header.Get("Sec-WebSocket-Protocol")
	protocolsSplit := strings.Split(protocols, ",")

	if len(protocolsSplit) != 2 {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	token := strings.TrimSpace(protocolsSplit[1])

	session, authErr := h.Service.AuthenticateToken(r.Context(), token)

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}

	// Must upgrade the connection in order to be able to send custom close message
	if authErr != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Unauthenticated"),
		)
		conn.Close()
		return
	}

	client := NewClient(h.Hub, conn, session, h.HandleWsMessage)

	h.Hub.OpenCh <- client

	// Start pumps
	go client.ReadPump()
	go client.WritePump(shutdownCtx)
}

// Websocket message structs
type message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type streamMessage struct {
	Stream string `json:"stream"`
}

type drawMessage struct {
	X       int    `json:"x"`
	Y       int    `json:"y"`
	Color   string `json:"color"`
	LocalId string `json:"localId"`
}

type eraseMessage struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type chatMessage struct {
	Username string `json:"username"`
	Content  string `json:"content"`
}

type responseMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

func (h *Handler) HandleWsMessage(client *Client, messageType int, messageBytes []byte) {
	var msg message
	if err := json.Unmarshal(messageBytes, &msg); err != nil {
		log.Debug().Err(err).Msg("invalid ws json")
		return
	}

	var resp responseMessage

	switch msg.Type {
	case "load":
		resp = h.handleLoad(client)

	case "subscribe":
		var streamMsg streamMessage
		if err := json.Unmarshal(msg.Data, &streamMsg); err != nil {
			log.Debug().Err(err).Msg("invalid subscribe data")
			return
		}
		resp = h.handleSubscribe(client, streamMsg)

	case "unsubscribe":
		var streamMsg streamMessage
		if err := json.Unmarshal(msg.Data, &streamMsg); err != nil {
			log.Debug().Err(err).Msg("invalid unsubscribe data")
			return
		}
		resp = h.handleUnsubscribe(client, streamMsg)

	case "draw":
		var drawMsg drawMessage
		if err := json.Unmarshal(msg.Data, &drawMsg); err != nil {
			log.Debug().Err(err).Msg("invalid draw data")
			return
		}
		resp = h.handleDraw(client, drawMsg)

	case "erase":
		var eraseMsg eraseMessage
		if err := json.Unmarshal(msg.Data, &eraseMsg); err != nil {
			log.Debug().Err(err).Msg("invalid erase data")
			return
		}
		resp = h.handleErase(client, eraseMsg)

	case "chat":
		var chatMsg chatMessage
		if err := json.Unmarshal(msg.Data, &chatMsg); err != nil {
			log.Debug().Err(err).Msg("invalid chat data")
			return
		}
		resp = h.handleChat(client, chatMsg)

	default:
		log.Debug().Str("type", msg.Type).Msg("unknown ws message type")
	}

	if resp.Type != "" {
		respBytes, err := json.Marshal(resp)
		if err != nil {
			log.Error().Err(err).Msg("ws response marshal failed")
			return
		}
		client.Send <- respBytes
	}
}

// handleLoad returns everything a freshly connected client needs to
// render: game state, the canvas and recent chat.
func (h *Handler) handleLoad(client *Client) responseMessage {
	resp := responseMessage{
		Type: "load_response",
	}
	ctx := context.Background()

	state, err := h.Service.GetGameState(ctx, client.session)
	if err != nil {
		log.Warn().Err(err).Msg("game state load failed")
		resp.Data = map[string]any{"success": false}
		return resp
	}

	pixels, err := h.Service.GetPixels(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("canvas load failed")
		resp.Data = map[string]any{"success": false}
		return resp
	}

	chat, err := h.Service.GetRecentChat(ctx, 50)
	if err != nil {
		log.Warn().Err(err).Msg("chat load failed")
		resp.Data = map[string]any{"success": false}
		return resp
	}

	resp.Data = map[string]any{
		"success": true,
		"state":   state,
		"pixels":  pixels,
		"chat":    chat,
	}
	return resp
}

func (h *Handler) handleSubscribe(client *Client, streamMsg streamMessage) responseMessage {
	resp := responseMessage{
		Type: "subscribe_response",
	}

	if !validStream(streamMsg.Stream) {
		resp.Data = map[string]any{"success": false, "stream": streamMsg.Stream}
		return resp
	}

	h.Hub.SubscribeCh <- subscription{client: client, stream: streamMsg.Stream}
	resp.Data = map[string]any{"success": true, "stream": streamMsg.Stream}
	return resp
}

func (h *Handler) handleUnsubscribe(client *Client, streamMsg streamMessage) responseMessage {
	resp := responseMessage{
		Type: "unsubscribe_response",
	}

	if !validStream(streamMsg.Stream) {
		resp.Data = map[string]any{"success": false, "stream": streamMsg.Stream}
		return resp
	}

	h.Hub.UnsubscribeCh <- subscription{client: client, stream: streamMsg.Stream}
	resp.Data = map[string]any{"success": true, "stream": streamMsg.Stream}
	return resp
}

// handleDraw places a pixel through the deferred path: the ack carries
// the generated pixel before the occupancy insert flushes. A lost cell
// shows up later as an erase event for this pixel.
func (h *Handler) handleDraw(client *Client, drawMsg drawMessage) responseMessage {
	resp := responseMessage{
		Type: "draw_response",
	}

	pixel, err := h.Service.PlacePixelDeferred(context.Background(), service.PlaceParams{
		Session: client.session,
		X:       drawMsg.X,
		Y:       drawMsg.Y,
		Color:   drawMsg.Color,
	})

	if err != nil {
		resp.Data = map[string]any{
			"success": false,
			"error":   err.Error(),
			"localId": drawMsg.LocalId,
		}
		return resp
	}

	resp.Data = map[string]any{
		"success": true,
		"localId": drawMsg.LocalId,
		"pixel":   pixel,
	}
	return resp
}

func (h *Handler) handleErase(client *Client, eraseMsg eraseMessage) responseMessage {
	resp := responseMessage{
		Type: "erase_response",
	}

	removed, err := h.Service.ErasePixel(context.Background(), service.EraseParams{
		Session: client.session,
		X:       eraseMsg.X,
		Y:       eraseMsg.Y,
	})

	if err != nil {
		resp.Data = map[string]any{
			"success": false,
			"error":   err.Error(),
			"x":       eraseMsg.X,
			"y":       eraseMsg.Y,
		}
		return resp
	}

	resp.Data = map[string]any{
		"success": true,
		"pixel":   removed,
	}
	return resp
}

func (h *Handler) handleChat(client *Client, chatMsg chatMessage) responseMessage {
	resp := responseMessage{
		Type: "chat_response",
	}

	sent, err := h.Service.SendChatMessage(context.Background(), service.ChatParams{
		Session:  client.session,
		Username: chatMsg.Username,
		Content:  chatMsg.Content,
	})

	if err != nil {
		resp.Data = map[string]any{
			"success": false,
			"error":   err.Error(),
		}
		return resp
	}

	resp.Data = map[string]any{
		"success": true,
		"message": sent,
	}
	return resp
}

func validStream(stream string) bool {
	switch stream {
	case StreamPixels, StreamChat, StreamRound:
		return true
	}
	return false
}
