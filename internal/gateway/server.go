package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"gambit/internal/models"
	"gambit/internal/pkg/ton_utils"

	"go.uber.org/zap"
	"golang.org/x/net/websocket"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxDecodeErrorsPerConn = 3
)

type MintQueue interface {
	RequestMint(ctx context.Context, payload RequestMintPayload) error
	// Complete settles a task dispatched to playerAddress.
	Complete(ctx context.Context, playerAddress string, payload MintCompletedPayload) error
	Notify(playerAddress string)
	// Abandon releases anything waiting on a player that has no connection left.
	Abandon(playerAddress string)
}

type TransactionResultHandler interface {
	HandleTransactionResult(ctx context.Context, playerAddress string, payload TransactionResultPayload) error
}

type Authenticator interface {
	Validate(token string) (*models.PlayerFromAuth, error)
}

type Server struct {
	hub     *Hub
	queue   MintQueue
	results TransactionResultHandler
	auth    Authenticator
}

// NewServer serves the gateway protocol. A nil auth accepts anonymous connections.
func NewServer(hub *Hub, queue MintQueue, results TransactionResultHandler, auth Authenticator) *Server {
	return &Server{hub: hub, queue: queue, results: results, auth: auth}
}

type connSession struct {
	player *models.PlayerFromAuth
	peer   *Peer
	rooms  map[string]struct{}
}

func (sess *connSession) address() string {
	if sess.player != nil && sess.player.Address != "" {
		return sess.player.Address
	}
	for address := range sess.rooms {
		return address
	}
	return ""
}

func tokenFromRequest(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}

	parts := strings.Split(r.Header.Get("Authorization"), "Bearer")
	if len(parts) != 2 {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var player *models.PlayerFromAuth
	if s.auth != nil {
		token := tokenFromRequest(r)
		if token == "" {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}

		var err error
		player, err = s.auth.Validate(token)
		if err != nil {
			zap.L().Info("gateway unauthorized", zap.String("remote", r.RemoteAddr), zap.Error(err))
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
	}

	wsServer := websocket.Server{
		// access is decided by the token above, not by Origin
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler: func(conn *websocket.Conn) {
			s.serveConn(conn, player)
		},
	}
	wsServer.ServeHTTP(w, r)
}

func (s *Server) serveConn(conn *websocket.Conn, player *models.PlayerFromAuth) {
	defer func() {
		_ = conn.Close()
	}()

	ctx, cancel := context.WithCancel(conn.Request().Context())
	defer cancel()

	decoder := json.NewDecoder(conn)
	sess := &connSession{
		player: player,
		peer:   NewPeer(json.NewEncoder(conn)),
		rooms:  make(map[string]struct{}),
	}
	defer s.leaveAll(sess)

	decodeErrors := 0
	for {
		var frame Frame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = writeError(sess.peer, "", "INVALID_ARGUMENT", "invalid frame payload")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeError(sess.peer, frame.RequestID, "INVALID_ARGUMENT", "payload too large")
			continue
		}

		switch frame.Type {
		case EventJoinPlayerRoom:
			s.handleJoin(sess, frame)
		case EventLeavePlayerRoom:
			s.handleLeave(sess, frame)
		case EventRequestMint:
			s.handleRequestMint(ctx, sess, frame)
		case EventMintCompleted:
			s.handleMintCompleted(ctx, sess, frame)
		case EventTxResult:
			s.handleTransactionResult(ctx, sess, frame)
		default:
			_ = writeError(sess.peer, frame.RequestID, "INVALID_ARGUMENT", "unsupported frame type")
		}
	}
}

func (s *Server) roomAddress(sess *connSession, frame Frame) (string, bool) {
	var payload RoomPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeError(sess.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid room payload")
		return "", false
	}

	address, err := ton_utils.NormalizeAddress(payload.PlayerAddress)
	if err != nil {
		_ = writeError(sess.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid player address")
		return "", false
	}

	if sess.player != nil && sess.player.Address != address {
		_ = writeError(sess.peer, frame.RequestID, "PERMISSION_DENIED", "player address does not match session")
		return "", false
	}

	return address, true
}

func (s *Server) handleJoin(sess *connSession, frame Frame) {
	address, ok := s.roomAddress(sess, frame)
	if !ok {
		return
	}

	if _, joined := sess.rooms[address]; !joined {
		sess.rooms[address] = struct{}{}
		s.hub.Join(address, sess.peer)
	}

	_ = sess.peer.Write(EventJoined, frame.RequestID, RoomPayload{PlayerAddress: address})
	s.queue.Notify(address)
}

func (s *Server) handleLeave(sess *connSession, frame Frame) {
	address, ok := s.roomAddress(sess, frame)
	if !ok {
		return
	}

	s.leave(sess, address)
	_ = sess.peer.Write(EventLeft, frame.RequestID, RoomPayload{PlayerAddress: address})
}

func (s *Server) leave(sess *connSession, address string) {
	if _, joined := sess.rooms[address]; !joined {
		return
	}

	delete(sess.rooms, address)
	if s.hub.Leave(address, sess.peer) {
		s.queue.Abandon(address)
	}
}

func (s *Server) leaveAll(sess *connSession) {
	for address := range sess.rooms {
		s.leave(sess, address)
	}
}

func (s *Server) handleRequestMint(ctx context.Context, sess *connSession, frame Frame) {
	var payload RequestMintPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeError(sess.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid request-mint payload")
		return
	}

	if sess.player != nil {
		payload.PlayerID = sess.player.ID
		payload.PlayerAddress = sess.player.Address
	}

	if err := s.queue.RequestMint(ctx, payload); err != nil {
		_ = sess.peer.Write(EventMintError, frame.RequestID, MintErrorPayload{
			Error:      err.Error(),
			RewardType: payload.RewardType,
		})
	}
}

func (s *Server) handleMintCompleted(ctx context.Context, sess *connSession, frame Frame) {
	var payload MintCompletedPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil || payload.TaskID == "" {
		_ = writeError(sess.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid mint-completed payload")
		return
	}

	address := sess.address()
	if address == "" {
		_ = writeError(sess.peer, frame.RequestID, "FAILED_PRECONDITION", "join a player room first")
		return
	}

	if err := s.queue.Complete(ctx, address, payload); err != nil {
		zap.L().Warn("mint completion rejected", zap.String("task_id", payload.TaskID), zap.String("player_address", address), zap.Error(err))
		_ = writeError(sess.peer, frame.RequestID, "FAILED_PRECONDITION", err.Error())
	}
}

func (s *Server) handleTransactionResult(ctx context.Context, sess *connSession, frame Frame) {
	var payload TransactionResultPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil || payload.TransactionID == "" {
		_ = writeError(sess.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid transaction result payload")
		return
	}

	address := sess.address()
	if address == "" {
		_ = writeError(sess.peer, frame.RequestID, "FAILED_PRECONDITION", "join a player room first")
		return
	}

	if err := s.results.HandleTransactionResult(ctx, address, payload); err != nil {
		zap.L().Warn("transaction result rejected", zap.String("transaction_id", payload.TransactionID), zap.Error(err))
		_ = writeError(sess.peer, frame.RequestID, "FAILED_PRECONDITION", err.Error())
	}
}

func writeError(peer *Peer, requestID string, code string, message string) error {
	return peer.Write(EventError, requestID, ErrorPayload{Code: code, Message: message})
}
