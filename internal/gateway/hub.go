package gateway

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Peer is one websocket connection. Writes are serialized.
type Peer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func NewPeer(encoder *json.Encoder) *Peer {
	return &Peer{encoder: encoder}
}

func (p *Peer) WriteFrame(frame Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

func (p *Peer) Write(event string, requestID string, payload any) error {
	return p.WriteFrame(Frame{Type: event, RequestID: requestID, Payload: mustJSON(payload)})
}

type playerRoom struct {
	subscribers map[*Peer]struct{}
}

// Hub keeps player scoped rooms keyed by player address.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]*playerRoom
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]*playerRoom)}
}

// Join reports the number of peers in the room after joining.
func (h *Hub) Join(playerAddress string, peer *Peer) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[playerAddress]
	if !ok {
		room = &playerRoom{subscribers: make(map[*Peer]struct{})}
		h.rooms[playerAddress] = room
	}
	room.subscribers[peer] = struct{}{}
	return len(room.subscribers)
}

// Leave reports whether peer was the last one in the room.
func (h *Hub) Leave(playerAddress string, peer *Peer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[playerAddress]
	if !ok {
		return false
	}

	if _, ok := room.subscribers[peer]; !ok {
		return false
	}

	delete(room.subscribers, peer)
	if len(room.subscribers) > 0 {
		return false
	}

	delete(h.rooms, playerAddress)
	return true
}

func (h *Hub) HasPeers(playerAddress string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	room, ok := h.rooms[playerAddress]
	return ok && len(room.subscribers) > 0
}

func (h *Hub) peers(playerAddress string) []*Peer {
	h.mu.RLock()
	defer h.mu.RUnlock()

	room, ok := h.rooms[playerAddress]
	if !ok {
		return nil
	}

	peers := make([]*Peer, 0, len(room.subscribers))
	for peer := range room.subscribers {
		peers = append(peers, peer)
	}
	return peers
}

// Emit writes an event to every peer of the player and reports whether at least one got it.
func (h *Hub) Emit(playerAddress string, event string, payload any) bool {
	frame := Frame{Type: event, Payload: mustJSON(payload)}

	delivered := false
	for _, peer := range h.peers(playerAddress) {
		if err := peer.WriteFrame(frame); err != nil {
			zap.L().Warn("gateway emit failed", zap.String("event", event), zap.String("player_address", playerAddress), zap.Error(err))
			continue
		}
		delivered = true
	}

	return delivered
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		zap.L().Error("failed to marshal websocket frame payload", zap.Error(err))
		return nil
	}
	return b
}
