package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"gambit/internal/gateway"

	"go.uber.org/zap"
	"golang.org/x/net/websocket"
)

type Handler func(ctx context.Context, frame gateway.Frame)

// Conn is the client end of the gateway websocket.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
	encoder *json.Encoder

	mu       sync.RWMutex
	handlers map[string]Handler
}

// Dial connects to the gateway under serverURL (http or https base of the API).
func Dial(ctx context.Context, serverURL string, token string) (*Conn, error) {
	base, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return nil, err
	}

	origin := base.String()
	switch base.Scheme {
	case "https":
		base.Scheme = "wss"
	case "http":
		base.Scheme = "ws"
	}
	base.Path += "/api/v1/ws"

	cfg, err := websocket.NewConfig(base.String(), origin)
	if err != nil {
		return nil, err
	}
	if token != "" {
		cfg.Header.Set("Authorization", "Bearer "+token)
	}

	ws, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}

	return &Conn{
		ws:       ws,
		encoder:  json.NewEncoder(ws),
		handlers: make(map[string]Handler),
	}, nil
}

// On registers the handler for an event, replacing any previous one.
func (c *Conn) On(event string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = handler
}

func (c *Conn) Send(event string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.encoder.Encode(gateway.Frame{Type: event, Payload: b})
}

// Run dispatches incoming frames until the connection drops or ctx is done. Handlers run on the
// read goroutine, so they must not block on other frames.
func (c *Conn) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		c.ws.Close()
	}()

	decoder := json.NewDecoder(c.ws)
	for {
		var frame gateway.Frame
		if err := decoder.Decode(&frame); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read gateway: %w", err)
		}

		c.mu.RLock()
		handler, ok := c.handlers[frame.Type]
		c.mu.RUnlock()
		if !ok {
			zap.L().Debug("gateway frame ignored", zap.String("type", frame.Type))
			continue
		}
		handler(ctx, frame)
	}
}

func (c *Conn) Close() error {
	return c.ws.Close()
}
