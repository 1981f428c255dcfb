// Package acceptor implements a demo connection acceptor: it terminates
// client WebSocket connections, decodes frames into message.Message, and
// forwards them into Batcher.AddMessage/RemoveClient. A short-TTL API-key
// cache stands in for an auth/rate-limit collaborator this engine assumes
// exists but doesn't implement itself. Grounded on a WebSocket gateway's
// accept/read/write-pump shape, simplified down from its multi-exchange
// subscription machinery to a single inbound decode loop.
package acceptor

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/batchfabric/batchengine/internal/batching"
	"github.com/batchfabric/batchengine/internal/message"
)

// frame is the wire shape a client sends: a JSON-encoded message. The API
// key is not part of the frame; it is read once at connect time from the
// apiKey query parameter only (request headers are not consulted).
type frame struct {
	Type     string          `json:"type"`
	Priority string          `json:"priority,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Config configures the acceptor's accept loop and API-key cache.
type Config struct {
	ReadBufferSize    int
	WriteBufferSize   int
	PongWait          time.Duration
	PingInterval      time.Duration
	APIKeyTTL         time.Duration
	APIKeyCleanupTick time.Duration
}

// DefaultConfig returns reasonable demo defaults.
func DefaultConfig() Config {
	return Config{
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		PongWait:          60 * time.Second,
		PingInterval:      30 * time.Second,
		APIKeyTTL:         15 * time.Minute,
		APIKeyCleanupTick: time.Minute,
	}
}

// Acceptor is the §6 connection acceptor.
type Acceptor struct {
	cfg      Config
	batcher  *batching.Batcher
	logger   *zap.Logger
	upgrader websocket.Upgrader

	apiKeys *gocache.Cache

	mu          sync.Mutex
	connections map[message.ClientId]*websocket.Conn
}

// New creates an Acceptor bound to batcher.
func New(cfg Config, batcher *batching.Batcher, logger *zap.Logger) *Acceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Acceptor{
		cfg:     cfg,
		batcher: batcher,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		apiKeys:     gocache.New(cfg.APIKeyTTL, cfg.APIKeyCleanupTick),
		connections: make(map[message.ClientId]*websocket.Conn),
	}
}

// AuthorizeAPIKey admits key for the configured TTL, standing in for a real
// auth service's token issuance.
func (a *Acceptor) AuthorizeAPIKey(key string) {
	a.apiKeys.Set(key, true, gocache.DefaultExpiration)
}

func (a *Acceptor) apiKeyValid(key string) bool {
	_, found := a.apiKeys.Get(key)
	return found
}

// ServeHTTP upgrades the connection and runs its read pump until the client
// disconnects, at which point it calls Batcher.RemoveClient.
func (a *Acceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	apiKey := r.URL.Query().Get("apiKey")
	if !a.apiKeyValid(apiKey) {
		http.Error(w, "invalid or missing apiKey", http.StatusUnauthorized)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	clientId := message.ClientId(uuid.New().String())

	a.mu.Lock()
	a.connections[clientId] = conn
	a.mu.Unlock()

	a.logger.Info("client connected", zap.String("clientId", string(clientId)))

	conn.SetReadDeadline(time.Now().Add(a.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(a.cfg.PongWait))
		return nil
	})

	a.readPump(clientId, conn)
}

func (a *Acceptor) readPump(clientId message.ClientId, conn *websocket.Conn) {
	defer a.disconnect(clientId, conn)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			a.logger.Warn("dropping malformed frame", zap.String("clientId", string(clientId)), zap.Error(err))
			continue
		}

		msg := &message.Message{
			Type:     f.Type,
			Priority: message.ParsePriority(f.Priority),
			Payload:  []byte(f.Payload),
		}

		if err := a.batcher.AddMessage(clientId, msg); err != nil {
			a.logger.Warn("rejected inbound message", zap.String("clientId", string(clientId)), zap.Error(err))
		}
	}
}

func (a *Acceptor) disconnect(clientId message.ClientId, conn *websocket.Conn) {
	a.mu.Lock()
	delete(a.connections, clientId)
	a.mu.Unlock()

	conn.Close()
	a.batcher.RemoveClient(clientId)
	a.logger.Info("client disconnected", zap.String("clientId", string(clientId)))
}

// ActiveConnections returns the number of currently tracked connections.
func (a *Acceptor) ActiveConnections() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.connections)
}
