// Package websocket serves stream events to websocket clients. Clients
// subscribe with filters on chain, event kind and address and receive every
// matching event as it is emitted.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/marko911/chainhub/internal/delivery/subscription"
	"github.com/marko911/chainhub/internal/metrics"
	"github.com/marko911/chainhub/internal/stream"
	protov1 "github.com/marko911/chainhub/pkg/proto/v1"
)

const (
	opTimeout              = 5 * time.Second
	defaultCleanupInterval = time.Minute
)

type Config struct {
	// AllowedOrigins for the upgrade. Empty allows every origin; entries
	// may be "*" or "*.example.com".
	AllowedOrigins []string

	SendBuffer      int
	CleanupInterval time.Duration

	// Subscriptions defaults to an in-memory manager.
	Subscriptions subscription.Manager

	Logger *slog.Logger
}

// Gateway tracks websocket clients and routes events to the ones whose
// subscriptions match.
type Gateway struct {
	cfg      Config
	subs     subscription.Manager
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
}

func NewGateway(cfg Config) *Gateway {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Subscriptions == nil {
		cfg.Subscriptions = subscription.NewMemoryManager()
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaultCleanupInterval
	}
	g := &Gateway{
		cfg:     cfg,
		subs:    cfg.Subscriptions,
		logger:  cfg.Logger.With("component", "websocket-gateway"),
		clients: make(map[string]*client),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range g.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(origin, allowed) {
			return true
		}
		if suffix, ok := strings.CutPrefix(allowed, "*"); ok && strings.HasPrefix(suffix, ".") &&
			strings.HasSuffix(strings.ToLower(origin), strings.ToLower(suffix)) {
			return true
		}
	}
	g.logger.Warn("websocket connection rejected: origin not allowed", "origin", origin)
	return false
}

// Handler returns a mux serving the gateway on /ws.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /ws", g)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// ServeHTTP upgrades the request and serves the client until it
// disconnects.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newClient("client_"+uuid.NewString(), conn, g.cfg.SendBuffer)
	c.onMessage = g.handleMessage
	c.onClose = g.disconnect

	g.mu.Lock()
	g.clients[c.id] = c
	g.mu.Unlock()
	metrics.GatewayClients.Inc()

	g.logger.Info("client connected", "client_id", c.id, "remote_addr", conn.RemoteAddr().String())
	_ = c.reply("connected", "", map[string]string{"client_id": c.id})

	c.run()
}

func (g *Gateway) disconnect(c *client) {
	g.mu.Lock()
	_, ok := g.clients[c.id]
	delete(g.clients, c.id)
	g.mu.Unlock()
	if !ok {
		return
	}
	metrics.GatewayClients.Dec()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := g.subs.UnsubscribeAll(ctx, c.id); err != nil {
		g.logger.Error("failed to cleanup subscriptions", "client_id", c.id, "error", err)
	}
	g.logger.Info("client disconnected", "client_id", c.id)
}

type subscribeRequest struct {
	Chains     []string            `json:"chains"`
	Kinds      []protov1.EventKind `json:"kinds"`
	Addresses  []string            `json:"addresses"`
	TTLSeconds int                 `json:"ttl_seconds"`
}

type unsubscribeRequest struct {
	SubscriptionID string `json:"subscription_id"`
}

func (g *Gateway) handleMessage(c *client, msg ClientMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	switch msg.Type {
	case "subscribe":
		var req subscribeRequest
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				c.replyError(msg.ID, "invalid_data", "failed to parse subscription data")
				return
			}
		}
		sub := &subscription.Subscription{
			ClientID: c.id,
			Filter:   subscription.Filter{Chains: req.Chains, Kinds: req.Kinds, Addresses: req.Addresses},
		}
		if req.TTLSeconds > 0 {
			sub.ExpiresAt = time.Now().Add(time.Duration(req.TTLSeconds) * time.Second)
		}
		id, err := g.subs.Subscribe(ctx, sub)
		if err != nil {
			g.logger.Error("subscribe failed", "client_id", c.id, "error", err)
			c.replyError(msg.ID, "subscribe_failed", err.Error())
			return
		}
		g.logger.Debug("subscription created", "client_id", c.id, "subscription_id", id, "chains", req.Chains)
		_ = c.reply("subscribed", msg.ID, map[string]any{"subscription_id": id, "filter": sub.Filter})

	case "unsubscribe":
		var req unsubscribeRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil || req.SubscriptionID == "" {
			c.replyError(msg.ID, "missing_id", "subscription_id is required")
			return
		}
		sub, err := g.subs.Get(ctx, req.SubscriptionID)
		if err != nil || sub == nil || sub.ClientID != c.id {
			c.replyError(msg.ID, "not_found", "unknown subscription "+req.SubscriptionID)
			return
		}
		if err := g.subs.Unsubscribe(ctx, req.SubscriptionID); err != nil {
			c.replyError(msg.ID, "unsubscribe_failed", err.Error())
			return
		}
		_ = c.reply("unsubscribed", msg.ID, req)

	case "list_subscriptions":
		subs, err := g.subs.ListByClient(ctx, c.id)
		if err != nil {
			c.replyError(msg.ID, "list_failed", err.Error())
			return
		}
		if subs == nil {
			subs = []*subscription.Subscription{}
		}
		_ = c.reply("subscriptions", msg.ID, map[string]any{"subscriptions": subs, "count": len(subs)})

	case "ping":
		_ = c.reply("pong", msg.ID, nil)

	default:
		c.replyError(msg.ID, "unknown_type", "unknown message type: "+msg.Type)
	}
}

// Route delivers ev to every client with a matching subscription. A
// client receives an event once even when several subscriptions match.
func (g *Gateway) Route(ev protov1.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	matches, err := g.subs.Match(ctx, &ev)
	if err != nil {
		g.logger.Error("failed to match subscriptions", "chain", ev.Chain, "error", err)
		return
	}
	if len(matches) == 0 {
		return
	}

	data, err := json.Marshal(ServerMessage{Type: "event", Timestamp: time.Now().UTC(), Data: ev})
	if err != nil {
		g.logger.Error("event marshal failed", "error", err)
		return
	}

	seen := make(map[string]struct{}, len(matches))
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, m := range matches {
		if _, dup := seen[m.ClientID]; dup {
			continue
		}
		seen[m.ClientID] = struct{}{}
		c, ok := g.clients[m.ClientID]
		if !ok {
			continue
		}
		if err := c.enqueue(data); err != nil {
			g.logger.Warn("event not delivered", "client_id", c.id, "kind", ev.Kind, "error", err)
		}
	}
}

// Attach routes every event of s through the gateway until the returned
// cancel is called or s is disconnected.
func (g *Gateway) Attach(s *stream.Stream) (cancel func()) {
	return s.OnEvent(g.Route)
}

// Run removes expired subscriptions until ctx is done.
func (g *Gateway) Run(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := g.subs.Cleanup(ctx)
			if err != nil {
				g.logger.Warn("subscription cleanup failed", "error", err)
			} else if n > 0 {
				g.logger.Debug("expired subscriptions removed", "count", n)
			}
		}
	}
}

func (g *Gateway) ClientCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

// Close disconnects every client.
func (g *Gateway) Close() error {
	g.mu.RLock()
	clients := make([]*client, 0, len(g.clients))
	for _, c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.RUnlock()

	for _, c := range clients {
		c.close()
	}
	return nil
}
