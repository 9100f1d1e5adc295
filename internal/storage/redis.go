package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"
)

// RedisPubSub fans document traffic out across relay instances.
type RedisPubSub struct {
	publisher     *redis.Client
	subscriber    *redis.Client
	channelPrefix string

	mu        sync.RWMutex
	connected bool
	handlers  map[string][]func([]byte)
	pubsubs   map[string]*redis.PubSub
}

// RedisPubSubConfig holds Redis connection configuration
type RedisPubSubConfig struct {
	URL           string
	ChannelPrefix string
	MaxRetries    int
}

// DefaultRedisPubSubConfig returns sensible defaults
func DefaultRedisPubSubConfig() *RedisPubSubConfig {
	return &RedisPubSubConfig{
		ChannelPrefix: "docsync:",
		MaxRetries:    3,
	}
}

// NewRedisPubSub creates a new Redis pub/sub adapter
func NewRedisPubSub(config *RedisPubSubConfig) (*RedisPubSub, error) {
	if config == nil {
		config = DefaultRedisPubSubConfig()
	}

	opt, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opt.MaxRetries = config.MaxRetries

	return &RedisPubSub{
		publisher:     redis.NewClient(opt),
		subscriber:    redis.NewClient(opt),
		channelPrefix: config.ChannelPrefix,
		handlers:      make(map[string][]func([]byte)),
		pubsubs:       make(map[string]*redis.PubSub),
	}, nil
}

// Connect establishes Redis connections
func (r *RedisPubSub) Connect(ctx context.Context) error {
	if err := r.publisher.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect publisher: %w", err)
	}
	if err := r.subscriber.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect subscriber: %w", err)
	}
	r.mu.Lock()
	r.connected = true
	r.mu.Unlock()
	return nil
}

// Disconnect closes Redis connections
func (r *RedisPubSub) Disconnect(ctx context.Context) error {
	r.mu.Lock()
	r.connected = false
	for _, ps := range r.pubsubs {
		ps.Close()
	}
	r.pubsubs = make(map[string]*redis.PubSub)
	r.handlers = make(map[string][]func([]byte))
	r.mu.Unlock()

	r.publisher.Close()
	r.subscriber.Close()
	return nil
}

// IsConnected returns connection status
func (r *RedisPubSub) IsConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected
}

// HealthCheck verifies Redis connectivity
func (r *RedisPubSub) HealthCheck(ctx context.Context) (bool, error) {
	err := r.publisher.Ping(ctx).Err()
	return err == nil, err
}

// ==========================================================================
// DOCUMENT CHANNELS
// ==========================================================================

// DocumentEnvelope is one relayed frame. Origin names the relay that
// published it so a relay can skip its own traffic.
type DocumentEnvelope struct {
	Origin string `json:"origin"`
	Frame  []byte `json:"frame"`
}

// PublishDocument publishes an encoded frame to a document channel
func (r *RedisPubSub) PublishDocument(ctx context.Context, documentKey string, env DocumentEnvelope) error {
	return r.publish(ctx, r.getDocumentChannel(documentKey), env)
}

// SubscribeToDocument subscribes to a document channel
func (r *RedisPubSub) SubscribeToDocument(ctx context.Context, documentKey string, handler func(DocumentEnvelope)) error {
	return r.subscribe(ctx, r.getDocumentChannel(documentKey), func(data []byte) {
		var env DocumentEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			glog.Warningf("storage: dropping malformed document envelope: %v", err)
			return
		}
		handler(env)
	})
}

// UnsubscribeFromDocument unsubscribes from a document channel
func (r *RedisPubSub) UnsubscribeFromDocument(ctx context.Context, documentKey string) error {
	return r.unsubscribe(ctx, r.getDocumentChannel(documentKey))
}

// ==========================================================================
// BROADCAST CHANNELS
// ==========================================================================

// Broadcast event names.
const (
	EventPermissionChanged = "permission_changed"
)

// BroadcastEvent represents a broadcast event
type BroadcastEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// PermissionChange is the data of a permission_changed broadcast.
type PermissionChange struct {
	Owner    string `json:"owner"`
	Permlink string `json:"permlink"`
	Account  string `json:"account"`
}

// PublishBroadcast publishes to the broadcast channel (all relays)
func (r *RedisPubSub) PublishBroadcast(ctx context.Context, event string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	return r.publish(ctx, r.getBroadcastChannel(), BroadcastEvent{Event: event, Data: raw})
}

// SubscribeToBroadcast subscribes to the broadcast channel
func (r *RedisPubSub) SubscribeToBroadcast(ctx context.Context, handler func(event string, data json.RawMessage)) error {
	return r.subscribe(ctx, r.getBroadcastChannel(), func(data []byte) {
		var evt BroadcastEvent
		if err := json.Unmarshal(data, &evt); err == nil {
			handler(evt.Event, evt.Data)
		}
	})
}

// ==========================================================================
// PRESENCE CHANNELS (relay coordination)
// ==========================================================================

// PresenceEvent represents a relay presence event
type PresenceEvent struct {
	Type      string                 `json:"type"` // "server_online" or "server_offline"
	ServerID  string                 `json:"serverId"`
	Timestamp int64                  `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// AnnouncePresence announces relay presence
func (r *RedisPubSub) AnnouncePresence(ctx context.Context, serverID string, metadata map[string]interface{}) error {
	return r.publish(ctx, r.getPresenceChannel(), PresenceEvent{
		Type:      "server_online",
		ServerID:  serverID,
		Timestamp: time.Now().UnixMilli(),
		Metadata:  metadata,
	})
}

// AnnounceShutdown announces relay shutdown
func (r *RedisPubSub) AnnounceShutdown(ctx context.Context, serverID string) error {
	return r.publish(ctx, r.getPresenceChannel(), PresenceEvent{
		Type:      "server_offline",
		ServerID:  serverID,
		Timestamp: time.Now().UnixMilli(),
	})
}

// SubscribeToPresence subscribes to relay presence events
func (r *RedisPubSub) SubscribeToPresence(ctx context.Context, handler func(event string, serverID string, metadata map[string]interface{})) error {
	return r.subscribe(ctx, r.getPresenceChannel(), func(data []byte) {
		var evt PresenceEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			return
		}
		switch evt.Type {
		case "server_online":
			handler("online", evt.ServerID, evt.Metadata)
		case "server_offline":
			handler("offline", evt.ServerID, evt.Metadata)
		}
	})
}

// ==========================================================================
// CORE PUB/SUB OPERATIONS
// ==========================================================================

func (r *RedisPubSub) publish(ctx context.Context, channel string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	return r.publisher.Publish(ctx, channel, jsonData).Err()
}

// subscribe registers a handler; the first handler on a channel opens the
// Redis subscription and waits for its confirmation.
func (r *RedisPubSub) subscribe(ctx context.Context, channel string, handler func([]byte)) error {
	r.mu.Lock()
	r.handlers[channel] = append(r.handlers[channel], handler)
	first := len(r.handlers[channel]) == 1
	r.mu.Unlock()

	if !first {
		return nil
	}

	pubsub := r.subscriber.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		r.mu.Lock()
		delete(r.handlers, channel)
		r.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	r.mu.Lock()
	r.pubsubs[channel] = pubsub
	r.mu.Unlock()

	go r.handleMessages(channel, pubsub)
	return nil
}

func (r *RedisPubSub) unsubscribe(ctx context.Context, channel string) error {
	r.mu.Lock()
	delete(r.handlers, channel)
	ps, ok := r.pubsubs[channel]
	delete(r.pubsubs, channel)
	r.mu.Unlock()

	if ok {
		if err := ps.Unsubscribe(ctx, channel); err != nil {
			glog.Warningf("storage: unsubscribe %s: %v", channel, err)
		}
		ps.Close()
	}
	return nil
}

// handleMessages delivers messages in order, one handler at a time.
func (r *RedisPubSub) handleMessages(channel string, pubsub *redis.PubSub) {
	for msg := range pubsub.Channel() {
		r.mu.RLock()
		handlers := r.handlers[channel]
		r.mu.RUnlock()

		for _, handler := range handlers {
			dispatch(channel, handler, []byte(msg.Payload))
		}
	}
}

func dispatch(channel string, handler func([]byte), payload []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			glog.Errorf("storage: handler for %s panicked: %v", channel, rec)
		}
	}()
	handler(payload)
}

// ==========================================================================
// CHANNEL NAMING
// ==========================================================================

func (r *RedisPubSub) getDocumentChannel(documentKey string) string {
	return fmt.Sprintf("%sdoc:%s", r.channelPrefix, documentKey)
}

func (r *RedisPubSub) getBroadcastChannel() string {
	return r.channelPrefix + "broadcast"
}

func (r *RedisPubSub) getPresenceChannel() string {
	return r.channelPrefix + "presence"
}

// ==========================================================================
// STATISTICS
// ==========================================================================

// Stats holds pub/sub statistics
type Stats struct {
	Connected          bool `json:"connected"`
	SubscribedChannels int  `json:"subscribedChannels"`
	TotalHandlers      int  `json:"totalHandlers"`
}

// GetStats returns pub/sub statistics
func (r *RedisPubSub) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	totalHandlers := 0
	for _, handlers := range r.handlers {
		totalHandlers += len(handlers)
	}

	return Stats{
		Connected:          r.connected,
		SubscribedChannels: len(r.handlers),
		TotalHandlers:      totalHandlers,
	}
}
