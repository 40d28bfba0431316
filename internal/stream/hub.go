package stream

import (
	"context"
	"log"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

const (
	channelPrefix  = "beacons:"
	channelSuffix  = ":broadcast"
	channelPattern = channelPrefix + "*" + channelSuffix
)

// Hub fans stored beacons out to websocket listeners of a device. With redis
// configured every replica publishes to a per-device channel and delivers
// what it receives from the pattern subscription, so listeners connected to
// any replica see every beacon once.
type Hub struct {
	redis   *redis.Client
	pubsub  *redis.PubSub
	clients map[string]map[*Client]struct{}
	mu      sync.RWMutex
}

type Client struct {
	DeviceID string
	Send     chan []byte
}

func NewHub(redisClient *redis.Client) *Hub {
	h := &Hub{
		redis:   redisClient,
		clients: map[string]map[*Client]struct{}{},
	}

	if redisClient != nil {
		h.subscribeRedis()
	}
	return h
}

func (h *Hub) Register(deviceID string) *Client {
	client := &Client{
		DeviceID: deviceID,
		Send:     make(chan []byte, 64),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[deviceID] == nil {
		h.clients[deviceID] = map[*Client]struct{}{}
	}
	h.clients[deviceID][client] = struct{}{}
	return client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	deviceClients, ok := h.clients[client.DeviceID]
	if !ok {
		return
	}
	if _, ok := deviceClients[client]; !ok {
		return
	}
	delete(deviceClients, client)
	if len(deviceClients) == 0 {
		delete(h.clients, client.DeviceID)
	}
	close(client.Send)
}

// Broadcast delivers payload to every listener of deviceID. Slow listeners
// drop messages rather than block ingestion.
func (h *Hub) Broadcast(deviceID string, payload []byte) {
	if h.pubsub != nil {
		err := h.redis.Publish(context.Background(), redisChannel(deviceID), payload).Err()
		if err == nil {
			return
		}
		log.Printf("redis publish error: %v", err)
	}
	h.deliver(deviceID, payload)
}

// Close ends the redis subscription. Registered clients stay open.
func (h *Hub) Close() error {
	if h.pubsub == nil {
		return nil
	}
	return h.pubsub.Close()
}

func (h *Hub) deliver(deviceID string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[deviceID] {
		select {
		case client.Send <- payload:
		default:
		}
	}
}

func (h *Hub) subscribeRedis() {
	ctx := context.Background()
	pubsub := h.redis.PSubscribe(ctx, channelPattern)
	if _, err := pubsub.Receive(ctx); err != nil {
		log.Printf("redis subscribe error, broadcasting locally: %v", err)
		_ = pubsub.Close()
		return
	}
	h.pubsub = pubsub

	go func() {
		for msg := range pubsub.Channel() {
			deviceID := deviceIDFromChannel(msg.Channel)
			if deviceID == "" {
				continue
			}
			h.deliver(deviceID, []byte(msg.Payload))
		}
	}()
}

func redisChannel(deviceID string) string {
	return channelPrefix + deviceID + channelSuffix
}

func deviceIDFromChannel(ch string) string {
	if !strings.HasPrefix(ch, channelPrefix) || !strings.HasSuffix(ch, channelSuffix) {
		return ""
	}
	if len(ch) <= len(channelPrefix)+len(channelSuffix) {
		return ""
	}
	return ch[len(channelPrefix) : len(ch)-len(channelSuffix)]
}
