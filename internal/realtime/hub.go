package realtime

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/calebmorrow/notiq/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // 1 MiB

	defaultBufferSize = 64
)

type controlMessage struct {
	Action string `json:"action"`
}

// Hub fans out notification events to a user's connected devices. The device
// that originated a mutation is excluded from the broadcast so it never
// re-applies its own change.
type Hub struct {
	mu       sync.RWMutex
	devices  map[string]map[*connection]struct{}
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewHub constructs a push-channel hub.
func NewHub() *Hub {
	return &Hub{
		devices: make(map[string]map[*connection]struct{}),
		log:     logger.WithComponent("realtime"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Allow same-origin requests and explicit localhost development.
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				originHost := hostWithoutPort(origin)
				requestHost := hostWithoutPort(r.Host)
				return originHost == requestHost || isLoopback(originHost)
			},
		},
	}
}

// Serve upgrades the HTTP connection to a WebSocket and registers the device.
// It blocks until the connection closes.
func (h *Hub) Serve(deviceID string, w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", zap.Error(err))
		return
	}

	client := newConnection(h, conn, deviceID)
	h.register(client)

	go client.writeLoop()
	client.readLoop()
}

// Broadcast delivers an event to every connected device except the one named
// by sourceDevice. An empty sourceDevice broadcasts to all devices.
func (h *Hub) Broadcast(event Event, sourceDevice string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for deviceID, clients := range h.devices {
		if sourceDevice != "" && deviceID == sourceDevice {
			continue
		}
		for client := range clients {
			h.enqueue(client, event)
		}
	}
}

// DeviceCount reports the number of distinct devices currently connected.
func (h *Hub) DeviceCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.devices)
}

func (h *Hub) register(client *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.devices[client.deviceID] == nil {
		h.devices[client.deviceID] = make(map[*connection]struct{})
	}
	h.devices[client.deviceID][client] = struct{}{}
}

func (h *Hub) unregister(client *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := h.devices[client.deviceID]
	if clients == nil {
		return
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.devices, client.deviceID)
	}
}

// enqueue runs under the Broadcast read lock; a full teardown here would
// need the write lock on the same goroutine and deadlock the hub. Closing
// the socket is enough: the connection's readLoop exits on the closed
// socket and runs the teardown outside the lock.
func (h *Hub) enqueue(client *connection, event Event) {
	select {
	case client.send <- event:
	default:
		h.log.Warn("dropping backpressure client", zap.String("device_id", client.deviceID))
		_ = client.socket.Close()
	}
}

type connection struct {
	hub      *Hub
	socket   *websocket.Conn
	deviceID string
	send     chan Event
	done     chan struct{}
	once     sync.Once
}

func newConnection(hub *Hub, conn *websocket.Conn, deviceID string) *connection {
	return &connection{
		hub:      hub,
		socket:   conn,
		deviceID: deviceID,
		send:     make(chan Event, defaultBufferSize),
		done:     make(chan struct{}),
	}
}

func (c *connection) readLoop() {
	defer c.close()

	c.socket.SetReadLimit(maxMessageSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("unexpected close",
					zap.String("device_id", c.deviceID), zap.Error(err))
			}
			break
		}

		if len(payload) == 0 {
			continue
		}

		var ctrl controlMessage
		if err := json.Unmarshal(payload, &ctrl); err != nil {
			c.hub.log.Warn("invalid control payload",
				zap.String("device_id", c.deviceID), zap.Error(err))
			continue
		}

		switch strings.ToLower(strings.TrimSpace(ctrl.Action)) {
		case "ping":
			// Clients can send ping control messages; reply with pong. A
			// full send buffer drops the reply rather than blocking reads.
			select {
			case c.send <- Event{Type: EventPong, Timestamp: time.Now().UTC()}:
			default:
			}
		default:
			c.hub.log.Debug("unsupported control action",
				zap.String("action", ctrl.Action), zap.String("device_id", c.deviceID))
		}
	}
}

func (c *connection) writeLoop() {
	defer c.close()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.socket.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case event := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close tears the connection down exactly once. The send channel is left
// open so concurrent enqueues and pong replies can never hit a closed
// channel; writeLoop exits on done instead.
func (c *connection) close() {
	c.once.Do(func() {
		c.hub.unregister(c)
		close(c.done)
		_ = c.socket.Close()
	})
}

func hostWithoutPort(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}

	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		parsed, err := http.NewRequest(http.MethodGet, host, nil)
		if err == nil {
			return hostWithoutPort(parsed.URL.Host)
		}
	}

	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func isLoopback(host string) bool {
	ip := net.ParseIP(host)
	if ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}
