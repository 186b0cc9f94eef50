// Package link is the WebSocket endpoint relay controllers keep a persistent connection to.
package link

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/campusiot/relayd/internal/config"
	"github.com/campusiot/relayd/internal/device"
)

// Listener receives link events. Calls for one connection are made sequentially
// from that connection's read loop.
type Listener interface {
	OnConnect(remoteAddr string)
	// OnAuthenticate runs after a device identified with a valid secret. A
	// returned error rejects the device and closes its connection.
	OnAuthenticate(ctx context.Context, address string) error
	OnDisconnect(ctx context.Context, address string)
	OnHeartbeat(ctx context.Context, address string, uptime int64)
	// OnStateReport reconciles hardware-reported state and reports whether anything changed.
	OnStateReport(ctx context.Context, address string, switches []ReportedSwitch) bool
	OnMotion(ctx context.Context, address string, triggered bool)
	OnSwitchResult(ctx context.Context, address string, result SwitchResult)
}

// Hub tracks live device connections keyed by MAC address
type Hub struct {
	cfg      config.LinkConfig
	log      zerolog.Logger
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	listener Listener
	devices  map[string]*Conn
	conns    map[*Conn]struct{}
}

// NewHub creates a hub; SetListener must be called before serving
func NewHub(cfg config.LinkConfig) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg: cfg,
		log: log.With().Str("component", "link").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Devices are not browsers
			CheckOrigin: func(*http.Request) bool { return true },
		},
		ctx:     ctx,
		cancel:  cancel,
		devices: make(map[string]*Conn),
		conns:   make(map[*Conn]struct{}),
	}
}

// SetListener installs the receiver of link events
func (h *Hub) SetListener(l Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listener = l
}

func (h *Hub) currentListener() Listener {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.listener
}

// ServeHTTP upgrades a device connection
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.ctx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	c := &Conn{
		hub:    h,
		ws:     ws,
		remote: r.RemoteAddr,
		send:   make(chan []byte, h.cfg.SendBuffer),
		log:    h.log.With().Str("remote", r.RemoteAddr).Logger(),
	}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	if l := h.currentListener(); l != nil {
		l.OnConnect(r.RemoteAddr)
	}
	c.log.Debug().Msg("Device connection opened")

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		c.readPump()
	}()
}

// Send queues a frame for the device; false if there is no live link or its buffer is full
func (h *Hub) Send(address string, frame any) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		h.log.Error().Err(err).Str("address", address).Msg("Failed to marshal frame")
		return false
	}

	h.mu.RLock()
	c := h.devices[device.NormalizeAddress(address)]
	h.mu.RUnlock()
	if c == nil {
		return false
	}
	return c.trySend(data)
}

// IsConnected reports whether a device has identified on a live connection
func (h *Hub) IsConnected(address string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.devices[device.NormalizeAddress(address)]
	return ok
}

// IsReady reports whether frames can currently be queued for the device
func (h *Hub) IsReady(address string) bool {
	h.mu.RLock()
	c := h.devices[device.NormalizeAddress(address)]
	h.mu.RUnlock()
	return c != nil && !c.isClosed()
}

// Connected returns the addresses of identified devices
func (h *Hub) Connected() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.devices))
	for addr := range h.devices {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// Close disconnects every device and waits for connection goroutines until ctx expires
func (h *Hub) Close(ctx context.Context) {
	h.cancel()

	h.mu.RLock()
	for c := range h.conns {
		c.Close()
		c.ws.Close()
	}
	h.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Debug().Msg("All device connections closed")
	case <-ctx.Done():
		h.log.Warn().Msg("Timed out waiting for device connections to close")
	}
}

// register binds address to c, closing any older connection for the same device
func (h *Hub) register(address string, c *Conn) {
	h.mu.Lock()
	prev := h.devices[address]
	h.devices[address] = c
	c.setAddress(address)
	h.mu.Unlock()

	if prev != nil && prev != c {
		prev.log.Info().Str("address", address).Msg("Replaced by newer connection")
		prev.Close()
	}
}

// drop removes the address binding for c without emitting a disconnect
func (h *Hub) drop(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if addr := c.Address(); addr != "" && h.devices[addr] == c {
		delete(h.devices, addr)
	}
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c)
	addr := c.Address()
	owned := addr != "" && h.devices[addr] == c
	if owned {
		delete(h.devices, addr)
	}
	h.mu.Unlock()

	c.Close()

	if owned {
		c.log.Info().Str("address", addr).Msg("Device disconnected")
		if l := h.currentListener(); l != nil {
			l.OnDisconnect(context.WithoutCancel(h.ctx), addr)
		}
	}
}

func (h *Hub) readDeadline() time.Time {
	return time.Now().Add(h.cfg.PingInterval.Duration() + h.cfg.PongTimeout.Duration())
}
