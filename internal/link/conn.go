package link

import (
	"crypto/subtle"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/campusiot/relayd/internal/device"
)

// Conn is one device WebSocket connection
type Conn struct {
	hub    *Hub
	ws     *websocket.Conn
	remote string
	log    zerolog.Logger

	mu      sync.Mutex
	send    chan []byte
	closed  bool
	address string
}

// Address returns the identified MAC address, empty before identify
func (c *Conn) Address() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.address
}

func (c *Conn) setAddress(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.address = address
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// trySend queues data without blocking
func (c *Conn) trySend(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Conn) sendFrame(frame any) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to marshal frame")
		return false
	}
	return c.trySend(data)
}

// Close stops the write pump after it flushes queued frames
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Conn) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(c.hub.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(c.hub.readDeadline())
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(c.hub.readDeadline())
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Str("address", c.Address()).Msg("Device read error")
			} else {
				c.log.Debug().Err(err).Msg("Device connection closed")
			}
			return
		}
		// Firmware heartbeats are application frames; any frame proves liveness
		_ = c.ws.SetReadDeadline(c.hub.readDeadline())
		c.handle(data)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval.Duration())
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	writeTimeout := c.hub.cfg.WriteTimeout.Duration()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug().Err(err).Msg("Device write failed")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) handle(data []byte) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Warn().Err(err).Msg("Malformed device frame")
		return
	}

	if msg.Type == TypeIdentify || msg.Type == TypeAuthenticate {
		c.identify(msg)
		return
	}

	address := c.Address()
	if address == "" {
		c.sendFrame(ErrorFrame{Type: TypeError, Message: "identify first"})
		return
	}

	l := c.hub.currentListener()
	if l == nil {
		return
	}
	ctx := c.hub.ctx

	switch msg.Type {
	case TypeHeartbeat:
		l.OnHeartbeat(ctx, address, msg.Uptime)
	case TypeStateUpdate:
		changed := l.OnStateReport(ctx, address, msg.Switches)
		c.sendFrame(StateAck{Type: TypeStateAck, Changed: changed})
	case TypeMotion, TypePIREvent:
		triggered := msg.Triggered == nil || *msg.Triggered
		l.OnMotion(ctx, address, triggered)
	case TypeSwitchResult:
		l.OnSwitchResult(ctx, address, SwitchResult{
			GPIO:           msg.GPIO,
			RequestedState: msg.RequestedState,
			Success:        msg.Success,
			Reason:         msg.Reason,
		})
	default:
		c.log.Debug().Str("type", msg.Type).Msg("Unhandled device frame")
	}
}

func (c *Conn) identify(msg Inbound) {
	secret := c.hub.cfg.Secret
	if secret != "" && subtle.ConstantTimeCompare([]byte(msg.Secret), []byte(secret)) != 1 {
		c.log.Warn().Str("mac", msg.MAC).Msg("Device presented an invalid secret")
		c.sendFrame(ErrorFrame{Type: TypeError, Message: "invalid secret"})
		c.Close()
		return
	}

	address := device.NormalizeAddress(msg.MAC)
	if address == "" {
		c.sendFrame(ErrorFrame{Type: TypeError, Message: "mac is required"})
		return
	}

	if prev := c.Address(); prev != "" && prev != address {
		c.hub.drop(c)
	}
	c.hub.register(address, c)

	l := c.hub.currentListener()
	if l == nil {
		return
	}
	if err := l.OnAuthenticate(c.hub.ctx, address); err != nil {
		c.log.Warn().Err(err).Str("address", address).Msg("Device rejected")
		c.hub.drop(c)
		c.sendFrame(ErrorFrame{Type: TypeError, Message: err.Error()})
		c.Close()
		return
	}
	c.log.Info().Str("address", address).Msg("Device identified")
}
