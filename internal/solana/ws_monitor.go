package solana

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// WebSocket Log Monitor: program log stream via logsSubscribe
// ---------------------------------------------------------------------------

// WSMonitorConfig configures the WebSocket log monitor.
type WSMonitorConfig struct {
	WSEndpoint        string
	ProgramID         Pubkey
	Commitment        string
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	PingInterval      time.Duration
	BufferSize        int

	// OnDrop, when set, is called for every event dropped on a full
	// buffer. It runs on the read loop and must not block.
	OnDrop func(LogEvent)
}

// DefaultWSMonitorConfig returns defaults for watching pump.fun on mainnet.
func DefaultWSMonitorConfig() WSMonitorConfig {
	return WSMonitorConfig{
		WSEndpoint:        "wss://api.mainnet-beta.solana.com",
		ProgramID:         PumpFunProgramID,
		Commitment:        "processed",
		ReconnectDelay:    time.Second,
		MaxReconnectDelay: 30 * time.Second,
		PingInterval:      20 * time.Second,
		BufferSize:        256,
	}
}

// LogEvent is one successful transaction mentioning the watched program.
type LogEvent struct {
	Signature  string    `json:"signature"`
	Slot       uint64    `json:"slot"`
	Logs       []string  `json:"logs"`
	ReceivedAt time.Time `json:"received_at"`
}

// WSMonitor streams program logs and reconnects forever until cancelled.
type WSMonitor struct {
	config WSMonitorConfig

	mu      sync.Mutex // guards conn writes and events close
	conn    *websocket.Conn
	events  chan LogEvent
	closed  bool
	started atomic.Bool

	// Stats.
	messagesRecv atomic.Int64
	eventsEmit   atomic.Int64
	dropped      atomic.Int64
	reconnects   atomic.Int64
	connected    atomic.Bool
}

// NewWSMonitor creates a new WebSocket log monitor.
func NewWSMonitor(config WSMonitorConfig) *WSMonitor {
	def := DefaultWSMonitorConfig()
	if config.ProgramID == "" {
		config.ProgramID = def.ProgramID
	}
	if config.Commitment == "" {
		config.Commitment = def.Commitment
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = def.ReconnectDelay
	}
	if config.MaxReconnectDelay < config.ReconnectDelay {
		config.MaxReconnectDelay = def.MaxReconnectDelay
	}
	if config.PingInterval <= 0 {
		config.PingInterval = def.PingInterval
	}
	if config.BufferSize <= 0 {
		config.BufferSize = def.BufferSize
	}
	return &WSMonitor{
		config: config,
		events: make(chan LogEvent, config.BufferSize),
	}
}

// Start launches the connection loop and returns the event channel. The
// channel is closed once ctx is cancelled and the loop has exited.
func (m *WSMonitor) Start(ctx context.Context) (<-chan LogEvent, error) {
	if !m.started.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("ws: monitor already started")
	}
	go m.runLoop(ctx)
	return m.events, nil
}

// Connected reports whether a subscription is currently live.
func (m *WSMonitor) Connected() bool {
	return m.connected.Load()
}

func (m *WSMonitor) runLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("ws: runLoop panic recovered")
		}
		m.disconnect()
		m.mu.Lock()
		if !m.closed {
			m.closed = true
			close(m.events)
		}
		m.mu.Unlock()
	}()

	b := &backoff.Backoff{
		Min:    m.config.ReconnectDelay,
		Max:    m.config.MaxReconnectDelay,
		Factor: 2,
		Jitter: false,
	}

	for {
		if ctx.Err() != nil {
			return
		}

		if err := m.connect(ctx); err != nil {
			m.reconnects.Add(1)
			delay := b.Duration()
			log.Warn().Err(err).Dur("retry_in", delay).Msg("ws: connection failed")
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}

		if err := m.subscribe(); err != nil {
			log.Warn().Err(err).Msg("ws: subscribe failed")
			m.disconnect()
			m.reconnects.Add(1)
			select {
			case <-time.After(b.Duration()):
				continue
			case <-ctx.Done():
				return
			}
		}
		b.Reset()

		m.readLoop(ctx)
		m.disconnect()
		if ctx.Err() != nil {
			return
		}
		m.reconnects.Add(1)
		delay := b.Duration()
		log.Info().Dur("retry_in", delay).Msg("ws: reconnecting")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

func (m *WSMonitor) connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, m.config.WSEndpoint, http.Header{})
	if err != nil {
		return fmt.Errorf("ws: dial: %w", err)
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	log.Info().Str("endpoint", m.config.WSEndpoint).Msg("ws: connected")
	return nil
}

func (m *WSMonitor) disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.connected.Store(false)
}

// subscribe sends a logsSubscribe request for the watched program.
func (m *WSMonitor) subscribe() error {
	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "logsSubscribe",
		"params": []any{
			map[string]any{"mentions": []string{string(m.config.ProgramID)}},
			map[string]any{"commitment": m.config.Commitment},
		},
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return fmt.Errorf("ws: not connected")
	}
	if err := m.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("ws: write subscribe: %w", err)
	}
	m.connected.Store(true)

	log.Info().
		Str("program", string(m.config.ProgramID)).
		Str("commitment", m.config.Commitment).
		Msg("ws: subscribed to program logs")
	return nil
}

func (m *WSMonitor) readLoop(ctx context.Context) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return
	}

	readTimeout := 3 * m.config.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	// Closing the connection unblocks ReadMessage on cancel.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(m.config.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				m.disconnect()
				return
			case <-ticker.C:
				m.mu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				m.mu.Unlock()
				if err != nil {
					log.Debug().Err(err).Msg("ws: ping failed")
				}
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Info().Msg("ws: connection closed normally")
			} else {
				log.Warn().Err(err).Msg("ws: read error, reconnecting")
			}
			m.connected.Store(false)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		m.messagesRecv.Add(1)
		m.handleMessage(message)
	}
}

type logsNotification struct {
	Method string `json:"method"`
	Params struct {
		Result struct {
			Context struct {
				Slot uint64 `json:"slot"`
			} `json:"context"`
			Value struct {
				Signature string          `json:"signature"`
				Err       json.RawMessage `json:"err"`
				Logs      []string        `json:"logs"`
			} `json:"value"`
		} `json:"result"`
		Subscription int `json:"subscription"`
	} `json:"params"`
}

// parseNotification extracts a LogEvent. ok is false for subscription acks,
// unrelated messages, and failed transactions.
func parseNotification(data []byte) (LogEvent, bool) {
	var n logsNotification
	if err := json.Unmarshal(data, &n); err != nil || n.Method != "logsNotification" {
		return LogEvent{}, false
	}
	v := n.Params.Result.Value
	if len(v.Err) > 0 && string(v.Err) != "null" {
		return LogEvent{}, false
	}
	return LogEvent{
		Signature:  v.Signature,
		Slot:       n.Params.Result.Context.Slot,
		Logs:       v.Logs,
		ReceivedAt: time.Now().UTC(),
	}, true
}

func (m *WSMonitor) handleMessage(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("ws: handleMessage panic recovered")
		}
	}()

	event, ok := parseNotification(data)
	if !ok {
		var ack struct {
			Result int `json:"result"`
		}
		if json.Unmarshal(data, &ack) == nil && ack.Result > 0 {
			log.Debug().Int("sub_id", ack.Result).Msg("ws: subscription confirmed")
		}
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	dropped := false
	select {
	case m.events <- event:
		m.eventsEmit.Add(1)
	default:
		dropped = true
	}
	m.mu.Unlock()

	if !dropped {
		return
	}
	total := m.dropped.Add(1)
	log.Warn().Str("sig", event.Signature).Int64("dropped", total).Msg("ws: event channel full, dropping event")
	if m.config.OnDrop != nil {
		m.config.OnDrop(event)
	}
}

// WSStats returns monitor statistics.
type WSStats struct {
	Connected    bool  `json:"connected"`
	MessagesRecv int64 `json:"messages_recv"`
	Events       int64 `json:"events"`
	Dropped      int64 `json:"dropped"`
	Reconnects   int64 `json:"reconnects"`
}

func (m *WSMonitor) Stats() WSStats {
	return WSStats{
		Connected:    m.connected.Load(),
		MessagesRecv: m.messagesRecv.Load(),
		Events:       m.eventsEmit.Load(),
		Dropped:      m.dropped.Load(),
		Reconnects:   m.reconnects.Load(),
	}
}
