package agent

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/halcyonvault/halcyon/pkg/models"
	"github.com/rs/zerolog"
)

// Message types exchanged over the persistent notification connection.
const (
	MsgAuthenticate    = "authenticate"
	MsgAuthenticated   = "authenticated"
	MsgPing            = "ping"
	MsgPong            = "pong"
	MsgBackupStarted   = "backup_started"
	MsgBackupProgress  = "backup_progress"
	MsgBackupCompleted = "backup_completed"
	MsgBackupFailed    = "backup_failed"
	MsgAgentLog        = "agent_log"
)

// Message is the JSON frame for the notification protocol.
type Message struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NotifierConfig holds configuration for the progress notifier.
type NotifierConfig struct {
	// URL is the WebSocket endpoint, e.g. wss://server/ws/agent.
	URL string
	// UserID and AgentID identify this agent during the handshake.
	UserID  string
	AgentID string

	// SendBufferSize bounds the outbound queue; sends beyond it are dropped.
	SendBufferSize int
	// PingInterval is how often the client sends protocol pings.
	PingInterval time.Duration
	// WriteTimeout bounds each socket write.
	WriteTimeout time.Duration
	// HandshakeTimeout bounds the authenticate exchange.
	HandshakeTimeout time.Duration
	// MaxReconnectAttempts caps consecutive failed reconnects before the
	// notifier gives up. The counter resets on a successful connection.
	MaxReconnectAttempts int
	// ReconnectDelay scales linearly with the attempt number.
	ReconnectDelay time.Duration
}

// DefaultNotifierConfig returns a NotifierConfig with sensible defaults.
func DefaultNotifierConfig(url, userID, agentID string) NotifierConfig {
	return NotifierConfig{
		URL:                  url,
		UserID:               userID,
		AgentID:              agentID,
		SendBufferSize:       64,
		PingInterval:         30 * time.Second,
		WriteTimeout:         10 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		MaxReconnectAttempts: 10,
		ReconnectDelay:       2 * time.Second,
	}
}

// Notifier pushes lifecycle events to the server over a persistent
// WebSocket connection. All sends are fire-and-forget: when the connection
// is not in an authenticated-ready state, events are dropped silently so
// progress reporting can never block or fail a backup.
type Notifier struct {
	config NotifierConfig
	logger zerolog.Logger

	ready atomic.Bool
	send  chan Message

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// dial is swapped out in tests.
	dial func() (*websocket.Conn, error)
}

// NewNotifier creates a Notifier. Call Start to open the connection.
func NewNotifier(cfg NotifierConfig, logger zerolog.Logger) *Notifier {
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = 64
	}
	n := &Notifier{
		config: cfg,
		logger: logger.With().Str("component", "notifier").Logger(),
		send:   make(chan Message, cfg.SendBufferSize),
		done:   make(chan struct{}),
	}
	n.dial = func() (*websocket.Conn, error) {
		dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
		conn, _, err := dialer.Dial(cfg.URL, nil)
		return conn, err
	}
	return n
}

// Start launches the connection-management loop.
func (n *Notifier) Start() {
	n.wg.Add(1)
	go n.run()
}

// Stop closes the connection and waits for the loop to exit.
func (n *Notifier) Stop() {
	n.stopOnce.Do(func() { close(n.done) })
	n.wg.Wait()
}

// Ready reports whether the connection is authenticated and usable.
func (n *Notifier) Ready() bool {
	return n.ready.Load()
}

// Notify pushes a progress event for a configuration. No-op unless the
// connection is ready.
func (n *Notifier) Notify(configID uuid.UUID, configName string, event models.ProgressEvent) {
	n.enqueue(MsgBackupProgress, map[string]any{
		"config_id":       configID.String(),
		"config_name":     configName,
		"stage":           event.Stage,
		"files_processed": event.FilesProcessed,
		"bytes_processed": event.BytesProcessed,
		"total_bytes":     event.TotalBytes,
		"current_file":    event.CurrentFile,
	})
}

// BackupStarted announces the start of a backup run.
func (n *Notifier) BackupStarted(configID uuid.UUID, configName string) {
	n.enqueue(MsgBackupStarted, map[string]any{
		"config_id":   configID.String(),
		"config_name": configName,
	})
}

// BackupCompleted announces a successful backup run.
func (n *Notifier) BackupCompleted(configID uuid.UUID, configName string, result *models.ExecutionResult) {
	n.enqueue(MsgBackupCompleted, map[string]any{
		"config_id":         configID.String(),
		"config_name":       configName,
		"size":              result.BytesTransferred,
		"duration":          result.Duration.Seconds(),
		"files_transferred": result.FilesTransferred,
	})
}

// BackupFailed announces a failed backup run with its user-facing message.
func (n *Notifier) BackupFailed(configID uuid.UUID, configName, errMsg string) {
	n.enqueue(MsgBackupFailed, map[string]any{
		"config_id":   configID.String(),
		"config_name": configName,
		"error":       errMsg,
	})
}

// AgentLog mirrors a log line over the notification connection.
func (n *Notifier) AgentLog(level, message string, metadata map[string]any) {
	n.enqueue(MsgAgentLog, map[string]any{
		"level":    level,
		"message":  message,
		"metadata": metadata,
	})
}

// enqueue marshals and queues a message, dropping it when the connection is
// not ready or the buffer is full.
func (n *Notifier) enqueue(msgType string, data any) {
	if !n.ready.Load() {
		return
	}

	payload, err := json.Marshal(data)
	if err != nil {
		n.logger.Debug().Err(err).Str("type", msgType).Msg("marshal notification")
		return
	}

	msg := Message{Type: msgType, Data: payload, Timestamp: time.Now().UTC()}
	select {
	case n.send <- msg:
	default:
		n.logger.Warn().Str("type", msgType).Msg("send buffer full, dropping notification")
	}
}

// run manages the connection lifecycle: connect, authenticate, pump, and
// reconnect with linearly-scaled delay up to the attempt cap.
func (n *Notifier) run() {
	defer n.wg.Done()

	attempt := 0
	for {
		select {
		case <-n.done:
			return
		default:
		}

		conn, err := n.connect()
		if err != nil {
			attempt++
			if attempt > n.config.MaxReconnectAttempts {
				n.logger.Error().Err(err).
					Int("attempts", attempt-1).
					Msg("giving up on notification connection")
				return
			}
			delay := time.Duration(attempt) * n.config.ReconnectDelay
			n.logger.Warn().Err(err).
				Int("attempt", attempt).
				Dur("retry_in", delay).
				Msg("notification connection failed")

			select {
			case <-n.done:
				return
			case <-time.After(delay):
			}
			continue
		}

		attempt = 0
		n.ready.Store(true)
		n.logger.Info().Str("url", n.config.URL).Msg("notification connection ready")

		n.pump(conn)

		n.ready.Store(false)
		conn.Close()

		select {
		case <-n.done:
			return
		default:
			n.logger.Warn().Msg("notification connection lost")
		}
	}
}

// connect dials the server and performs the authenticate handshake.
func (n *Notifier) connect() (*websocket.Conn, error) {
	conn, err := n.dial()
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	auth, _ := json.Marshal(map[string]string{
		"user_id":  n.config.UserID,
		"agent_id": n.config.AgentID,
	})
	msg := Message{Type: MsgAuthenticate, Data: auth, Timestamp: time.Now().UTC()}

	conn.SetWriteDeadline(time.Now().Add(n.config.HandshakeTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send authenticate: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(n.config.HandshakeTimeout))
	var reply Message
	if err := conn.ReadJSON(&reply); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read handshake reply: %w", err)
	}
	if reply.Type != MsgAuthenticated {
		conn.Close()
		return nil, fmt.Errorf("unexpected handshake reply %q", reply.Type)
	}

	conn.SetWriteDeadline(time.Time{})
	conn.SetReadDeadline(time.Time{})
	return conn, nil
}

// pump runs the read and write loops until the connection breaks or the
// notifier is stopped.
func (n *Notifier) pump(conn *websocket.Conn) {
	readErr := make(chan struct{})
	pongs := make(chan struct{}, 4)

	go func() {
		defer close(readErr)
		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					n.logger.Debug().Err(err).Msg("notification read error")
				}
				return
			}
			if msg.Type == MsgPing {
				select {
				case pongs <- struct{}{}:
				default:
				}
			}
		}
	}()

	ticker := time.NewTicker(n.config.PingInterval)
	defer ticker.Stop()

	for {
		var msg Message
		select {
		case <-n.done:
			conn.SetWriteDeadline(time.Now().Add(n.config.WriteTimeout))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-readErr:
			return
		case <-pongs:
			msg = Message{Type: MsgPong, Timestamp: time.Now().UTC()}
		case <-ticker.C:
			msg = Message{Type: MsgPing, Timestamp: time.Now().UTC()}
		case msg = <-n.send:
		}

		conn.SetWriteDeadline(time.Now().Add(n.config.WriteTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			n.logger.Debug().Err(err).Msg("notification write error")
			return
		}
	}
}
