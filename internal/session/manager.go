package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/murmux/murmux/internal/observe"
	"github.com/murmux/murmux/pkg/transport"
	"github.com/murmux/murmux/pkg/voice"
)

// refuseTimeout bounds the delivery of a refusal event to a connection that
// is about to be closed.
const refuseTimeout = time.Second

// Refusal reasons reported to connections that never become sessions.
var (
	// ErrServerFull means the configured session limit was reached.
	ErrServerFull = voice.Errorf(voice.KindTransport, "session: server at capacity")

	// ErrShuttingDown means the server no longer admits sessions.
	ErrShuttingDown = voice.Errorf(voice.KindTransport, "session: server shutting down")
)

// ManagerOption configures a [Manager] during construction.
type ManagerOption func(*Manager)

// WithMaxSessions caps how many sessions may run at once. Zero or negative
// means unlimited, which is also the default. Adjustable at runtime with
// [Manager.SetMaxSessions].
func WithMaxSessions(n int) ManagerOption {
	return func(m *Manager) { m.max = n }
}

// WithManagerLogger sets the manager's logger, inherited by its sessions.
// The default is [slog.Default].
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithManagerMetrics sets the metrics instruments, inherited by sessions.
// The default is [observe.DefaultMetrics].
func WithManagerMetrics(mx *observe.Metrics) ManagerOption {
	return func(m *Manager) {
		if mx != nil {
			m.metrics = mx
		}
	}
}

// WithSessionOptions appends options applied to every session the manager
// creates.
func WithSessionOptions(opts ...Option) ManagerOption {
	return func(m *Manager) { m.sessionOpts = append(m.sessionOpts, opts...) }
}

// Manager runs the server's sessions: one per accepted connection, bounded
// by the configured limit, all closed together on shutdown. All methods are
// safe for concurrent use.
type Manager struct {
	cfg         Config
	log         *slog.Logger
	metrics     *observe.Metrics
	sessionOpts []Option

	mu     sync.Mutex
	live   map[string]*Session
	max    int
	closed bool
}

// NewManager creates a Manager handing every accepted connection the same
// pipeline configuration.
func NewManager(cfg Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:     cfg,
		log:     slog.Default(),
		metrics: observe.DefaultMetrics(),
		live:    make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Serve runs conn as one session, blocking until it ends. Connections
// refused for capacity or shutdown receive a best-effort error event before
// being closed, and the refusal is returned. For admitted connections Serve
// returns the session's end reason, nil when this side closed it.
func (m *Manager) Serve(ctx context.Context, conn transport.Conn) error {
	sess, err := m.admit(conn)
	if err != nil {
		m.refuse(conn, err)
		return err
	}

	m.metrics.SessionStarted(ctx)
	m.log.Info("session started",
		"session_id", sess.ID(),
		"active_sessions", m.Count(),
	)

	runErr := sess.Run(ctx)

	m.mu.Lock()
	delete(m.live, sess.ID())
	active := len(m.live)
	m.mu.Unlock()
	m.metrics.SessionEnded(ctx)

	if runErr != nil {
		m.log.Info("session ended",
			"session_id", sess.ID(),
			"active_sessions", active,
			"reason", runErr,
		)
	} else {
		m.log.Info("session ended",
			"session_id", sess.ID(),
			"active_sessions", active,
		)
	}
	return runErr
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// SetMaxSessions adjusts the admission limit at runtime. Lowering it under
// the live count refuses new connections without disturbing running
// sessions.
func (m *Manager) SetMaxSessions(n int) {
	m.mu.Lock()
	m.max = n
	m.mu.Unlock()
}

// AtCapacity reports whether the admission limit is currently reached.
// Unlimited managers are never at capacity.
func (m *Manager) AtCapacity() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.max > 0 && len(m.live) >= m.max
}

// UpdateConfig replaces the pipeline configuration used for sessions admitted
// after the call. Live sessions keep the pipeline they started with.
func (m *Manager) UpdateConfig(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// CloseAll stops admitting, closes every live session and waits for each to
// release its pipeline, bounded by ctx.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.live))
	for _, sess := range m.live {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	for _, sess := range sessions {
		_ = sess.Close()
	}
	for _, sess := range sessions {
		select {
		case <-sess.Done():
		case <-ctx.Done():
			return fmt.Errorf("session: close-all interrupted with %d sessions live: %w",
				m.Count(), ctx.Err())
		}
	}
	return nil
}

// admit reserves a slot and assembles the session while holding it, so the
// limit cannot be oversubscribed by concurrent accepts.
func (m *Manager) admit(conn transport.Conn) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrShuttingDown
	}
	if m.max > 0 && len(m.live) >= m.max {
		return nil, ErrServerFull
	}

	opts := append([]Option{WithLogger(m.log), WithMetrics(m.metrics)}, m.sessionOpts...)
	sess, err := New(conn, m.cfg, opts...)
	if err != nil {
		return nil, err
	}
	m.live[sess.ID()] = sess
	return sess, nil
}

// refuse tells the peer why it is being turned away and closes the
// connection.
func (m *Manager) refuse(conn transport.Conn, reason error) {
	ctx, cancel := context.WithTimeout(context.Background(), refuseTimeout)
	defer cancel()
	_ = conn.SendEvent(ctx, transport.Event{
		Type:    transport.EventError,
		Kind:    voice.KindOf(reason).String(),
		Message: reason.Error(),
	})
	_ = conn.Close()
	m.log.Debug("connection refused", "reason", reason)
}
