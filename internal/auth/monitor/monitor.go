package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	apierr "github.com/victorgomez09/posauth/internal/auth"
	"github.com/victorgomez09/posauth/internal/auth/models"
)

// Store is the slice of the credential store the monitor reads and writes.
type Store interface {
	GetCurrentSession(ctx context.Context) (*models.Session, error)
	ExpireSession(ctx context.Context, token string, idleBefore, at time.Time) (bool, error)
}

// Event is published when the monitor expires the current session.
type Event struct {
	Token     string    `json:"-"`
	UserID    string    `json:"user_id"`
	ExpiredAt time.Time `json:"expired_at"`
}

type Config struct {
	CheckInterval     time.Duration
	InactivityTimeout time.Duration
	Now               func() time.Time
}

func DefaultConfig() Config {
	return Config{
		CheckInterval:     time.Minute,
		InactivityTimeout: 8 * time.Hour,
	}
}

// SessionMonitor expires the current session once it has been idle longer than the
// inactivity timeout. Idle time is always computed from the persisted last activity,
// so a restarted process picks up where the previous one left off.
type SessionMonitor struct {
	store  Store
	config Config
	logger *zap.Logger

	mu          sync.Mutex
	subscribers map[uint64]func(Event)
	nextID      uint64
	base        context.Context
	cancel      context.CancelFunc
	done        chan struct{}
}

func NewSessionMonitor(store Store, config Config, logger *zap.Logger) *SessionMonitor {
	defaults := DefaultConfig()
	if config.CheckInterval <= 0 {
		config.CheckInterval = defaults.CheckInterval
	}
	if config.InactivityTimeout <= 0 {
		config.InactivityTimeout = defaults.InactivityTimeout
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &SessionMonitor{
		store:       store,
		config:      config,
		logger:      logger,
		subscribers: make(map[uint64]func(Event)),
		base:        context.Background(),
	}
}

// Start begins periodic checks. It is a no-op while the monitor is already running.
// The first check runs immediately.
func (m *SessionMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		return
	}
	m.base = ctx

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel, m.done = cancel, done

	go m.run(runCtx, done)
	m.logger.Debug("Session monitor started", zap.Duration("interval", m.config.CheckInterval))
}

// Bind sets the context that restarts on login derive from, without starting checks.
// Once ctx is cancelled a login no longer restarts the monitor.
func (m *SessionMonitor) Bind(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.base = ctx
}

// Stop halts periodic checks and waits for an in-flight check to finish.
func (m *SessionMonitor) Stop() {
	if done := m.halt(); done != nil {
		<-done
		m.logger.Debug("Session monitor stopped")
	}
}

// Running reports whether periodic checks are active.
func (m *SessionMonitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

// halt cancels the loop without waiting for it. It returns the loop's done channel, or nil
// if the monitor was not running.
func (m *SessionMonitor) halt() chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel == nil {
		return nil
	}
	m.cancel()
	done := m.done
	m.cancel, m.done = nil, nil
	return done
}

func (m *SessionMonitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer m.finished(done)

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		if _, err := m.Check(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error("Session check failed", zap.Error(err))
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// finished clears the running state if the loop identified by done exits because its
// parent context was cancelled.
func (m *SessionMonitor) finished(done chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done == done {
		m.cancel()
		m.cancel, m.done = nil, nil
	}
}

// Check runs a single inactivity check against the persisted current session and reports
// whether it expired the session. A session superseded between the read and the write is
// left alone.
func (m *SessionMonitor) Check(ctx context.Context) (bool, error) {
	session, err := m.store.GetCurrentSession(ctx)
	if errors.Is(err, apierr.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !session.Active() {
		return false, nil
	}

	now := m.config.Now()
	idle := session.IdleFor(now)
	if idle <= m.config.InactivityTimeout {
		return false, nil
	}

	expired, err := m.store.ExpireSession(ctx, session.Token, now.Add(-m.config.InactivityTimeout), now)
	if err != nil {
		return false, err
	}
	if !expired {
		m.logger.Debug("Session changed before it could be expired")
		return false, nil
	}

	m.logger.Info("Session expired for inactivity",
		zap.String("user_id", session.UserID),
		zap.Duration("idle", idle))
	m.publish(Event{Token: session.Token, UserID: session.UserID, ExpiredAt: now})
	return true, nil
}

// Subscribe registers fn for expiry events. The returned function removes it.
// Subscribers are called synchronously from the checking goroutine.
func (m *SessionMonitor) Subscribe(fn func(Event)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.subscribers[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subscribers, id)
			m.mu.Unlock()
		})
	}
}

func (m *SessionMonitor) publish(e Event) {
	m.mu.Lock()
	subs := make([]func(Event), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(e)
	}
}

// SessionStarted restarts the monitor for a new login.
func (m *SessionMonitor) SessionStarted(session models.Session) {
	m.mu.Lock()
	base := m.base
	m.mu.Unlock()

	m.Start(base)
}

// SessionEnded stops the monitor after logout. It does not wait for an in-flight check,
// so it is safe to call from a subscriber.
func (m *SessionMonitor) SessionEnded(token string) {
	m.halt()
}
