package pin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// NeverExpires disables the in-memory PIN timeout.
const NeverExpires = -1

// DefaultTimeoutMinutes applies when no timeout source is configured.
const DefaultTimeoutMinutes = 5

// SecretStore persists a remembered PIN. Implementations encrypt at rest.
type SecretStore interface {
	LoadPin(ctx context.Context) (string, bool, error)
	SavePin(ctx context.Context, pin string) error
	ClearPin(ctx context.Context) error
}

// TimeoutFunc returns the current timeout policy in minutes, or NeverExpires.
type TimeoutFunc func() int

// Manager owns the PIN used to unwrap account keys. All state changes happen
// under mu so the expiry check and the clear that follows are atomic.
type Manager struct {
	mu         sync.Mutex
	pin        string
	acquiredAt time.Time
	remember   bool

	secrets SecretStore
	timeout TimeoutFunc
	now     func() time.Time
	logger  *slog.Logger
}

// NewManager builds a Manager. secrets and timeout may be nil.
func NewManager(secrets SecretStore, timeout TimeoutFunc, logger *slog.Logger) *Manager {
	if timeout == nil {
		timeout = func() int { return DefaultTimeoutMinutes }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		secrets: secrets,
		timeout: timeout,
		now:     time.Now,
		logger:  logger,
	}
}

// SetPin stores pin in memory. A remember request is held until CommitPending
// confirms the PIN unwrapped a key; without remember any persisted PIN is cleared.
func (m *Manager) SetPin(ctx context.Context, pin string, remember bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pin = pin
	m.acquiredAt = m.now()
	m.remember = remember

	if remember || m.secrets == nil {
		return nil
	}
	if err := m.secrets.ClearPin(ctx); err != nil {
		return fmt.Errorf("clear persisted pin: %w", err)
	}
	return nil
}

// CommitPending persists the in-memory PIN if the last SetPin asked to remember it.
func (m *Manager) CommitPending(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.remember || m.pin == "" {
		return nil
	}
	m.remember = false
	if m.secrets == nil {
		return nil
	}
	if err := m.secrets.SavePin(ctx, m.pin); err != nil {
		return fmt.Errorf("persist pin: %w", err)
	}
	m.logger.Debug("pin remembered")
	return nil
}

// ClearPin wipes the in-memory PIN and any persisted copy.
func (m *Manager) ClearPin(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.clearMemory()
	if m.secrets == nil {
		return nil
	}
	if err := m.secrets.ClearPin(ctx); err != nil {
		return fmt.Errorf("clear persisted pin: %w", err)
	}
	return nil
}

// GetPin returns the live in-memory PIN, falling back to a persisted one.
func (m *Manager) GetPin(ctx context.Context) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expireLocked()
	if m.pin != "" {
		return m.pin, true
	}
	if m.secrets == nil {
		return "", false
	}

	pin, ok, err := m.secrets.LoadPin(ctx)
	if err != nil {
		m.logger.Warn("failed to load persisted pin", "error", err)
		return "", false
	}
	return pin, ok && pin != ""
}

// HasPin reports whether a non-expired PIN is held in memory.
func (m *Manager) HasPin() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expireLocked()
	return m.pin != ""
}

func (m *Manager) expireLocked() {
	if m.pin == "" {
		return
	}
	minutes := m.timeout()
	if minutes == NeverExpires {
		return
	}
	if m.now().Sub(m.acquiredAt).Milliseconds() > int64(minutes)*60000 {
		m.logger.Debug("pin expired", "timeout_minutes", minutes)
		m.clearMemory()
	}
}

func (m *Manager) clearMemory() {
	m.pin = ""
	m.acquiredAt = time.Time{}
	m.remember = false
}
