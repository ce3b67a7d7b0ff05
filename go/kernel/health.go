package kernel

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// PanicSignal is the read side of the database panic latch. Subsystems check
// it before starting work that would wait on collaborators which may never
// respond once the database has panicked.
type PanicSignal interface {
	AssertNoPanic() error
}

// Health is the engine-wide panic latch. Any subsystem which detects fatal
// corruption or I/O loss latches it exactly once; every later assertion fails
// with the original cause. The latch is one-way: there is no reset.
type Health struct {
	logger *log.Logger

	mu    sync.Mutex
	cause error
}

func NewHealth(logger *log.Logger) *Health {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Health{logger: logger}
}

// Panic latches the given cause. Only the first call wins; subsequent causes
// are logged but do not replace the original.
func (h *Health) Panic(cause error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cause != nil {
		h.logger.WithField("error", cause).Error("database already panicked; ignoring subsequent cause")
		return
	}
	h.cause = cause
	h.logger.WithField("error", cause).Error("database panicked")
}

// AssertNoPanic returns an error wrapping the panic cause if the latch is
// set, and nil otherwise.
func (h *Health) AssertNoPanic() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cause != nil {
		return fmt.Errorf("database is in a panicked state: %w", h.cause)
	}
	return nil
}

// IsHealthy reports whether the latch is unset.
func (h *Health) IsHealthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cause == nil
}
