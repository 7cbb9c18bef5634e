// Package process runs external tools and handles process lifecycle signals
package process

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/catkinbloom/catkinbloom/pkg/logger"
)

// Manager turns termination signals into context cancellation.
// Cancellation is cooperative: it stops new work from being dispatched but
// never interrupts a tool that is already running. Tools started through
// ExecRunner live in their own process group and do not receive the
// terminal's signals; a signal sent to the whole session still reaches them.
type Manager struct {
	logger           logger.Logger
	shutdownHandlers []func()
	signals          []os.Signal
	stop             chan struct{}
	wg               sync.WaitGroup
	mu               sync.Mutex
	running          bool
}

// NewManager creates a new process manager
func NewManager(log logger.Logger) *Manager {
	return &Manager{
		logger:  log,
		signals: []os.Signal{os.Interrupt, syscall.SIGTERM, syscall.SIGHUP},
	}
}

// RegisterShutdownHandler adds a handler run when a signal is received
func (m *Manager) RegisterShutdownHandler(handler func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.shutdownHandlers = append(m.shutdownHandlers, handler)
}

// Start begins listening for signals and returns a context that is cancelled
// on the first one. Calling Start on a running manager returns ctx unchanged.
func (m *Manager) Start(ctx context.Context) context.Context {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ctx
	}
	m.running = true
	m.stop = make(chan struct{})
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, m.signals...)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer signal.Stop(sigChan)

		select {
		case <-m.stop:
			cancel()
		case <-ctx.Done():
		case sig := <-sigChan:
			m.logger.Warn("Received signal, no new builds will be started",
				logger.WithField("signal", sig))
			cancel()
			m.handleShutdown()
		}
	}()

	return ctx
}

// Stop stops listening for signals
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stop)
	m.mu.Unlock()

	m.wg.Wait()
}

// IsRunning checks if the process manager is running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) handleShutdown() {
	m.mu.Lock()
	handlers := make([]func(), len(m.shutdownHandlers))
	copy(handlers, m.shutdownHandlers)
	m.mu.Unlock()

	// Reverse registration order
	for i := len(handlers) - 1; i >= 0; i-- {
		handlers[i]()
	}
}
