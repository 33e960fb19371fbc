// Package shutdown coordinates graceful termination of the orchestrator's
// loops and servers on SIGTERM/SIGINT.
package shutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// DefaultTimeout bounds a full graceful shutdown.
const DefaultTimeout = 30 * time.Second

// Component is anything the coordinator stops during shutdown.
type Component interface {
	// Name identifies the component in logs.
	Name() string
	// Shutdown stops the component, returning before the context deadline.
	Shutdown(ctx context.Context) error
}

// Func adapts a stop function into a Component.
type Func struct {
	ComponentName string
	Stop          func(ctx context.Context) error
}

func (f Func) Name() string { return f.ComponentName }

func (f Func) Shutdown(ctx context.Context) error { return f.Stop(ctx) }

// Coordinator stops registered components in reverse registration order when
// a termination signal arrives.
type Coordinator struct {
	timeout time.Duration
	logger  *slog.Logger

	mu         sync.Mutex
	components []Component

	signalCh chan os.Signal

	once     sync.Once
	done     chan struct{}
	exitCode int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout sets the shutdown timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) { c.timeout = timeout }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithSignalChannel injects a signal channel, for tests.
func WithSignalChannel(ch chan os.Signal) Option {
	return func(c *Coordinator) { c.signalCh = ch }
}

// NewCoordinator creates a shutdown coordinator.
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		timeout: DefaultTimeout,
		logger:  slog.Default(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds a component. Components stop in reverse registration order,
// so register foundations (the store) before things built on them (loops,
// HTTP).
func (c *Coordinator) Register(component Component) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components = append(c.components, component)
	c.logger.Debug("registered shutdown component", "name", component.Name())
}

// WaitForSignal blocks until SIGTERM or SIGINT, then shuts down.
func (c *Coordinator) WaitForSignal() {
	sigCh := c.signalCh
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}

	sig := <-sigCh
	c.logger.Info("received shutdown signal", "signal", sig)
	c.Shutdown()
}

// Shutdown stops every registered component within the timeout. Components
// stop one at a time, newest first, so the loops drain before the store
// closes underneath them.
func (c *Coordinator) Shutdown() {
	c.once.Do(func() {
		c.logger.Info("initiating graceful shutdown", "timeout", c.timeout)

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		c.mu.Lock()
		components := make([]Component, len(c.components))
		copy(components, c.components)
		c.mu.Unlock()

		for i := len(components) - 1; i >= 0; i-- {
			comp := components[i]

			select {
			case <-ctx.Done():
				c.logger.Warn("shutdown timeout exceeded, abandoning remaining components",
					"remaining", i+1,
				)
				c.exitCode = 1
				close(c.done)
				return
			default:
			}

			c.logger.Info("shutting down component", "name", comp.Name())
			if err := comp.Shutdown(ctx); err != nil {
				c.logger.Error("component shutdown error",
					"name", comp.Name(),
					"error", err,
				)
				c.exitCode = 1
			}
		}

		c.logger.Info("shutdown complete")
		close(c.done)
	})
}

// Wait blocks until shutdown finishes.
func (c *Coordinator) Wait() {
	<-c.done
}

// ExitCode reports 0 for a clean shutdown, 1 otherwise.
func (c *Coordinator) ExitCode() int {
	return c.exitCode
}
