package shutdown

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type recordingComponent struct {
	name  string
	order *[]string
	mu    *sync.Mutex
	err   error
	delay time.Duration
}

func (c *recordingComponent) Name() string { return c.name }

func (c *recordingComponent) Shutdown(ctx context.Context) error {
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	*c.order = append(*c.order, c.name)
	c.mu.Unlock()
	return c.err
}

func TestShutdownStopsComponentsInReverseOrder(t *testing.T) {
	var order []string
	var mu sync.Mutex

	c := NewCoordinator(WithTimeout(time.Second))
	c.Register(&recordingComponent{name: "store", order: &order, mu: &mu})
	c.Register(&recordingComponent{name: "engine", order: &order, mu: &mu})
	c.Register(&recordingComponent{name: "api", order: &order, mu: &mu})

	c.Shutdown()
	c.Wait()

	assert.Equal(t, []string{"api", "engine", "store"}, order)
	assert.Equal(t, 0, c.ExitCode())
}

func TestShutdownIsIdempotent(t *testing.T) {
	var order []string
	var mu sync.Mutex

	c := NewCoordinator(WithTimeout(time.Second))
	c.Register(&recordingComponent{name: "only", order: &order, mu: &mu})

	c.Shutdown()
	c.Shutdown()
	c.Wait()

	assert.Equal(t, []string{"only"}, order)
}

func TestShutdownComponentErrorSetsExitCode(t *testing.T) {
	var order []string
	var mu sync.Mutex

	c := NewCoordinator(WithTimeout(time.Second))
	c.Register(&recordingComponent{name: "broken", order: &order, mu: &mu, err: errors.New("boom")})

	c.Shutdown()
	c.Wait()

	assert.Equal(t, 1, c.ExitCode())
}

func TestShutdownTimeoutAbandonsRemaining(t *testing.T) {
	var order []string
	var mu sync.Mutex

	c := NewCoordinator(WithTimeout(50 * time.Millisecond))
	c.Register(&recordingComponent{name: "never-reached", order: &order, mu: &mu})
	c.Register(&recordingComponent{name: "slow", order: &order, mu: &mu, delay: time.Hour})

	done := make(chan struct{})
	go func() {
		c.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not respect its timeout")
	}
	assert.Equal(t, 1, c.ExitCode())
}

func TestWaitForSignalTriggersShutdown(t *testing.T) {
	var order []string
	var mu sync.Mutex

	sigCh := make(chan os.Signal, 1)
	c := NewCoordinator(WithTimeout(time.Second), WithSignalChannel(sigCh))
	c.Register(&recordingComponent{name: "only", order: &order, mu: &mu})

	go c.WaitForSignal()
	sigCh <- syscall.SIGTERM

	c.Wait()
	assert.Equal(t, []string{"only"}, order)
}
