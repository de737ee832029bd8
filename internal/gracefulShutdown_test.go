package internal

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGracefulShutdownDrainsBeforeExit(t *testing.T) {
	drained := make(chan struct{})
	gs := NewGracefulShutdown(func() error {
		close(drained)
		return nil
	})

	// Liveness flips as soon as draining starts, the way each service main
	// wires its health endpoint: a draining pod must stop taking traffic
	// before the bus subscriptions are torn down.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if gs.ShuttingDown() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	res, err := http.Get(srv.URL)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	gs.Shutdown()
	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown tasks did not run")
	}
	gs.Wait()
	assert.True(t, gs.ShuttingDown())

	res, err = http.Get(srv.URL)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
}

func TestGracefulShutdownSecondTriggerIsNoOp(t *testing.T) {
	calls := 0
	gs := NewGracefulShutdown(func() error {
		calls++
		return nil
	})

	gs.Shutdown()
	gs.Wait()

	// Already draining: must neither block nor re-run the shutdown tasks.
	gs.Shutdown()
	assert.Equal(t, 1, calls)
	assert.True(t, gs.ShuttingDown())
}
