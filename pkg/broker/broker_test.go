package broker

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samsamfire/busd/internal/config"
	"github.com/samsamfire/busd/pkg/conn"
)

// newTestBroker returns a Broker with the default configuration, shut
// down when the test finishes.
func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	cfg := config.Default()
	b := New(cfg, nil)
	t.Cleanup(b.Shutdown)
	return b
}

func mustConnect(t *testing.T, b *Broker, opts HelloOptions) *conn.Connection {
	t.Helper()
	c, err := b.Connect(opts)
	require.NoError(t, err)
	return c
}
