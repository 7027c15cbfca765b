// Package natstest starts an embedded NATS server for tests.
package natstest

import (
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

// Start runs a NATS server on a random local port until the test ends.
func Start(tb testing.TB) *natsserver.Server {
	tb.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{
		Host:           "127.0.0.1",
		Port:           -1,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 2048,
	})
	require.NoError(tb, err)

	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		tb.Fatal("NATS server not ready")
	}
	tb.Cleanup(func() {
		srv.Shutdown()
		srv.WaitForShutdown()
	})
	return srv
}

// Connect starts a server and returns a connection to it.
func Connect(tb testing.TB) (*natsserver.Server, *nats.Conn) {
	tb.Helper()
	srv := Start(tb)
	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(tb, err)
	tb.Cleanup(nc.Close)
	return srv, nc
}
