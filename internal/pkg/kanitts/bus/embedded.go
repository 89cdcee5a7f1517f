package bus

import (
	"fmt"
	"net"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/rs/zerolog"
)

// EmbeddedServer is an in-process NATS server for single-host deployments.
type EmbeddedServer struct {
	ns  *server.Server
	log zerolog.Logger
}

// StartEmbedded starts a NATS server on port. A port of -1 picks a free one.
func StartEmbedded(port int, log zerolog.Logger) (*EmbeddedServer, error) {
	opts := &server.Options{
		Host:   "0.0.0.0",
		Port:   port,
		NoSigs: true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server failed to start within 5 seconds")
	}

	log = log.With().Str("component", "nats-server").Logger()
	e := &EmbeddedServer{ns: ns, log: log}
	log.Info().Str("url", e.ClientURL()).Msg("Embedded NATS server started")

	return e, nil
}

// ClientURL is the loopback URL of the listener.
func (e *EmbeddedServer) ClientURL() string {
	if addr, ok := e.ns.Addr().(*net.TCPAddr); ok {
		return fmt.Sprintf("nats://127.0.0.1:%d", addr.Port)
	}
	return e.ns.ClientURL()
}

func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info().Msg("Shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
