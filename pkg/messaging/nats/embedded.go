package nats

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// EmbeddedServer runs a NATS server with JetStream inside the process. It
// is used by tests and by single-binary deployments.
type EmbeddedServer struct {
	opts   *server.Options
	server *server.Server
	tmpDir string
}

// EmbeddedOption configures an EmbeddedServer.
type EmbeddedOption func(*server.Options)

// WithStoreDir sets the JetStream storage directory. By default a temporary
// directory is created and removed on shutdown.
func WithStoreDir(dir string) EmbeddedOption {
	return func(o *server.Options) { o.StoreDir = dir }
}

// WithPort sets the client port. -1 picks a free port.
func WithPort(port int) EmbeddedOption {
	return func(o *server.Options) { o.Port = port }
}

// NewEmbeddedServer configures a server without starting it.
func NewEmbeddedServer(opts ...EmbeddedOption) *EmbeddedServer {
	o := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		NoLog:     true,
		NoSigs:    true,
	}
	for _, opt := range opts {
		opt(o)
	}
	return &EmbeddedServer{opts: o}
}

// StartEmbeddedServer creates and starts a server with defaults.
func StartEmbeddedServer(opts ...EmbeddedOption) (*EmbeddedServer, error) {
	s := NewEmbeddedServer(opts...)
	if err := s.Start(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (e *EmbeddedServer) Name() string { return "nats-embedded" }

// Start boots the server and waits until it accepts connections.
func (e *EmbeddedServer) Start(ctx context.Context) error {
	if e.opts.StoreDir == "" {
		dir, err := os.MkdirTemp("", "eventengine-nats-*")
		if err != nil {
			return fmt.Errorf("create jetstream dir: %w", err)
		}
		e.opts.StoreDir = dir
		e.tmpDir = dir
	}

	s, err := server.NewServer(e.opts)
	if err != nil {
		return fmt.Errorf("create embedded nats: %w", err)
	}
	go s.Start()

	wait := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		wait = time.Until(deadline)
	}
	if !s.ReadyForConnections(wait) {
		s.Shutdown()
		return fmt.Errorf("embedded nats not ready after %s", wait)
	}
	e.server = s
	return nil
}

// URL returns the client URL.
func (e *EmbeddedServer) URL() string {
	if e.server == nil {
		return ""
	}
	return e.server.ClientURL()
}

// Stop shuts the server down and removes its temporary storage.
func (e *EmbeddedServer) Stop(context.Context) error {
	e.Shutdown()
	return nil
}

// Shutdown stops the server and waits for it to exit.
func (e *EmbeddedServer) Shutdown() {
	if e.server != nil {
		e.server.Shutdown()
		e.server.WaitForShutdown()
		e.server = nil
	}
	if e.tmpDir != "" {
		os.RemoveAll(e.tmpDir)
		e.tmpDir = ""
	}
}
