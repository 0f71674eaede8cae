package daemon

import (
	"context"
	"errors"
	"net/http"
	"time"

	"hub/internal/logging"
	"hub/internal/proc"
	"hub/internal/sshtun"
)

type Daemon struct {
	addr    string
	token   string
	version string
	logger  logging.Logger
	server  *http.Server

	orchestrator *Orchestrator
	workers      *WorkerRegistry
	gateway      *Gateway
}

func New(addr, token, version string, orchestrator *Orchestrator, workers *WorkerRegistry, gateway *Gateway, logger logging.Logger) *Daemon {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Daemon{
		addr:         addr,
		token:        token,
		version:      version,
		logger:       logger,
		orchestrator: orchestrator,
		workers:      workers,
		gateway:      gateway,
	}
}

func (d *Daemon) Run(ctx context.Context) error {
	api := &API{
		Version:      d.version,
		Orchestrator: d.orchestrator,
		Workers:      d.workers,
		Gateway:      d.gateway,
		Logger:       d.logger,
	}

	mux := http.NewServeMux()
	api.RegisterRoutes(mux)

	handler := TokenAuthMiddleware(d.token, mux)
	d.server = &http.Server{
		Addr:    d.addr,
		Handler: handler,
	}
	api.Shutdown = d.server.Shutdown

	go d.workers.ReconnectAll(context.Background())

	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("daemon_listening", logging.F("addr", "http://"+d.addr))
		errCh <- d.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := d.server.Shutdown(shutdownCtx)
		d.orchestrator.Close()
		return err
	case err := <-errCh:
		d.orchestrator.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewTunnelOpener adapts the concrete SSH tunnel to the shell-channel opener
// the remote process bridge expects.
func NewTunnelOpener(tunnel *sshtun.Tunnel) proc.ShellOpener {
	return tunnelOpener{tunnel: tunnel}
}

type tunnelOpener struct {
	tunnel *sshtun.Tunnel
}

func (t tunnelOpener) Shell(workerID string, cols, rows int) (proc.ShellChannel, error) {
	shell, err := t.tunnel.Shell(workerID, cols, rows)
	if err != nil {
		return nil, err
	}
	return shell, nil
}
