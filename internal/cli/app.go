package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gregLibert/ese-hal/internal/config"
	"github.com/gregLibert/ese-hal/pkg/iso7816"
	"github.com/gregLibert/ese-hal/pkg/logger"
	"github.com/gregLibert/ese-hal/pkg/pcsc"
	"github.com/gregLibert/ese-hal/pkg/se"
	"github.com/gregLibert/ese-hal/pkg/sim"
)

// app holds what a command needs: the engine, its logger and the metrics endpoint.
type app struct {
	cfg      *config.Config
	log      logger.Logger
	engine   *se.Engine
	gate     *se.DedicatedMode
	registry *prometheus.Registry
	server   *http.Server
	// metricsAddr is the address the metrics endpoint listens on, once up.
	metricsAddr string
	traces      []iso7816.Trace
}

func newApp(cfg *config.Config, logOut io.Writer) (*app, error) {
	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg: cfg,
		log: logger.New(logger.Options{
			Level:  level,
			Format: logger.Format(cfg.Logging.Format),
			Output: logOut,
		}),
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(collectors.NewGoCollector())

	version, err := cfg.Engine.Version()
	if err != nil {
		return nil, err
	}

	transport, err := a.transport(version)
	if err != nil {
		return nil, err
	}

	opts := []se.Option{
		se.WithLogger(a.log.With("component", "engine")),
		se.WithMetrics(se.NewMetrics(a.registry)),
		se.WithMaxChainLength(cfg.Engine.MaxChainLength),
		se.WithExchangeObserver(a.observe),
	}
	if version != nil {
		opts = append(opts, se.WithOSVersion(*version))
	}

	aid, err := cfg.Engine.DedicatedAIDBytes()
	if err != nil {
		return nil, err
	}
	if aid != nil {
		a.gate = &se.DedicatedMode{AID: aid}
		opts = append(opts, se.WithGate(a.gate))
	}

	a.engine = se.New(transport, opts...)
	return a, nil
}

func (a *app) transport(version *se.OSVersion) (se.Transport, error) {
	switch a.cfg.Transport.Kind {
	case config.TransportPCSC:
		opts := []pcsc.Option{pcsc.WithLogger(a.log.With("component", "pcsc"))}
		if version != nil {
			opts = append(opts, pcsc.WithOSVersion(*version))
		}
		return pcsc.New(a.cfg.Transport.Reader, opts...), nil
	case config.TransportSim:
		opts, err := a.cfg.Simulator.Options()
		if err != nil {
			return nil, err
		}
		if version != nil {
			opts = append(opts, sim.WithOSVersion(*version))
		}
		return sim.New(opts...), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", a.cfg.Transport.Kind)
	}
}

func (a *app) observe(t iso7816.Trace) {
	a.traces = append(a.traces, t)
}

// lastSelect returns the report of the last SELECT seen by the engine.
func (a *app) lastSelect() (*iso7816.SelectResult, bool) {
	for i := len(a.traces) - 1; i >= 0; i-- {
		if sr, err := iso7816.NewSelectResult(a.traces[i]); err == nil {
			return sr, true
		}
	}
	return nil, false
}

// serveMetrics exposes the registry when an address is configured.
func (a *app) serveMetrics() error {
	if a.cfg.Metrics.Address == "" {
		return nil
	}

	ln, err := net.Listen("tcp", a.cfg.Metrics.Address)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	a.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics server stopped", "error", err)
		}
	}()

	a.metricsAddr = ln.Addr().String()
	a.log.Info("metrics endpoint up", "address", a.metricsAddr, "path", a.cfg.Metrics.Path)
	return nil
}

// close releases every channel still open, which tears the session down, and stops the
// metrics endpoint.
func (a *app) close() error {
	for _, ch := range a.engine.State().Open {
		if st := a.engine.CloseChannel(ch); st != se.Success {
			a.log.Warn("channel not closed cleanly", "channel", ch, "status", st.String())
		}
	}

	if a.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.server.Shutdown(ctx)
}
