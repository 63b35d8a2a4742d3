package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/basecore/eventpipe/monitor"
	monitorhttp "github.com/basecore/eventpipe/monitor/http"
	"github.com/prometheus/client_golang/prometheus"
)

const shutdownTimeout = 5 * time.Second

// metricsServer serves the monitor API and /metrics.
type metricsServer struct {
	srv    *http.Server
	logger *slog.Logger
}

func newMetricsServer(addr string, svc *monitor.Service, logger *slog.Logger) *metricsServer {
	if addr == "" {
		return nil
	}
	// The default registry carries the relay, worker and runtime metrics.
	reg := prometheus.NewRegistry()
	reg.MustRegister(monitor.NewCollector(svc))
	gatherer := prometheus.Gatherers{prometheus.DefaultGatherer, reg}
	return &metricsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           monitorhttp.New(svc, monitorhttp.WithGatherer(gatherer)),
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// run serves until ctx is cancelled.
func (m *metricsServer) run(ctx context.Context) error {
	if m == nil {
		<-ctx.Done()
		return nil
	}

	errc := make(chan error, 1)
	go func() {
		m.logger.Info("metrics server listening", "addr", m.srv.Addr)
		errc <- m.srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := m.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
