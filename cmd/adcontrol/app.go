package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"adcontrol/internal/blob"
	"adcontrol/internal/config"
	"adcontrol/internal/core"
	"adcontrol/internal/observability"
	"adcontrol/internal/persistence"
	"adcontrol/internal/session"
)

type app struct {
	cfg      config.Config
	logger   *slog.Logger
	store    persistence.Store
	svc      *core.Service
	registry *prometheus.Registry
	expvar   *observability.ExpvarMetricsRecorder
}

// open resolves configuration and builds the host context around the durable
// session record.
func open(ctx context.Context, stderr io.Writer) (*app, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	store, err := persistence.Open(ctx, cfg.Session)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	blobs, err := blob.Open(ctx)
	if err != nil {
		closeStore(store)
		return nil, fmt.Errorf("open preview store: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, store: store}

	var metrics observability.MetricsRecorder = observability.NopMetrics{}
	switch cfg.Metrics {
	case config.MetricsExpvar:
		a.expvar = observability.NewExpvarMetricsRecorder("")
		metrics = a.expvar
	case config.MetricsPrometheus:
		a.registry = prometheus.NewRegistry()
		rec, err := observability.NewPrometheusRecorder(a.registry)
		if err != nil {
			closeStore(store)
			return nil, err
		}
		metrics = rec
	}

	holder := session.New(ctx, store, session.WithLogger(logger))
	a.svc = core.NewService(cfg.APIBase, holder,
		core.WithLogger(logger),
		core.WithMetrics(metrics),
		core.WithHTTPClient(httpClient(cfg)),
		core.WithBlobStore(blobs),
		core.WithPreviewConcurrency(cfg.PreviewConcurrency),
		core.WithCascadeCapacity(cfg.CascadeCapacity),
		core.WithNoticeTTL(cfg.NoticeTTL),
	)
	if a.registry != nil {
		if err := a.svc.Previews().RegisterMetrics(a.registry); err != nil {
			a.close(ctx)
			return nil, err
		}
	}
	logger.Debug("client ready", "api", cfg.APIBase, "session_driver", store.Driver(), "blob_driver", blobs.Driver(), "metrics", cfg.Metrics)
	return a, nil
}

func (a *app) close(ctx context.Context) {
	a.svc.Close(ctx)
	closeStore(a.store)
}

func closeStore(store persistence.Store) {
	if c, ok := store.(interface{ Close() error }); ok {
		_ = c.Close()
	}
}

// writeMetrics prints a one-line summary per series when a metrics exporter is enabled.
func (a *app) writeMetrics(w io.Writer) {
	if a.expvar != nil {
		snap := a.expvar.Snapshot()
		ops := make([]string, 0, len(snap.Results))
		for op := range snap.Results {
			ops = append(ops, op)
		}
		sort.Strings(ops)
		for _, op := range ops {
			r := snap.Results[op]
			_, _ = fmt.Fprintf(w, "metric %s ok=%d error=%d total_ms=%.1f\n", op, r["success"], r["error"], snap.DurationsMS[op])
		}
		return
	}
	if a.registry == nil {
		return
	}
	families, err := a.registry.Gather()
	if err != nil {
		a.logger.Warn("gather metrics failed", "error", err)
		return
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			labels := make([]string, 0, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			value := m.GetCounter().GetValue()
			if h := m.GetHistogram(); h != nil {
				value = float64(h.GetSampleCount())
			}
			_, _ = fmt.Fprintf(w, "metric %s{%s} %g\n", mf.GetName(), strings.Join(labels, ","), value)
		}
	}
}
