// Package alert implements alert dispatching to multiple sinks.
package alert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/dwsmith1983/ferry/internal/metrics"
	"github.com/dwsmith1983/ferry/internal/objectstore"
	"github.com/dwsmith1983/ferry/pkg/types"
)

// Sink is an alert destination.
type Sink interface {
	Send(ctx context.Context, alert types.Alert) error
	Name() string
}

// Dispatcher routes alerts to configured sinks.
type Dispatcher struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher from alert configs. objects backs the
// s3 sink and may be nil when none is configured.
func NewDispatcher(configs []types.AlertConfig, objects objectstore.Store, logger *slog.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{logger: logger}
	for _, cfg := range configs {
		sink, err := newSink(cfg, objects)
		if err != nil {
			return nil, fmt.Errorf("creating %s sink: %w", cfg.Type, err)
		}
		d.sinks = append(d.sinks, sink)
	}
	return d, nil
}

// Dispatch sends an alert to all configured sinks. Sink failures are logged.
func (d *Dispatcher) Dispatch(ctx context.Context, alert types.Alert) {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}
	for _, sink := range d.sinks {
		if err := sink.Send(ctx, alert); err != nil {
			metrics.AlertsFailed.Add(1)
			d.logger.Error("alert delivery failed", "sink", sink.Name(), "execution", alert.ExecutionID, "error", err)
			continue
		}
		metrics.AlertsDispatched.Add(1)
	}
}

// AlertFunc returns Dispatch as a plain callback.
func (d *Dispatcher) AlertFunc() func(context.Context, types.Alert) {
	return d.Dispatch
}

// Close releases sinks that hold resources, such as the file sink.
func (d *Dispatcher) Close() error {
	var errs []error
	for _, sink := range d.sinks {
		if c, ok := sink.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing %s sink: %w", sink.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

func newSink(cfg types.AlertConfig, objects objectstore.Store) (Sink, error) {
	switch cfg.Type {
	case types.AlertConsole:
		return NewConsoleSink(os.Stdout), nil
	case types.AlertWebhook:
		if cfg.URL == "" {
			return nil, fmt.Errorf("webhook URL required")
		}
		return NewWebhookSink(cfg.URL), nil
	case types.AlertFile:
		if cfg.Path == "" {
			return nil, fmt.Errorf("file path required")
		}
		return NewFileSink(cfg.Path)
	case types.AlertS3:
		if objects == nil {
			return nil, fmt.Errorf("object store required")
		}
		return NewArchiveSink(objects, cfg.Prefix), nil
	default:
		return nil, fmt.Errorf("unknown alert type %q", cfg.Type)
	}
}
