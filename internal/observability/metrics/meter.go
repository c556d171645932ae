// Copyright 2026 The OneIDP Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/oneidp/oneidp/internal/audit"
)

// Config holds metrics configuration
type Config struct {
	Enabled bool
}

// Meter wraps the OpenTelemetry meter.
type Meter struct {
	meter metric.Meter
}

// New creates a new meter instance
func New(ctx context.Context, cfg Config, serviceName string) (*Meter, error) {
	if !cfg.Enabled {
		return &Meter{meter: otel.Meter("noop")}, nil
	}
	return &Meter{meter: otel.Meter(serviceName)}, nil
}

// GetMeter returns the underlying meter
func (m *Meter) GetMeter() metric.Meter {
	return m.meter
}

// AuditCountingLogger decorates an audit logger with a counter per
// event type. Every bind, approval, token issue and bot connect shows
// up as a metric without the services knowing about metrics.
type AuditCountingLogger struct {
	inner   audit.Logger
	counter metric.Int64Counter
}

// WrapAuditLogger attaches event counting to the given audit logger.
// On instrument failure the inner logger is returned unwrapped.
func (m *Meter) WrapAuditLogger(inner audit.Logger) audit.Logger {
	counter, err := m.meter.Int64Counter(
		"oneidp.audit.events",
		metric.WithDescription("Audit events by type"),
	)
	if err != nil {
		return inner
	}
	return &AuditCountingLogger{inner: inner, counter: counter}
}

// Log implements audit.Logger.
func (l *AuditCountingLogger) Log(ctx context.Context, event audit.Event) {
	l.counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", event.Type),
	))
	l.inner.Log(ctx, event)
}
