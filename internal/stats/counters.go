// Package stats exposes process-wide counters through Prometheus.
package stats

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Options struct {
	// Registry defaults to a fresh registry with Go and process collectors.
	Registry  *prometheus.Registry
	Namespace string
}

// Counters is a named-counter facade over a single CounterVec.
type Counters struct {
	reg    *prometheus.Registry
	ns     string
	events *prometheus.CounterVec
}

func New(opts Options) (*Counters, error) {
	ns := strings.TrimSpace(opts.Namespace)
	if ns == "" {
		ns = "joinguard"
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "events_total",
		Help:      "Process-wide event counters partitioned by name.",
	}, []string{"name"})
	if err := reg.Register(events); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, fmt.Errorf("register events collector: %w", err)
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil, fmt.Errorf("existing events collector has unexpected type %T", already.ExistingCollector)
		}
		events = existing
	}
	return &Counters{reg: reg, ns: ns, events: events}, nil
}

// Increment adds one to the counter called name. Safe on a nil receiver.
func (c *Counters) Increment(name string) {
	if c == nil || name == "" {
		return
	}
	c.events.WithLabelValues(name).Inc()
}

// Counter returns the collector behind name, mainly for tests.
func (c *Counters) Counter(name string) prometheus.Counter {
	return c.events.WithLabelValues(name)
}

// Gauge registers a gauge whose value is read from fn at scrape time.
func (c *Counters) Gauge(name, help string, fn func() float64) error {
	if c == nil || fn == nil {
		return nil
	}
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: c.ns,
		Name:      name,
		Help:      help,
	}, fn)
	if err := c.reg.Register(g); err != nil {
		return fmt.Errorf("register gauge %s: %w", name, err)
	}
	return nil
}

// Handler serves the registry in the Prometheus text format.
func (c *Counters) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}
