// Package metrics is Robin's in-process counters substrate: an
// expvar-backed Map/Int pair that also renders itself in Prometheus text
// exposition format, rebuilt in the shape of the teacher's
// internal/expvarom (referenced throughout internal/smtpsrv and
// internal/courier as NewMap/NewInt/.Add, but absent from the retrieved
// copy of the teacher's tree).
//
// Metrics *emission* (scraping, pushing to Graphite) is an external
// collaborator; this package only maintains the counters themselves and
// a handler to expose them, the way expvar's own /debug/vars does.
package metrics

import (
	"expvar"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
)

// Map is a named counter broken down by a single label key, e.g.
// commandCount broken down by SMTP verb.
type Map struct {
	name, key, help string

	mu     sync.Mutex
	values map[string]int64
	ev     *expvar.Map
}

// NewMap registers and returns a new Map. name should be slash-separated
// like the teacher's ("chasquid/smtpIn/commandCount"); key names the
// label dimension ("command"); help is a short description used when
// rendering Prometheus HELP text.
func NewMap(name, key, help string) *Map {
	m := &Map{name: name, key: key, help: help, values: make(map[string]int64)}
	m.ev = expvar.NewMap(name)
	registerMetric(m)
	return m
}

// Add increments the counter for label by delta.
func (m *Map) Add(label string, delta int64) {
	m.mu.Lock()
	m.values[label] += delta
	m.mu.Unlock()
	m.ev.Add(label, delta)
}

func (m *Map) writePrometheus(w io.Writer) {
	metricName := prometheusName(m.name)
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n", metricName, m.help, metricName)

	m.mu.Lock()
	labels := make([]string, 0, len(m.values))
	for l := range m.values {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	for _, l := range labels {
		fmt.Fprintf(w, "%s{%s=%q} %d\n", metricName, m.key, l, m.values[l])
	}
	m.mu.Unlock()
}

// Int is a single, unlabeled counter.
type Int struct {
	name, help string
	ev         *expvar.Int
}

// NewInt registers and returns a new Int counter.
func NewInt(name, help string) *Int {
	i := &Int{name: name, help: help, ev: expvar.NewInt(name)}
	registerMetric(i)
	return i
}

// Add increments the counter by delta.
func (i *Int) Add(delta int64) { i.ev.Add(delta) }

// Set overwrites the counter's value.
func (i *Int) Set(value int64) { i.ev.Set(value) }

func (i *Int) writePrometheus(w io.Writer) {
	metricName := prometheusName(i.name)
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n",
		metricName, i.help, metricName, metricName, i.ev.Value())
}

type metric interface {
	writePrometheus(w io.Writer)
}

var (
	registryMu sync.Mutex
	registry   []metric
)

func registerMetric(m metric) {
	registryMu.Lock()
	registry = append(registry, m)
	registryMu.Unlock()
}

func prometheusName(name string) string {
	return "robin_" + strings.ReplaceAll(strings.TrimPrefix(name, "robin/"), "/", "_")
}

// WriteText renders every registered metric in Prometheus text exposition
// format.
func WriteText(w io.Writer) {
	registryMu.Lock()
	defer registryMu.Unlock()
	for _, m := range registry {
		m.writePrometheus(w)
	}
}

// Handler returns an http.Handler serving the Prometheus text exposition
// format, for mounting at e.g. "/metrics".
func Handler() http.Handler {
	return http.HandlerFunc(MetricsHandler)
}

// MetricsHandler is the bare http.HandlerFunc form of Handler, for direct
// use with http.HandleFunc("/metrics", metrics.MetricsHandler).
func MetricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	WriteText(w)
}
