// Package health exposes liveness and readiness probes over named ring
// buffer sources, such as pipes and relays, for orchestration systems.
package health

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/heptiolabs/healthcheck"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/bytebufferpool"

	internalhealth "github.com/srediag/ringbuf/internal/health"
	"github.com/srediag/ringbuf/pkg/shm"
)

const (
	liveCheck  = "ringbuf-live"
	readyCheck = "ringbuf-ready"
)

var (
	// ErrDuplicateName is returned by Register when the name is taken.
	ErrDuplicateName = errors.New("health: source name already registered")
	// ErrEmptyName is returned by Register for an empty name.
	ErrEmptyName = errors.New("health: empty source name")
)

// Source is anything that can report a consistent buffer snapshot from any
// goroutine. *pipe.Reader, *pipe.Writer and *pipe.Relay are sources; a bare
// *shm.Buffer is not, since it is not safe for concurrent use.
type Source interface {
	Stats() shm.Stats
}

// Monitor tracks named sources. It is safe for concurrent use.
type Monitor struct {
	sources cmap.ConcurrentMap[string, Source]
	checks  healthcheck.Handler
}

// NewMonitor creates an empty monitor. With a non-nil registerer the check
// results are also exported as ringbuf_healthcheck_status gauges.
func NewMonitor(reg prometheus.Registerer) *Monitor {
	m := &Monitor{sources: cmap.New[Source]()}
	if reg != nil {
		m.checks = healthcheck.NewMetricsHandler(reg, "ringbuf")
	} else {
		m.checks = healthcheck.NewHandler()
	}
	m.checks.AddLivenessCheck(liveCheck, m.checkAll(internalhealth.CheckLive))
	m.checks.AddReadinessCheck(readyCheck, m.checkAll(internalhealth.CheckReady))
	return m
}

// Register adds src under name. Names are exclusive.
func (m *Monitor) Register(name string, src Source) error {
	if name == "" {
		return ErrEmptyName
	}
	if !m.sources.SetIfAbsent(name, src) {
		return fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	return nil
}

// Unregister removes name and reports whether it was registered.
func (m *Monitor) Unregister(name string) bool {
	_, ok := m.sources.Pop(name)
	return ok
}

// Len returns the number of registered sources.
func (m *Monitor) Len() int {
	return m.sources.Count()
}

// Live runs the liveness check over every source.
func (m *Monitor) Live() error {
	return m.checkAll(internalhealth.CheckLive)()
}

// Ready runs the readiness check over every source.
func (m *Monitor) Ready() error {
	return m.checkAll(internalhealth.CheckReady)()
}

func (m *Monitor) checkAll(check func(shm.Stats) error) healthcheck.Check {
	return func() error {
		var errs []error
		for _, name := range m.names() {
			src, ok := m.sources.Get(name)
			if !ok {
				continue
			}
			if err := check(src.Stats()); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}
		return errors.Join(errs...)
	}
}

func (m *Monitor) names() []string {
	names := m.sources.Keys()
	sort.Strings(names)
	return names
}

// Snapshot returns the current stats of every source by name.
func (m *Monitor) Snapshot() map[string]shm.Stats {
	out := make(map[string]shm.Stats, m.sources.Count())
	for item := range m.sources.IterBuffered() {
		out[item.Key] = item.Val.Stats()
	}
	return out
}

// Handler serves /live and /ready (append ?full=1 for per-check details)
// and /status with a JSON snapshot of every source.
func (m *Monitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/live", m.checks.LiveEndpoint)
	mux.HandleFunc("/ready", m.checks.ReadyEndpoint)
	mux.HandleFunc("/status", m.serveStatus)
	return mux
}

func (m *Monitor) serveStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if err := json.NewEncoder(buf).Encode(m.Snapshot()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_, _ = w.Write(buf.B)
}
