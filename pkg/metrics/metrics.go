package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu            sync.RWMutex
	endpoint      map[string]*EndpointStat
	approval      map[string]int64
	notification  map[string]int64
	guardBlocks   int64
	rollbacks     map[string]int64
	gauges        map[string]float64
	verifyLatency VerifyLatencyStat
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type VerifyLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt     string                  `json:"generated_at"`
	Endpoints       map[string]EndpointStat `json:"endpoints"`
	ApprovalTotals  map[string]int64        `json:"approval_totals"`
	Notifications   map[string]int64        `json:"notification_totals"`
	GuardBlocks     int64                   `json:"guard_blocks_total"`
	RollbackTotals  map[string]int64        `json:"rollback_totals"`
	Gauges          map[string]float64      `json:"gauges"`
	VerifyLatencyMS VerifyLatencyStat       `json:"verify_latency_ms"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:     map[string]*EndpointStat{},
		approval:     map[string]int64{},
		notification: map[string]int64{},
		rollbacks:    map[string]int64{},
		gauges:       map[string]float64{},
	}
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncApproval counts approval-request transitions by resulting status.
func (r *Registry) IncApproval(status string) {
	status = strings.TrimSpace(strings.ToLower(status))
	if status == "" {
		return
	}
	r.mu.Lock()
	r.approval[status]++
	r.mu.Unlock()
}

// IncNotification counts deliveries by channel ("central", "agency").
func (r *Registry) IncNotification(channel string) {
	channel = strings.TrimSpace(strings.ToLower(channel))
	if channel == "" {
		return
	}
	r.mu.Lock()
	r.notification[channel]++
	r.mu.Unlock()
}

// IncGuardBlock counts bulk mutations refused for exceeding the item cap.
func (r *Registry) IncGuardBlock() {
	r.mu.Lock()
	r.guardBlocks++
	r.mu.Unlock()
}

// IncRollback counts rollback attempts by outcome ("success", "failure").
func (r *Registry) IncRollback(outcome string) {
	outcome = strings.TrimSpace(strings.ToLower(outcome))
	if outcome == "" {
		return
	}
	r.mu.Lock()
	r.rollbacks[outcome]++
	r.mu.Unlock()
}

func (r *Registry) ObserveVerifyLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifyLatency.Count++
	r.verifyLatency.TotalMS += ms
	r.verifyLatency.LastMS = ms
	if ms > r.verifyLatency.MaxMS {
		r.verifyLatency.MaxMS = ms
	}
	r.verifyLatency.AvgMS = float64(r.verifyLatency.TotalMS) / float64(r.verifyLatency.Count)
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:     time.Now().UTC().Format(time.RFC3339),
		Endpoints:       make(map[string]EndpointStat, len(r.endpoint)),
		ApprovalTotals:  make(map[string]int64, len(r.approval)),
		Notifications:   make(map[string]int64, len(r.notification)),
		GuardBlocks:     r.guardBlocks,
		RollbackTotals:  make(map[string]int64, len(r.rollbacks)),
		Gauges:          make(map[string]float64, len(r.gauges)),
		VerifyLatencyMS: r.verifyLatency,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.approval {
		out.ApprovalTotals[k] = v
	}
	for k, v := range r.notification {
		out.Notifications[k] = v
	}
	for k, v := range r.rollbacks {
		out.RollbackTotals[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP govd_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE govd_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "govd_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP govd_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE govd_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "govd_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP govd_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE govd_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "govd_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}
		b.WriteString("# HELP govd_approval_total approval transitions by status\n")
		b.WriteString("# TYPE govd_approval_total counter\n")
		for _, status := range SortedKeys(snap.ApprovalTotals) {
			fmt.Fprintf(b, "govd_approval_total{status=%q} %d\n", status, snap.ApprovalTotals[status])
		}
		b.WriteString("# HELP govd_notification_total notification deliveries by channel\n")
		b.WriteString("# TYPE govd_notification_total counter\n")
		for _, ch := range SortedKeys(snap.Notifications) {
			fmt.Fprintf(b, "govd_notification_total{channel=%q} %d\n", ch, snap.Notifications[ch])
		}
		b.WriteString("# HELP govd_guard_blocks_total bulk operations blocked by the pattern guard\n")
		b.WriteString("# TYPE govd_guard_blocks_total counter\n")
		fmt.Fprintf(b, "govd_guard_blocks_total %d\n", snap.GuardBlocks)
		b.WriteString("# HELP govd_rollback_total rollback attempts by outcome\n")
		b.WriteString("# TYPE govd_rollback_total counter\n")
		for _, outcome := range SortedKeys(snap.RollbackTotals) {
			fmt.Fprintf(b, "govd_rollback_total{outcome=%q} %d\n", outcome, snap.RollbackTotals[outcome])
		}
		b.WriteString("# HELP govd_gauge operational gauge metrics\n")
		b.WriteString("# TYPE govd_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "govd_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		b.WriteString("# HELP govd_verify_latency_ms change-feed verification latency in ms\n")
		b.WriteString("# TYPE govd_verify_latency_ms gauge\n")
		fmt.Fprintf(b, "govd_verify_latency_ms{stat=%q} %d\n", "last", snap.VerifyLatencyMS.LastMS)
		fmt.Fprintf(b, "govd_verify_latency_ms{stat=%q} %.3f\n", "avg", snap.VerifyLatencyMS.AvgMS)
		fmt.Fprintf(b, "govd_verify_latency_ms{stat=%q} %d\n", "max", snap.VerifyLatencyMS.MaxMS)
		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
