// Package telemetry exposes memory manager statistics and region maps over
// HTTP, both on TCP and on HTTP/3.
package telemetry

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/orizon-lang/vmcore/internal/runtime/kernel/vm"
)

// Source is what the endpoints read. *vm.MemoryManager satisfies it.
type Source interface {
	Stats() vm.Stats
	AddressSpaces() []*vm.AddressSpace
}

// MetricFunc returns a map of metric name -> value.
// Names should be simple tokens using [a-zA-Z0-9_:] to ease exposition.
type MetricFunc func() map[string]float64

// StatsCollector flattens Source.Stats into metrics.
func StatsCollector(src Source) MetricFunc {
	return func() map[string]float64 {
		st := src.Stats()
		return map[string]float64{
			"frames_total":          float64(st.Frames.Total),
			"frames_free":           float64(st.Frames.Free),
			"frames_used":           float64(st.Frames.Used),
			"frames_committed":      float64(st.Frames.Committed),
			"frames_reserved":       float64(st.Frames.Reserved),
			"frames_eternal":        float64(st.Frames.Eternal),
			"faults_total":          float64(st.Faults.Total),
			"faults_zero_fill":      float64(st.Faults.ZeroFill),
			"faults_inode_read":     float64(st.Faults.InodeRead),
			"faults_purged_refill":  float64(st.Faults.PurgedRefill),
			"faults_cow_copy":       float64(st.Faults.COWCopy),
			"faults_cow_upgrade":    float64(st.Faults.COWUpgrade),
			"faults_violations":     float64(st.Faults.Violations),
			"faults_out_of_memory":  float64(st.Faults.OutOfMemory),
			"faults_retries":        float64(st.Faults.Retries),
			"pages_purged_total":    float64(st.PagesPurged),
			"pages_reclaimed_total": float64(st.PagesReclaimed),
			"tlb_shootdowns_total":  float64(st.TLBShootdowns),
			"objects":               float64(st.Objects),
			"address_spaces":        float64(st.AddressSpaces),
		}
	}
}

// SpaceInfo is one address space in the /regions document.
type SpaceInfo struct {
	ASID    uint32          `json:"asid"`
	Kernel  bool            `json:"kernel"`
	Regions []vm.RegionInfo `json:"regions"`
}

// NewHandler serves /metrics as plain text and /regions as JSON. Extra
// collectors are exported next to the "vm" one.
func NewHandler(src Source, extra map[string]MetricFunc) http.Handler {
	collectors := map[string]MetricFunc{"vm": StatsCollector(src)}
	for name, fn := range extra {
		collectors[name] = fn
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		writeMetrics(w, collectors)
	})
	mux.HandleFunc("/regions", func(w http.ResponseWriter, r *http.Request) {
		var out []SpaceInfo
		for _, as := range src.AddressSpaces() {
			out = append(out, SpaceInfo{ASID: as.ID(), Kernel: as.IsKernel(), Regions: as.Snapshot()})
		}
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return mux
}

func writeMetrics(w http.ResponseWriter, collectors map[string]MetricFunc) {
	names := make([]string, 0, len(collectors))
	for name := range collectors {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fn := collectors[name]
		if fn == nil {
			continue
		}
		snapshot := fn()
		keys := make([]string, 0, len(snapshot))
		for k := range snapshot {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			// vm_faults_cow_copy 12
			fmt.Fprintf(w, "%s %g\n", sanitizeMetricToken(name+"_"+k), snapshot[k])
		}
	}
}

func sanitizeMetricToken(s string) string {
	b := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == ':' {
			b[i] = c
		} else {
			b[i] = '_'
		}
	}
	if len(b) > 0 && b[0] >= '0' && b[0] <= '9' {
		return "_" + string(b)
	}
	return strings.ReplaceAll(string(b), "__", "_")
}
