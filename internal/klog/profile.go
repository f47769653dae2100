package klog

import (
	"io"

	"github.com/google/pprof/profile"
)

// DumpCounters writes counters as a gauge-style pprof profile to w, one
// sample per entry labeled by name. Mirrors biscuit's D_PROF device
// (a profiling dump reachable through the stats counters, see
// stats.Stats2String) with a real profile format instead of a bare
// text dump, since google/pprof is already the teacher's direct
// dependency for exactly this shape of counter snapshot.
func DumpCounters(w io.Writer, counters map[string]int64) error {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "count", Unit: "count"}},
	}
	for name, v := range counters {
		p.Sample = append(p.Sample, &profile.Sample{
			Value: []int64{v},
			Label: map[string][]string{"name": {name}},
		})
	}
	return p.Write(w)
}
