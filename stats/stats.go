// Package stats holds the kernel's lightweight, always-compiled-in
// instrumentation counters (spec §4.M's interrupt dispatcher increments
// Nirqs/Irqs per IRQ; Counter_t/Cycles_t are available to any component
// that wants gated counters without its own atomic bookkeeping).
//
// Grounded on biscuit's stats package, with one change: the original's
// Rdtsc relied on a runtime.Rdtsc intrinsic built into a patched Go
// runtime, which a stock toolchain does not provide. Cycles_t.Add here
// takes the elapsed duration directly instead of a cycle delta, so
// callers on an unpatched runtime can still use it via time.Since.
package stats

import "reflect"
import "sync/atomic"
import "strconv"
import "strings"
import "time"
import "unsafe"

const Stats = true
const Timing = false

var Nirqs [100]int
var Irqs int

/// Counter_t is a statistical counter.
type Counter_t int64

/// Cycles_t accumulates elapsed time in nanoseconds (see Add).
type Cycles_t int64

/// Inc increments the counter.
func (c *Counter_t) Inc() {
	if Stats {
		n := (*int64)(unsafe.Pointer(c))
		atomic.AddInt64(n, 1)
	}
}

/// Add adds the duration elapsed since start to the counter when Timing
/// is true; with Timing false it does nothing.
func (c *Cycles_t) Add(start time.Time) {
	if Timing {
		n := (*int64)(unsafe.Pointer(c))
		atomic.AddInt64(n, int64(time.Since(start)))
	}
}

/// Stats2String converts a struct of counters to a printable string.
func Stats2String(st interface{}) string {
	if !Stats {
		return ""
	}
	v := reflect.ValueOf(st)
	s := ""
	for i := 0; i < v.NumField(); i++ {
		t := v.Field(i).Type().String()
		if strings.HasSuffix(t, "Counter_t") {
			n := v.Field(i).Interface().(Counter_t)
			s += "\n\t#" + v.Type().Field(i).Name + ": " + strconv.FormatInt(int64(n), 10)
		}
		if strings.HasSuffix(t, "Cycles_t") {
			n := v.Field(i).Interface().(Cycles_t)
			s += "\n\t#" + v.Type().Field(i).Name + ": " + strconv.FormatInt(int64(n), 10)
		}

	}
	return s + "\n"
}
