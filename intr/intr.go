// Package intr implements interrupt dispatch and the timer tick
// (component M, spec §4.M): a fixed-size IRQ-to-handler table, MSI
// vector assignment for device interrupts, and the timer handler that
// drives blocked-queue wakeups, the async executor, and preemption.
//
// Grounded on biscuit's msi package for MSI vector bookkeeping
// (migrated here as the sole consumer) and on spec §4.M directly for
// the dispatch/timer control flow, since biscuit's own interrupt
// dispatch is tangled with arch-specific IDT setup this kernel treats
// as an out-of-scope collaborator (spec §1).
package intr

import (
	"sync"

	"github.com/nimbusos/corekernel/executor"
	"github.com/nimbusos/corekernel/internal/klog"
	"github.com/nimbusos/corekernel/msi"
	"github.com/nimbusos/corekernel/sched"
	"github.com/nimbusos/corekernel/stats"
	"github.com/nimbusos/corekernel/task"
)

// NumIRQ bounds the fixed-size handler table. Architectures with a
// larger vector space multiplex additional sources onto these slots at
// the out-of-scope arch layer.
const NumIRQ = 256

// TimerIRQ is the fixed vector the timer interrupt handler is wired to.
const TimerIRQ = 0

// Handler processes one interrupt on irq for the core it fired on.
type Handler func(irq int, c *task.Core)

// Controller abstracts the platform's interrupt controller: clearing a
// device's interrupt-status register and signaling end-of-interrupt.
// The concrete implementation (APIC/PLIC/GIC) is an out-of-scope arch
// concern (spec §1).
type Controller interface {
	ClearStatus(irq int)
	EOI(irq int)
}

// Dispatcher routes IRQs to registered handlers and owns the timer
// tick's side effects on the scheduler and executor.
type Dispatcher struct {
	mu       sync.Mutex
	handlers [NumIRQ]Handler
	ctrl     Controller
	sched    *sched.Scheduler
	exec     map[int]*executor.Executor // per-core executor, keyed by core ID
	ticks    uint64
}

// New creates a dispatcher wired to sch for timer-driven wakeups and
// reschedule.
func New(ctrl Controller, sch *sched.Scheduler) *Dispatcher {
	return &Dispatcher{
		ctrl:  ctrl,
		sched: sch,
		exec:  make(map[int]*executor.Executor),
	}
}

// RegisterExecutor associates a core's async executor with this
// dispatcher so the timer handler can poll it.
func (d *Dispatcher) RegisterExecutor(coreID int, e *executor.Executor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.exec[coreID] = e
}

// RegisterHandler installs h for irq, replacing any existing handler.
// irq must be within [0, NumIRQ).
func (d *Dispatcher) RegisterHandler(irq int, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if irq < 0 || irq >= NumIRQ {
		panic("intr: irq out of range")
	}
	d.handlers[irq] = h
}

// RegisterDevice allocates an MSI vector, installs h as its handler,
// and returns the vector so the caller can program it into the
// device's MSI capability. Call UnregisterDevice when the device is
// torn down.
func (d *Dispatcher) RegisterDevice(h Handler) msi.Msivec_t {
	vec := msi.Msi_alloc()
	d.RegisterHandler(int(vec), h)
	return vec
}

// UnregisterDevice removes the handler for vec and returns the vector
// to the MSI pool.
func (d *Dispatcher) UnregisterDevice(vec msi.Msivec_t) {
	d.mu.Lock()
	d.handlers[vec] = nil
	d.mu.Unlock()
	msi.Msi_free(vec)
}

// Dispatch routes one interrupt on irq, fired while c was the running
// core. The timer IRQ gets the fixed timer-tick treatment (spec
// §4.M "Timer interrupts"); every other IRQ gets the registered
// handler's device-interrupt treatment (spec §4.M "Device interrupts").
func (d *Dispatcher) Dispatch(irq int, c *task.Core) {
	if irq == TimerIRQ {
		d.timerTick(c)
		return
	}
	d.deviceInterrupt(irq, c)
}

// timerTick increments the monotonic tick counter, runs the core's
// async executor if it has pending work, then lets the scheduler wake
// elapsed blocked tasks and reschedule.
func (d *Dispatcher) timerTick(c *task.Core) {
	d.mu.Lock()
	d.ticks++
	e := d.exec[c.ID]
	d.mu.Unlock()

	if e != nil && e.Len() > 0 {
		e.Run()
	}
	d.sched.TimerTick(c)
}

// deviceInterrupt clears the device's interrupt-status register, calls
// its registered handler, then signals end-of-interrupt. An
// unregistered IRQ is logged and otherwise ignored, since a spurious or
// stale vector must never panic the core.
func (d *Dispatcher) deviceInterrupt(irq int, c *task.Core) {
	d.ctrl.ClearStatus(irq)

	if stats.Stats {
		stats.Irqs++
		if irq >= 0 && irq < len(stats.Nirqs) {
			stats.Nirqs[irq]++
		}
	}

	d.mu.Lock()
	h := d.handlers[irq]
	d.mu.Unlock()

	if h == nil {
		klog.Warn("intr: no handler registered", "irq", irq)
	} else {
		h(irq, c)
	}
	d.ctrl.EOI(irq)
}

// Ticks returns the number of timer interrupts processed so far.
func (d *Dispatcher) Ticks() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ticks
}
