// Package executor implements the cooperatively-scheduled task executor:
// a FIFO of ready tasks, each polled at most once per appearance in the
// queue, re-queued on wake.
//
// Go has no stackless coroutines, so a task's computation can't be
// suspended and resumed as a plain function the way a hand-written
// Rust Future::poll state machine can. Each Task instead runs its body on
// its own goroutine, but that goroutine only ever runs one step at a time:
// it blocks on a rendezvous channel immediately after starting and
// immediately after every await, and only takes its next step when the
// executor calls Poll. The goroutine scheduler is never the source of
// concurrency here — at any instant either the driving goroutine or the
// task's goroutine is runnable, never both — so the single-threaded
// cooperative model the reactor and executor share is preserved exactly;
// goroutines are used only to get imperative control flow (loops, early
// returns) for task bodies without hand-rolling a state machine per task.
package executor

import (
	"sync"

	"github.com/ehrlich-b/uring-runtime/future"
)

// Awaitable is anything a task body can await: a leaf operation's syscall
// future, most commonly. Matches future.Syscall's Poll signature exactly.
type Awaitable interface {
	Poll(w future.Waker) (value uint32, err error, ready bool)
}

// Body is a task's computation. It receives a Yielder to await leaf
// operations; returning ends the task.
type Body func(y *Yielder) error

// Executor owns a bounded FIFO of ready tasks.
type Executor struct {
	work chan *Task
}

// Spawner is the cloneable handle used to push new tasks onto an
// executor's work channel. ctx, if set via WithContext, is attached to
// every task the spawner creates and retrievable from inside the task's
// body through Yielder.Context — the mechanism leaf operations use to
// reach their owning reactor without a thread-keyed lookup, since a
// task's body runs on its own goroutine and the Go scheduler gives no
// guarantee it shares an OS thread with whatever constructed the
// spawner.
type Spawner struct {
	work chan *Task
	ctx  any
}

// WithContext returns a Spawner over the same work queue that attaches
// ctx to every task it spawns.
func (s *Spawner) WithContext(ctx any) *Spawner {
	return &Spawner{work: s.work, ctx: ctx}
}

// DefaultQueueCapacity bounds the work channel; spawning beyond it blocks
// the caller, the cooperative backpressure against runaway spawn loops
// named for the executor.
const DefaultQueueCapacity = 10000

// New creates an executor and its spawner, sharing one bounded channel.
func New(capacity int) (*Executor, *Spawner) {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	ch := make(chan *Task, capacity)
	return &Executor{work: ch}, &Spawner{work: ch}
}

// Spawn boxes body into a task and enqueues it for its first poll.
// Blocks if the work channel is full. Returns the task handle so callers
// can inspect completion (Alive/Err) for diagnostics and tests; the core
// contract never requires reading it.
func (s *Spawner) Spawn(body Body) *Task {
	return newTask(s.work, s.ctx, body)
}

// Tick drains the work channel in a non-blocking loop, polling each popped
// task once, until the channel is empty. Returns whether any task was
// polled this tick.
func (e *Executor) Tick() bool {
	polled := false
	for {
		select {
		case t := <-e.work:
			polled = true
			t.pollOnce()
		default:
			return polled
		}
	}
}

// Task wraps a suspendable computation plus a reference back to the
// executor's work channel (its wake handle).
type Task struct {
	work chan *Task
	ctx  any

	// queued dedupes concurrent wakes: a task logically holds at most one
	// slot in the ready queue at a time. Without this a double wake would
	// still be handled correctly by pollOnce's take-or-skip check below,
	// but would waste a channel slot and a pointless re-poll.
	queued boolFlag

	// mu guards alive. It is uncontended by construction: the driving
	// goroutine and the task's own body goroutine are never both running
	// at once (see package doc), so this exists to document ownership of
	// the computation slot rather than to resolve a real race.
	mu    sync.Mutex
	alive bool

	resume chan struct{}
	parked chan struct{}
	err    error
}

// boolFlag is a tiny CAS-able flag built on a one-slot channel; sync/atomic.Bool
// would do the same job. Its zero value is not usable (a nil channel makes
// trySet always report false): create it with newBoolFlag.
type boolFlag struct{ ch chan struct{} }

func newBoolFlag() boolFlag { return boolFlag{ch: make(chan struct{}, 1)} }

// trySet reports whether the flag transitioned false->true.
func (f boolFlag) trySet() bool {
	select {
	case f.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (f boolFlag) clear() {
	select {
	case <-f.ch:
	default:
	}
}

func newTask(work chan *Task, ctx any, body Body) *Task {
	t := &Task{
		work:   work,
		ctx:    ctx,
		queued: newBoolFlag(),
		alive:  true,
		resume: make(chan struct{}),
		parked: make(chan struct{}),
	}
	go t.run(body)
	t.queued.trySet()
	work <- t
	return t
}

func (t *Task) run(body Body) {
	<-t.resume
	err := body(&Yielder{t: t})

	t.mu.Lock()
	t.alive = false
	t.err = err
	t.mu.Unlock()

	t.parked <- struct{}{}
}

// Wake re-enqueues t onto the executor's work channel, unless it is
// already sitting there awaiting a poll.
func (t *Task) Wake() {
	if t.queued.trySet() {
		t.work <- t
	}
}

// pollOnce implements the take-or-skip poll protocol: if the task's
// computation slot is already empty (the task previously finished), this
// is a no-op skip. Otherwise the task's body goroutine is allowed to run
// forward exactly one step (to its next await point, or to completion).
func (t *Task) pollOnce() {
	t.queued.clear()

	t.mu.Lock()
	alive := t.alive
	t.mu.Unlock()
	if !alive {
		return // duplicate wake after the task already finished and was dropped
	}

	t.resume <- struct{}{}
	<-t.parked
}

// Alive reports whether the task's computation slot is still occupied.
// False once the task has returned and been dropped.
func (t *Task) Alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.alive
}

// Err returns the body's returned error. Only meaningful once Alive is
// false.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Yielder lets a task body await a leaf operation as though it were
// synchronous, while the enclosing Task still presents a genuine
// Poll/wake surface to the executor at each await point.
type Yielder struct {
	t *Task
}

// Context returns the value attached to this task's spawner via
// WithContext, or nil if none was set. Leaf operation constructors use
// this to reach the reactor they must register against.
func (y *Yielder) Context() any { return y.t.ctx }

// Spawn boxes body as a new sibling task on the same executor, inheriting
// this task's context. Safe to call from within a running task body: it
// only touches the shared work channel, never OS thread identity.
func (y *Yielder) Spawn(body Body) *Task {
	return newTask(y.t.work, y.t.ctx, body)
}

// Await blocks the task's body goroutine until fut reports Ready, parking
// (and handing control back to the executor) once per Pending result.
func (y *Yielder) Await(fut Awaitable) (uint32, error) {
	for {
		val, err, ready := fut.Poll(y.t)
		if ready {
			return val, err
		}
		y.t.parked <- struct{}{}
		<-y.t.resume
	}
}
