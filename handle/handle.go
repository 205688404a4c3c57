// Package handle provides the runtime's thread-local lookup: the spawner
// and reactor sender a runtime installs are only ever visible to the OS
// thread that installed them, mirroring a thread_local! runtime handle.
//
// Go has no thread-local storage primitive, so this is built out of
// unix.Gettid() as the key into a registry, paired with the caller
// having already pinned itself with runtime.LockOSThread() — the same
// OS-thread affinity io_uring itself requires of the ring owner.
package handle

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/uring-runtime/executor"
	"github.com/ehrlich-b/uring-runtime/reactor"
)

// Handle is the pair of entry points a runtime exposes to code running on
// the OS thread it was bound to (see Current for why that excludes task
// bodies).
type Handle struct {
	Spawner *executor.Spawner
	Sender  *reactor.Sender
}

var registry sync.Map // int (OS thread id) -> *Handle

// Bind installs h for the calling OS thread. The caller must have pinned
// itself with runtime.LockOSThread() first; binding on an unpinned thread
// is meaningless since the Go scheduler is free to move the goroutine to
// a different thread between calls.
func Bind(h *Handle) {
	registry.Store(unix.Gettid(), h)
}

// Unbind removes whatever handle is installed for the calling OS thread.
func Unbind() {
	registry.Delete(unix.Gettid())
}

// Current returns the handle bound to the calling OS thread, panicking if
// none was installed.
//
// Safe to call from the goroutine that constructed the runtime, before
// any task has been spawned. Not safe from inside a running task's
// body: a task's body runs on its own goroutine, which the Go scheduler
// is free to run on any OS thread, so Gettid() there bears no reliable
// relationship to the thread Bind was called from. Leaf operations
// (package ops) reach their reactor through the task's Yielder instead,
// not through this lookup.
func Current() *Handle {
	v, ok := registry.Load(unix.Gettid())
	if !ok {
		panic(fmt.Sprintf("handle: no runtime bound on OS thread %d; call uringrt.New on this thread first", unix.Gettid()))
	}
	return v.(*Handle)
}

// Spawn boxes body as a task on the calling thread's runtime.
func Spawn(body executor.Body) *executor.Task {
	return Current().Spawner.Spawn(body)
}

// Register hands (prepare, callback) to the calling thread's reactor.
func Register(prepare reactor.Prepare, callback reactor.Callback) {
	Current().Sender.Register(prepare, callback)
}
