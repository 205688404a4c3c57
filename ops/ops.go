// Package ops implements the leaf operations: the four kernel-backed
// primitives (accept, recv, send, close) a task body awaits directly.
// Each constructor builds a reactor.Prepare closure plus a future.Syscall,
// registers the pair against the calling task's reactor, and returns the
// future for the caller to await.
//
// Registration reaches the reactor through the task's Yielder rather
// than a thread-keyed handle lookup: a task's body runs on its own
// goroutine, and the Go scheduler gives no guarantee that goroutine
// shares an OS thread with whatever constructed the runtime, so looking
// the sender up by OS thread id from inside a task body would be
// unreliable. Threading it through the Yielder that's already required
// to await costs no extra parameter in practice.
//
// Grounded on the original accept/recv/send/close futures, which are each
// a thin opcode-builder plus a SysCall wrapper; the pinned-buffer and
// plain (non-multishot) opcode shape here follows a reference io_uring
// event loop's prepareSend/prepareConnect implementations.
package ops

import (
	"fmt"
	"unsafe"

	"github.com/pawelgaczynski/giouring"

	"github.com/ehrlich-b/uring-runtime/executor"
	"github.com/ehrlich-b/uring-runtime/future"
	"github.com/ehrlich-b/uring-runtime/reactor"
)

func sender(y *executor.Yielder) *reactor.Sender {
	s, ok := y.Context().(*reactor.Sender)
	if !ok {
		panic(fmt.Sprintf("ops: task has no *reactor.Sender context (got %T); it wasn't spawned from a runtime's executor", y.Context()))
	}
	return s
}

// Accept submits an accept on listenerFD and returns a future resolving
// to the accepted connection's file descriptor.
func Accept(y *executor.Yielder, listenerFD int) *future.Syscall {
	f := future.New()
	sender(y).Register(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareAccept(listenerFD, 0, 0, 0)
	}, f.Callback())
	return f
}

// Recv submits a recv into buf on connFD. buf must stay alive and
// unmoved (not reallocated, not garbage collected) until the returned
// future completes; the kernel holds a raw pointer into it for the
// duration of the operation.
func Recv(y *executor.Yielder, connFD int, buf []byte) *future.Syscall {
	f := future.New()
	ptr := bufPtr(buf)
	sender(y).Register(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareRecv(connFD, ptr, uint32(len(buf)), 0)
	}, f.Callback())
	return f
}

// Send submits a send of buf on connFD, under the same pinned-buffer
// requirement as Recv.
func Send(y *executor.Yielder, connFD int, buf []byte) *future.Syscall {
	f := future.New()
	ptr := bufPtr(buf)
	sender(y).Register(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareSend(connFD, ptr, uint32(len(buf)), 0)
	}, f.Callback())
	return f
}

// Close submits a close on fd. The caller must not use fd again after
// awaiting the returned future, successful or not: the kernel always
// reclaims the descriptor slot.
func Close(y *executor.Yielder, fd int) *future.Syscall {
	f := future.New()
	sender(y).Register(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareClose(fd)
	}, f.Callback())
	return f
}

func bufPtr(buf []byte) uintptr {
	if len(buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&buf[0]))
}
