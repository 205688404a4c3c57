// Package uringrt is the runtime trinity (reactor + executor + thread-local
// handle) plus a minimal HTTP/1.1 serving shell built on top of it.
package uringrt

import (
	"net"
	"runtime"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/uring-runtime/executor"
	"github.com/ehrlich-b/uring-runtime/handle"
	"github.com/ehrlich-b/uring-runtime/httpwire"
	"github.com/ehrlich-b/uring-runtime/internal/bufpool"
	"github.com/ehrlich-b/uring-runtime/internal/logging"
	"github.com/ehrlich-b/uring-runtime/ops"
	"github.com/ehrlich-b/uring-runtime/reactor"
)

// Runtime pairs one reactor and one executor on one pinned OS thread, the
// single-threaded cooperative unit the concurrency model is built from.
// Multi-threading happens only by running several Runtimes on separate
// threads and routing work between them over channels (see RunOnThreads);
// no task ever migrates between them.
type Runtime struct {
	reactor  *reactor.Reactor
	sender   *reactor.Sender
	executor *executor.Executor
	spawner  *executor.Spawner
	logger   *logging.Logger
	metrics  *Metrics
}

// New constructs a reactor and executor, pins the calling goroutine to its
// OS thread (io_uring's submission queue is only meaningful from the
// thread that owns it), attaches the reactor's sender to the spawner so
// leaf operations inside tasks reach it through their Yielder, and
// registers the thread-local handle for the package-level Spawn.
func New(logger *logging.Logger) (*Runtime, error) {
	runtime.LockOSThread()

	if logger == nil {
		logger = logging.Default()
	}

	r, sender, err := reactor.New(0, 0, logger)
	if err != nil {
		runtime.UnlockOSThread()
		return nil, WrapError("runtime.New", err)
	}

	ex, sp := executor.New(0)
	sp = sp.WithContext(sender)
	rt := &Runtime{
		reactor:  r,
		sender:   sender,
		executor: ex,
		spawner:  sp,
		logger:   logger,
		metrics:  NewMetrics(),
	}

	handle.Bind(&handle.Handle{Spawner: sp, Sender: sender})
	return rt, nil
}

// Close tears down the reactor and unpins the OS thread. Only safe once
// the runtime's drive loop has returned.
func (rt *Runtime) Close() {
	handle.Unbind()
	rt.reactor.Close()
	runtime.UnlockOSThread()
}

// Metrics returns the runtime's operation counters.
func (rt *Runtime) Metrics() *Metrics { return rt.metrics }

// Spawn boxes body as a task on this runtime.
func (rt *Runtime) Spawn(body executor.Body) *executor.Task {
	return rt.spawner.Spawn(body)
}

// Spawn forwards to the thread-local handle's spawner. Panics if no
// runtime has been constructed on the calling OS thread.
func Spawn(body executor.Body) *executor.Task {
	return handle.Spawn(body)
}

// BlockOn spawns body and drives the loop: alternately tick the executor
// then the reactor, exiting only once a cycle polls no task and leaves no
// operation outstanding — the unique fixed point, since new work can only
// arise from a polled task and new completions only from operations
// already in the in-flight table.
func (rt *Runtime) BlockOn(body executor.Body) error {
	rt.Spawn(body)
	return rt.drive()
}

// drive runs the tick loop until a cycle polls no task and leaves no
// operation outstanding.
func (rt *Runtime) drive() error {
	for {
		rt.metrics.ExecutorTicks.Add(1)
		executorBusy := rt.executor.Tick()

		rt.metrics.ReactorTicks.Add(1)
		reactorBusy, err := rt.reactor.Tick()
		rt.metrics.RingFullRetries.Store(rt.reactor.RingFullRetries())
		if err != nil {
			return WrapError("runtime.drive", err)
		}

		if !executorBusy && !reactorBusy {
			return nil
		}
	}
}

// Handler produces a response for a fully-parsed request. Handlers here
// are plain functions rather than async tasks since they operate only on
// the already-buffered request and don't themselves issue leaf
// operations.
type Handler func(*httpwire.Request) *httpwire.Response

// bindListener resolves addr and builds the listening socket directly
// through unix.Socket/Bind/Listen, the same raw syscall plumbing the
// reactor's own leaf operations use, rather than handing io_uring a
// descriptor borrowed from a net.Listener. Only IPv4 addresses are
// supported; addr must resolve to one.
func bindListener(addr string) (int, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return 0, WrapError("bind", err)
	}
	ip4 := tcpAddr.IP.To4()
	if tcpAddr.IP != nil && ip4 == nil {
		return 0, NewError("bind", CodeBindFailure, "only IPv4 addresses are supported")
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return 0, WrapError("bind", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return 0, WrapError("bind", err)
	}

	sa := &unix.SockaddrInet4{Port: tcpAddr.Port}
	copy(sa.Addr[:], ip4)

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return 0, WrapError("bind", err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return 0, WrapError("bind", err)
	}
	return fd, nil
}

// ListenAndServe binds addr and runs a single-runtime accept loop on the
// calling thread: an async task owns the listener and loops Accept,
// spawning a per-connection task for each accepted descriptor. Blocks
// until the accept loop returns (normally only on a fatal runtime error).
func ListenAndServe(addr string, handler Handler) error {
	fd, err := bindListener(addr)
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	rt, err := New(nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	rt.logger.Info("listening", "addr", addr)
	return rt.BlockOn(func(y *executor.Yielder) error {
		return acceptLoop(y, rt, fd, handler, func(connFD int) {
			y.Spawn(func(y *executor.Yielder) error {
				return serveConn(y, rt, connFD, handler)
			})
		})
	})
}

// acceptLoop awaits Accept forever, handing each accepted descriptor to
// dispatch. Temporary accept errors are logged and retried; anything else
// ends the loop.
func acceptLoop(y *executor.Yielder, rt *Runtime, listenerFD int, handler Handler, dispatch func(connFD int)) error {
	for {
		v, err := y.Await(ops.Accept(y, listenerFD))
		if err != nil {
			rt.metrics.RecordAccept(false)
			if errno, ok := err.(syscall.Errno); ok && Temporary(errno) {
				rt.logger.Warn("accept: temporary failure, retrying", "errno", errno)
				continue
			}
			return WrapError("accept", err)
		}
		rt.metrics.RecordAccept(true)
		dispatch(int(v))
	}
}

// serveConn implements the per-connection loop: Recv into a buffer that
// grows by bufpool.Chunk bytes each time a receive doesn't yet complete a
// request, parse, and on a complete request Send the handler's response
// once before closing. A zero-length Recv (peer closed) closes the
// connection without a response.
func serveConn(y *executor.Yielder, rt *Runtime, connFD int, handler Handler) error {
	buf := bufpool.Get(bufpool.Chunk)[:0]
	defer func() { bufpool.Put(buf) }()

	for {
		filled := len(buf)
		buf = bufpool.Grow(buf, bufpool.Chunk)

		n, err := y.Await(ops.Recv(y, connFD, buf[filled:]))
		if err != nil {
			rt.metrics.RecordRecv(0, 0, false)
			y.Await(ops.Close(y, connFD))
			rt.metrics.RecordClose()
			return WrapError("recv", err)
		}
		if n == 0 {
			y.Await(ops.Close(y, connFD))
			rt.metrics.RecordClose()
			return nil
		}
		rt.metrics.RecordRecv(uint64(n), 0, true)
		buf = buf[:filled+int(n)]

		req, _, err := httpwire.Parse(buf)
		if err == httpwire.ErrIncomplete {
			continue
		}
		if err != nil {
			resp := &httpwire.Response{Status: 400, Body: []byte(err.Error())}
			return respondAndClose(y, rt, connFD, resp)
		}

		return respondAndClose(y, rt, connFD, handler(req))
	}
}

func respondAndClose(y *executor.Yielder, rt *Runtime, connFD int, resp *httpwire.Response) error {
	encoded := httpwire.Encode(resp)
	sent := 0
	for sent < len(encoded) {
		n, err := y.Await(ops.Send(y, connFD, encoded[sent:]))
		if err != nil {
			rt.metrics.RecordSend(uint64(sent), 0, false)
			y.Await(ops.Close(y, connFD))
			rt.metrics.RecordClose()
			return WrapError("send", err)
		}
		sent += int(n)
	}
	rt.metrics.RecordSend(uint64(sent), 0, true)
	y.Await(ops.Close(y, connFD))
	rt.metrics.RecordClose()
	return nil
}

// roundRobin fans dispatched values across a fixed set of channels in
// strict cyclic order, the mechanism RunOnThreads uses to spread accepted
// connections evenly across worker threads.
type roundRobin struct {
	channels []chan int
	next     int
}

func newRoundRobin(channels []chan int) *roundRobin {
	return &roundRobin{channels: channels}
}

// dispatch sends connFD to the next channel in cycle order.
func (rr *roundRobin) dispatch(connFD int) {
	rr.channels[rr.next] <- connFD
	rr.next = (rr.next + 1) % len(rr.channels)
}

// RunOnThreads binds addr on the calling thread and dispatches accepted
// connections round-robin to n-1 worker threads, each running its own
// runtime and consuming a bounded channel (capacity 64) of accepted
// descriptors; while a worker's channel is full, the accept loop blocks on
// the send to that worker until it drains one. The
// calling thread's own runtime only accepts and dispatches; it never
// serves a connection itself. n<=1 degrades to ListenAndServe. Worker
// termination is tied to its channel closing once the accept loop
// returns.
func RunOnThreads(n int, addr string, handler Handler) error {
	if n <= 1 {
		return ListenAndServe(addr, handler)
	}

	fd, err := bindListener(addr)
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	workerCount := n - 1
	channels := make([]chan int, workerCount)
	var wg sync.WaitGroup
	for i := range channels {
		channels[i] = make(chan int, 64)
		wg.Add(1)
		go func(ch chan int) {
			defer wg.Done()
			runWorker(ch, handler)
		}(channels[i])
	}

	mainRT, err := New(nil)
	if err != nil {
		for _, ch := range channels {
			close(ch)
		}
		wg.Wait()
		return err
	}
	defer mainRT.Close()

	mainRT.logger.Info("listening", "addr", addr, "workers", workerCount+1)

	rr := newRoundRobin(channels)
	runErr := mainRT.BlockOn(func(y *executor.Yielder) error {
		return acceptLoop(y, mainRT, fd, handler, rr.dispatch)
	})

	for _, ch := range channels {
		close(ch)
	}
	wg.Wait()
	return runErr
}

// runWorker is a worker thread's top-level function: its own pinned
// runtime, draining newly dispatched connections between ticks and
// blocking on the channel only once a tick finds no task to poll and no
// operation outstanding, the same idle condition BlockOn uses to exit a
// single-runtime drive loop.
func runWorker(ch <-chan int, handler Handler) {
	rt, err := New(nil)
	if err != nil {
		logging.Default().Error("worker runtime init failed", "err", err)
		for range ch {
			// Drain so the accept loop's send doesn't block forever.
		}
		return
	}
	defer rt.Close()

	spawnConn := func(connFD int) {
		rt.Spawn(func(y *executor.Yielder) error {
			return serveConn(y, rt, connFD, handler)
		})
	}

	closed := false
	for {
	drain:
		for {
			select {
			case connFD, ok := <-ch:
				if !ok {
					closed = true
					break drain
				}
				spawnConn(connFD)
			default:
				break drain
			}
		}

		rt.metrics.ExecutorTicks.Add(1)
		executorBusy := rt.executor.Tick()
		rt.metrics.ReactorTicks.Add(1)
		reactorBusy, err := rt.reactor.Tick()
		rt.metrics.RingFullRetries.Store(rt.reactor.RingFullRetries())
		if err != nil {
			rt.logger.Error("worker reactor tick failed", "err", err)
			return
		}

		if executorBusy || reactorBusy {
			continue
		}
		if closed {
			return
		}

		connFD, ok := <-ch
		if !ok {
			return
		}
		spawnConn(connFD)
	}
}
