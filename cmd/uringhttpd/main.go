// Command uringhttpd is the demo HTTP server built on the runtime: it
// binds a host:port, optionally spreads accepted connections across a
// worker-thread pool, and answers every request with a fixed demo
// handler. Exit code 0 on normal termination, non-zero on bind or fatal
// runtime error.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	uringrt "github.com/ehrlich-b/uring-runtime"
	"github.com/ehrlich-b/uring-runtime/httpwire"
	"github.com/ehrlich-b/uring-runtime/internal/logging"
)

func main() {
	var (
		addr    = flag.String("addr", ":8080", "host:port to listen on")
		workers = flag.Int("workers", 1, "number of runtime threads (1 = single-threaded)")
		verbose = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	installStackDumpHandler(logger)
	installShutdownLogger(logger)

	logger.Info("starting uringhttpd", "addr", *addr, "workers", *workers)
	if err := uringrt.RunOnThreads(*workers, *addr, demoHandler); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func demoHandler(req *httpwire.Request) *httpwire.Response {
	switch req.Path {
	case "/echo":
		return &httpwire.Response{Status: 200, Body: req.Body}
	default:
		body := fmt.Sprintf("%s %s %s\n", req.Method, req.Path, req.Proto)
		return &httpwire.Response{Status: 200, Body: []byte(body)}
	}
}

// installStackDumpHandler dumps all goroutine stacks to stderr on
// SIGUSR1, a standing diagnostic hook for a process meant to run
// unattended for long stretches.
func installStackDumpHandler(logger *logging.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	go func() {
		for range ch {
			logger.Info("=== GOROUTINE STACK TRACE DUMP ===")
			buf := make([]byte, 1<<20)
			n := runtime.Stack(buf, true)
			fmt.Fprintf(os.Stderr, "%s\n", buf[:n])
		}
	}()
}

// installShutdownLogger logs SIGINT/SIGTERM and exits. The runtime has
// no task-cancellation or drain mechanism (out of scope), so shutdown
// here is a plain process exit rather than an in-flight-connection drain.
func installShutdownLogger(logger *logging.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-ch
		logger.Info("received shutdown signal", "signal", sig.String())
		os.Exit(0)
	}()
}
