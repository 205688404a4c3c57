package uringrt

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/uring-runtime/httpwire"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func echoPathHandler(req *httpwire.Request) *httpwire.Response {
	return &httpwire.Response{Status: 200, Body: []byte(req.Method + " " + req.Path)}
}

func echoBodyHandler(req *httpwire.Request) *httpwire.Response {
	return &httpwire.Response{Status: 200, Body: req.Body}
}

func dialRetry(t *testing.T, addr string) net.Conn {
	t.Helper()
	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			return conn
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NoError(t, err, "server never started listening")
	return nil
}

func readResponse(t *testing.T, conn net.Conn) (status int, body string) {
	t.Helper()
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestListenAndServeRoundTrip(t *testing.T) {
	addr := freeAddr(t)
	serveErr := make(chan error, 1)
	go func() { serveErr <- ListenAndServe(addr, echoPathHandler) }()

	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NoError(t, err, "server never started listening")
	defer conn.Close()

	fmt.Fprintf(conn, "GET /status HTTP/1.1\r\nHost: test\r\nContent-Length: 0\r\n\r\n")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, statusLine, "200")

	select {
	case err := <-serveErr:
		t.Fatalf("server exited early: %v", err)
	default:
	}
}

func TestServeConnClosesOnPeerEOF(t *testing.T) {
	addr := freeAddr(t)
	go ListenAndServe(addr, echoPathHandler)

	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NoError(t, err)

	// Half-close the client side: the server's Recv sees 0 bytes and closes
	// the connection without a response, which the client reads as EOF.
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	require.NoError(t, conn.Close())
}

// TestConcurrentConnectionsEachSeeOnlyOwnBytes opens two connections at
// once and interleaves their writes, so both requests are in flight
// together before either response is read back. Each must see only its
// own echoed body: no cross-talk between connections. With three threads
// (two workers), round-robin dispatch serves the two connections on
// different worker runtimes.
func TestConcurrentConnectionsEachSeeOnlyOwnBytes(t *testing.T) {
	addr := freeAddr(t)
	go RunOnThreads(3, addr, echoBodyHandler)

	connA := dialRetry(t, addr)
	defer connA.Close()
	connB := dialRetry(t, addr)
	defer connB.Close()

	bodyA := "payload-from-connection-A"
	bodyB := "a-rather-longer-payload-from-connection-B"
	reqA := fmt.Sprintf("POST /echo HTTP/1.1\r\nHost: test\r\nContent-Length: %d\r\n\r\n%s", len(bodyA), bodyA)
	reqB := fmt.Sprintf("POST /echo HTTP/1.1\r\nHost: test\r\nContent-Length: %d\r\n\r\n%s", len(bodyB), bodyB)

	// Split connA's write in two so connB's full request lands on the wire
	// while connA's is still incomplete, forcing both tasks to be
	// in-flight across the runtime(s) at the same time.
	split := len(reqA) / 2
	_, err := connA.Write([]byte(reqA)[:split])
	require.NoError(t, err)
	_, err = connB.Write([]byte(reqB))
	require.NoError(t, err)
	_, err = connA.Write([]byte(reqA)[split:])
	require.NoError(t, err)

	connA.SetReadDeadline(time.Now().Add(2 * time.Second))
	connB.SetReadDeadline(time.Now().Add(2 * time.Second))

	_, gotA := readResponse(t, connA)
	_, gotB := readResponse(t, connB)

	assert.Equal(t, bodyA, gotA)
	assert.Equal(t, bodyB, gotB)
}

// TestRunOnThreadsServesSequentialConnectionsAcrossWorkers drives 8
// sequential connections through a 4-worker deployment and checks every
// one gets correctly served, exercising the multi-worker dispatch path
// end-to-end at the same connection/worker counts
// TestRoundRobinDispatchCyclesChannelsInStrictOrder verifies the
// distribution for.
func TestRunOnThreadsServesSequentialConnectionsAcrossWorkers(t *testing.T) {
	addr := freeAddr(t)
	serveErr := make(chan error, 1)
	go func() { serveErr <- RunOnThreads(5, addr, echoPathHandler) }() // 4 workers

	for i := 0; i < 8; i++ {
		conn := dialRetry(t, addr)
		fmt.Fprintf(conn, "GET /status HTTP/1.1\r\nHost: test\r\nContent-Length: 0\r\n\r\n")
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))

		status, body := readResponse(t, conn)
		assert.Equal(t, 200, status)
		assert.Equal(t, "GET /status", body)
		require.NoError(t, conn.Close())
	}

	select {
	case err := <-serveErr:
		t.Fatalf("server exited early: %v", err)
	default:
	}
}

// TestRoundRobinDispatchCyclesChannelsInStrictOrder is a white-box
// verification of the exact dispatch mechanism RunOnThreads uses: with 4
// workers and 8 connections (the counts an end-to-end client can drive
// but not attribute to a specific worker without an invasive server-side
// hook), each worker must receive exactly 2, in strict cycle order.
func TestRoundRobinDispatchCyclesChannelsInStrictOrder(t *testing.T) {
	const workerCount = 4
	const connCount = 8

	channels := make([]chan int, workerCount)
	for i := range channels {
		channels[i] = make(chan int, connCount)
	}
	rr := newRoundRobin(channels)

	for i := 0; i < connCount; i++ {
		rr.dispatch(i)
	}

	for i, ch := range channels {
		close(ch)
		var got []int
		for v := range ch {
			got = append(got, v)
		}
		assert.Equal(t, []int{i, i + workerCount}, got, "worker %d should receive exactly its two round-robin slots", i)
	}
}
