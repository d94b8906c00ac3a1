package gameserver

import (
	"bufio"
	"net"
	"testing"
	"time"
)

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := New("test-session")
	go srv.Serve(ln)
	t.Cleanup(srv.Stop)
	return srv, ln.Addr().String()
}

type client struct {
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, addr string) *client {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &client{conn: conn, r: bufio.NewReader(conn)}
}

func (c *client) send(t *testing.T, line string) {
	t.Helper()
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("send %q: %v", line, err)
	}
}

func (c *client) recv(t *testing.T) string {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.r.ReadString('\n')
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	return line[:len(line)-1]
}

func TestGetState_Open(t *testing.T) {
	_, addr := startServer(t)
	c := dial(t, addr)

	c.send(t, "GET_STATE")
	if got := c.recv(t); got != "STATE open" {
		t.Errorf("GET_STATE = %q, want %q", got, "STATE open")
	}
}

func TestGetRunningLength_ZeroBeforeMatch(t *testing.T) {
	_, addr := startServer(t)
	c := dial(t, addr)

	c.send(t, "GET_RUNNING_LENGTH")
	if got := c.recv(t); got != "RUNNING_LENGTH 0" {
		t.Errorf("GET_RUNNING_LENGTH = %q, want %q", got, "RUNNING_LENGTH 0")
	}
}

func TestRequestMatch_FirstWins(t *testing.T) {
	_, addr := startServer(t)
	a := dial(t, addr)
	b := dial(t, addr)

	// Make sure both clients are registered before the broadcast fires.
	a.send(t, "GET_STATE")
	a.recv(t)
	b.send(t, "GET_STATE")
	b.recv(t)

	a.send(t, "REQUEST_MATCH 10")
	if got := a.recv(t); got != "RUNNING_LENGTH 10" {
		t.Fatalf("first REQUEST_MATCH reply = %q, want %q", got, "RUNNING_LENGTH 10")
	}
	if got := a.recv(t); got != "STATE running" {
		t.Errorf("requester broadcast = %q, want %q", got, "STATE running")
	}
	if got := b.recv(t); got != "STATE running" {
		t.Errorf("observer broadcast = %q, want %q", got, "STATE running")
	}

	// The second request does not overwrite the settled length.
	b.send(t, "REQUEST_MATCH 9999")
	if got := b.recv(t); got != "RUNNING_LENGTH 10" {
		t.Errorf("second REQUEST_MATCH reply = %q, want %q", got, "RUNNING_LENGTH 10")
	}

	b.send(t, "GET_STATE")
	if got := b.recv(t); got != "STATE running" {
		t.Errorf("GET_STATE after match = %q, want %q", got, "STATE running")
	}
}

func TestRequestMatch_RejectsBadSeconds(t *testing.T) {
	_, addr := startServer(t)
	c := dial(t, addr)

	for _, arg := range []string{"0", "-5", "86401", "abc", ""} {
		c.send(t, "REQUEST_MATCH "+arg)
		if got := c.recv(t); got != "UNKNOWN" {
			t.Errorf("REQUEST_MATCH %q = %q, want UNKNOWN", arg, got)
		}
	}

	c.send(t, "GET_STATE")
	if got := c.recv(t); got != "STATE open" {
		t.Errorf("state after rejected requests = %q, want %q", got, "STATE open")
	}
}

func TestUnknownCommand(t *testing.T) {
	_, addr := startServer(t)
	c := dial(t, addr)

	c.send(t, "FROBNICATE now")
	if got := c.recv(t); got != "UNKNOWN" {
		t.Errorf("unknown command reply = %q, want UNKNOWN", got)
	}
}

func TestCommandsAreCaseInsensitive(t *testing.T) {
	_, addr := startServer(t)
	c := dial(t, addr)

	c.send(t, "get_state")
	if got := c.recv(t); got != "STATE open" {
		t.Errorf("lowercase GET_STATE = %q, want %q", got, "STATE open")
	}
}

func TestMatchTimerStopsSession(t *testing.T) {
	srv, addr := startServer(t)
	c := dial(t, addr)

	c.send(t, "REQUEST_MATCH 0.1")
	if got := c.recv(t); got != "RUNNING_LENGTH 0" {
		t.Fatalf("REQUEST_MATCH 0.1 reply = %q, want %q", got, "RUNNING_LENGTH 0")
	}
	if got := c.recv(t); got != "STATE running" {
		t.Fatalf("broadcast = %q, want %q", got, "STATE running")
	}

	select {
	case <-srv.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop after the match timer expired")
	}
	if got := c.recv(t); got != "STATE stop" {
		t.Errorf("final broadcast = %q, want %q", got, "STATE stop")
	}
}

func TestLastDisconnectDuringMatchStopsSession(t *testing.T) {
	srv, addr := startServer(t)
	c := dial(t, addr)

	c.send(t, "REQUEST_MATCH 3600")
	c.recv(t) // RUNNING_LENGTH 3600
	c.recv(t) // STATE running

	c.conn.Close()
	select {
	case <-srv.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session kept running with no connected clients")
	}
}

func TestDisconnectWhileOpenKeepsServing(t *testing.T) {
	_, addr := startServer(t)
	a := dial(t, addr)
	a.conn.Close()

	// Give the read loop a moment to observe the close.
	time.Sleep(50 * time.Millisecond)

	b := dial(t, addr)
	b.send(t, "GET_STATE")
	if got := b.recv(t); got != "STATE open" {
		t.Errorf("GET_STATE after lobby disconnect = %q, want %q", got, "STATE open")
	}
}
