package tcp

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/kabili207/fota-go/core/codec"
	"github.com/kabili207/fota-go/transport"
)

// pipeDialer hands out the client end of a fresh net.Pipe per dial and
// passes the server end to serve.
func pipeDialer(serve func(net.Conn)) DialFunc {
	return func(context.Context) (net.Conn, error) {
		server, client := net.Pipe()
		go serve(server)
		return client, nil
	}
}

func TestLink_SendReceive(t *testing.T) {
	l := New(Config{Dial: pipeDialer(func(c net.Conn) {
		defer c.Close()
		r := bufio.NewReader(c)
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		// Echo the line back, then a chunk whose payload holds the delimiter.
		c.Write([]byte(line))
		c.Write([]byte("{\"s\":3}\nA\nB"))
	})})

	var events []transport.Event
	var mu sync.Mutex
	l.SetStateHandler(func(_ transport.Link, ev transport.Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})

	if err := l.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !l.IsConnected() {
		t.Fatal("expected connected")
	}
	if err := l.Send([]byte("hello\n")); err != nil {
		t.Fatal(err)
	}

	got, err := l.ReceiveUntil('\n', time.Second)
	if err != nil || string(got) != "hello" {
		t.Fatalf("ReceiveUntil = %q, %v", got, err)
	}
	got, err = l.ReceiveUntil('\n', time.Second)
	if err != nil || string(got) != `{"s":3}` {
		t.Fatalf("header line = %q, %v", got, err)
	}
	got, err = l.ReceiveN(3, time.Second)
	if err != nil || string(got) != "A\nB" {
		t.Fatalf("ReceiveN = %q, %v", got, err)
	}

	if err := l.Close(); err != nil {
		t.Error(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 || events[0] != transport.EventConnected || events[1] != transport.EventDisconnected {
		t.Errorf("events = %v", events)
	}
}

func TestLink_SatisfiesSource(t *testing.T) {
	var _ codec.Source = (*Link)(nil)
}

func TestLink_Timeout(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	l := New(Config{Dial: pipeDialer(func(c net.Conn) {
		<-hold
		c.Close()
	})})
	if err := l.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	_, err := l.ReceiveUntil('\n', 20*time.Millisecond)
	if !transport.IsTimeout(err) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if !l.IsConnected() {
		t.Error("a timeout must not drop the link")
	}
}

func TestLink_PeerCloseDisconnects(t *testing.T) {
	l := New(Config{Dial: pipeDialer(func(c net.Conn) { c.Close() })})
	if err := l.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	_, err := l.ReceiveN(4, time.Second)
	if !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if l.IsConnected() {
		t.Error("link should be down after EOF")
	}
	if err := l.Send([]byte("x")); !errors.Is(err, transport.ErrNotConnected) {
		t.Errorf("Send after drop = %v", err)
	}
}

func TestLink_LifecycleEvents(t *testing.T) {
	fail := false
	l := New(Config{Dial: func(ctx context.Context) (net.Conn, error) {
		if fail {
			return nil, errors.New("refused")
		}
		return pipeDialer(func(c net.Conn) { c.Close() })(ctx)
	}})

	var events []transport.Event
	l.SetStateHandler(func(_ transport.Link, ev transport.Event) { events = append(events, ev) })

	if err := l.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	// The peer hangs up: the failed read reports an error and a disconnect.
	if _, err := l.ReceiveN(1, time.Second); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("ReceiveN = %v", err)
	}
	fail = true
	if err := l.Connect(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}
	fail = false
	if err := l.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := []transport.Event{
		transport.EventConnected,
		transport.EventError, transport.EventDisconnected,
		transport.EventReconnecting, transport.EventError,
		transport.EventReconnecting, transport.EventConnected,
	}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}
}

func TestLink_ConnectErrors(t *testing.T) {
	if err := New(Config{}).Connect(context.Background()); err == nil {
		t.Error("expected error without address")
	}

	failing := New(Config{Addr: "x", Dial: func(context.Context) (net.Conn, error) {
		return nil, errors.New("refused")
	}})
	if err := failing.Connect(context.Background()); err == nil {
		t.Error("expected dial error")
	}
	if failing.IsConnected() {
		t.Error("failed dial must leave link down")
	}
}

func TestLink_RealSocket(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot listen: %v", err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		c.Write([]byte("ready\n"))
	}()

	l := New(Config{Addr: ln.Addr().String()})
	if err := l.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	got, err := l.ReceiveUntil('\n', time.Second)
	if err != nil || string(got) != "ready" {
		t.Fatalf("ReceiveUntil = %q, %v", got, err)
	}
}
