package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func listen(t *testing.T) (net.Listener, string, uint16) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	addr := ln.Addr().(*net.TCPAddr)
	return ln, addr.IP.String(), uint16(addr.Port)
}

func TestTCPPortSendReceive(t *testing.T) {
	ln, host, port := listen(t)
	received := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		received <- buf
		_, _ = conn.Write([]byte{0x20, 0x02, 0x00, 0x00})
	}()

	p := NewTCPPort(time.Second)
	if err := p.Connect(context.Background(), host, port, time.Second); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer p.Close()

	if err := p.Send([]byte{0xC0, 0x00, 0xC0, 0x00}); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case data := <-received:
		if !bytes.Equal(data, []byte{0xC0, 0x00, 0xC0, 0x00}) {
			t.Errorf("unexpected data %x", data)
		}
	case <-time.After(time.Second):
		t.Fatal("server did not receive data")
	}

	buf := make([]byte, 16)
	n, err := p.Receive(buf, time.Second)
	if err != nil || n != 4 {
		t.Fatalf("receive n=%d err=%v", n, err)
	}
}

func TestTCPPortReceiveTimeout(t *testing.T) {
	ln, host, port := listen(t)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		time.Sleep(500 * time.Millisecond)
		_ = conn.Close()
	}()

	p := NewTCPPort(time.Second)
	if err := p.Connect(context.Background(), host, port, time.Second); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer p.Close()

	_, err := p.Receive(make([]byte, 4), 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestTCPPortPeerClose(t *testing.T) {
	ln, host, port := listen(t)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		_ = conn.Close()
	}()

	p := NewTCPPort(time.Second)
	if err := p.Connect(context.Background(), host, port, time.Second); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer p.Close()

	_, err := p.Receive(make([]byte, 4), time.Second)
	if !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestTCPPortRefused(t *testing.T) {
	ln, host, port := listen(t)
	_ = ln.Close()

	p := NewTCPPort(time.Second)
	err := p.Connect(context.Background(), host, port, time.Second)
	if !errors.Is(err, ErrRefused) {
		t.Errorf("expected ErrRefused, got %v", err)
	}
	var transportErr *Error
	if !errors.As(err, &transportErr) {
		t.Errorf("expected *Error, got %T", err)
	}
}

func TestTCPPortNotConnectedAndIdempotentClose(t *testing.T) {
	p := NewTCPPort(time.Second)
	if err := p.Send([]byte{0x00}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if _, err := p.Receive(make([]byte, 1), time.Millisecond); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("close on idle port: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestWebSocketPort(t *testing.T) {
	upgrader := websocket.Upgrader{Subprotocols: []string{"mqtt"}}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/mqtt" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			// 回显两次，验证分帧读取
			_ = conn.WriteMessage(messageType, append(data, data...))
		}
	}))
	defer server.Close()

	addr := server.Listener.Addr().(*net.TCPAddr)
	p := NewWebSocketPort("", time.Second)
	if err := p.Connect(context.Background(), addr.IP.String(), uint16(addr.Port), time.Second); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer p.Close()

	// 超时后连接仍可继续读取
	if _, err := p.Receive(make([]byte, 4), 10*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout on idle connection, got %v", err)
	}
	if err := p.Send([]byte{0xC0, 0x00}); err != nil {
		t.Fatalf("send: %v", err)
	}
	buf := make([]byte, 3)
	n, err := p.Receive(buf, time.Second)
	if err != nil || n != 3 || !bytes.Equal(buf, []byte{0xC0, 0x00, 0xC0}) {
		t.Fatalf("first receive n=%d err=%v buf=%x", n, err, buf)
	}
	n, err = p.Receive(buf, time.Second)
	if err != nil || n != 1 || buf[0] != 0x00 {
		t.Fatalf("second receive n=%d err=%v buf=%x", n, err, buf[:n])
	}
}

func TestWebSocketPortBadPath(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()
	addr := server.Listener.Addr().(*net.TCPAddr)

	p := NewWebSocketPort("/other", time.Second)
	err := p.Connect(context.Background(), addr.IP.String(), uint16(addr.Port), time.Second)
	if !errors.Is(err, ErrRefused) {
		t.Errorf("expected ErrRefused, got %v", err)
	}
}

func TestResolverCache(t *testing.T) {
	calls := 0
	lookup := func(_ context.Context, host string, nameServers []netip.Addr) ([]netip.Addr, error) {
		calls++
		if host == "missing.local" {
			return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
		}
		if len(nameServers) != 1 {
			t.Errorf("expected name servers to be passed through, got %v", nameServers)
		}
		return []netip.Addr{netip.MustParseAddr("::1"), netip.MustParseAddr("192.168.1.20")}, nil
	}
	r := NewResolverWithLookup(8, time.Minute, time.Second, lookup)
	servers := []netip.Addr{netip.MustParseAddr("192.168.1.1")}

	for i := 0; i < 3; i++ {
		addr, err := r.Resolve(context.Background(), "broker.local", servers)
		if err != nil || addr != "192.168.1.20" {
			t.Fatalf("resolve: %s %v", addr, err)
		}
	}
	if calls != 1 {
		t.Errorf("expected 1 lookup, got %d", calls)
	}

	r.Forget("broker.local")
	if _, err := r.Resolve(context.Background(), "broker.local", servers); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected lookup after Forget, got %d calls", calls)
	}

	addr, err := r.Resolve(context.Background(), "10.0.0.5", nil)
	if err != nil || addr != "10.0.0.5" || calls != 2 {
		t.Errorf("IP literal should bypass lookup: %s %v calls=%d", addr, err, calls)
	}

	if _, err := r.Resolve(context.Background(), "missing.local", servers); err == nil {
		t.Error("expected error for unknown host")
	}
}
