package session

import (
	"bytes"
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-sensor-node/internal/link"
	"github.com/life-stream-dev/life-stream-sensor-node/internal/mock"
	"github.com/life-stream-dev/life-stream-sensor-node/internal/mqtt"
	"github.com/life-stream-dev/life-stream-sensor-node/internal/packet"
	"github.com/life-stream-dev/life-stream-sensor-node/internal/radio"
	"github.com/life-stream-dev/life-stream-sensor-node/internal/transport"
)

type fixture struct {
	radio  *mock.Radio
	broker *mock.Broker
	link   *link.Manager
	client *Client
	cancel context.CancelFunc
	done   chan struct{}
}

var fastBackoff = link.Backoff{
	Base:   10 * time.Millisecond,
	Cap:    20 * time.Millisecond,
	Jitter: func(max time.Duration) time.Duration { return max },
}

func newFixture(t *testing.T, keepAlive uint16) *fixture {
	t.Helper()
	addr, err := radio.NewNetworkAddress(netip.MustParseAddr("192.168.1.50"), netip.Addr{}, 24)
	if err != nil {
		t.Fatal(err)
	}
	broker := mock.NewBroker()
	r := mock.NewRadio(addr, broker.NewPort)
	l := link.NewManager(link.Config{
		SSID:         "home",
		AssocTimeout: 100 * time.Millisecond,
		LeaseTimeout: 100 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		Backoff:      fastBackoff,
	}, r, nil)
	c := NewClient(Config{
		BrokerAddress:  "192.168.1.10",
		BrokerPort:     1883,
		ClientID:       "esp32-c3-003",
		KeepAlive:      keepAlive,
		ConnectTimeout: 200 * time.Millisecond,
		PingTimeout:    100 * time.Millisecond,
		FaultBackoff:   fastBackoff,
	}, l, nil, nil)
	return &fixture{radio: r, broker: broker, link: l, client: c}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.done = make(chan struct{})
	linkDone := make(chan struct{})
	go func() {
		_ = f.link.Run(ctx)
		close(linkDone)
	}()
	go func() {
		_ = f.client.Run(ctx)
		<-linkDone
		close(f.done)
	}()
	t.Cleanup(f.stop)
}

func (f *fixture) stop() {
	if f.cancel == nil {
		return
	}
	f.cancel()
	<-f.done
	f.cancel = nil
}

func waitReady(t *testing.T, c *Client) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !c.Ready() {
		if time.Now().After(deadline) {
			t.Fatalf("session not ready, state %s", c.State())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitState(t *testing.T, c *Client, kind Kind) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.State().Kind != kind {
		if time.Now().After(deadline) {
			t.Fatalf("expected state %s, got %s", kind, c.State())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestClientConnectAndPublish(t *testing.T) {
	f := newFixture(t, 60)
	f.start(t)
	waitReady(t, f.client)

	payload := []byte(`{"temperature":21.35}`)
	if err := f.client.Publish(context.Background(), "esp32/sensor/bme280", payload); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := f.client.Publish(context.Background(), "esp32/status", []byte(`{"status":"online"}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	packets := f.broker.Packets()
	if len(packets) != 3 {
		t.Fatalf("expected CONNECT + 2 PUBLISH, got %+v", packets)
	}
	if packets[0].Type != mqtt.CONNECT || packets[0].ClientID != "esp32-c3-003" || packets[0].KeepAlive != 60 {
		t.Errorf("unexpected CONNECT %+v", packets[0])
	}
	if packets[1].Topic != "esp32/sensor/bme280" || !bytes.Equal(packets[1].Payload, payload) {
		t.Errorf("unexpected PUBLISH %+v", packets[1])
	}
	if packets[2].Topic != "esp32/status" {
		t.Errorf("publishes out of order: %+v", packets[2])
	}
	stats := f.client.Stats()
	if stats.Published != 2 || stats.Connects != 1 || stats.Failed != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if f.client.State().Deadline.IsZero() {
		t.Error("Connected state should carry the keep-alive deadline")
	}
}

func TestClientPublishErrors(t *testing.T) {
	f := newFixture(t, 60)
	if err := f.client.Publish(context.Background(), "esp32/status", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}

	f.start(t)
	waitReady(t, f.client)
	var encodingErr *packet.EncodingError
	if err := f.client.Publish(context.Background(), "esp32/#", nil); !errors.As(err, &encodingErr) {
		t.Errorf("expected EncodingError, got %v", err)
	}
	if !f.client.Ready() {
		t.Error("an encoding error must not fault the session")
	}
}

func TestClientRejectedConnAck(t *testing.T) {
	f := newFixture(t, 60)
	f.broker.RejectWith(packet.NotAuthorized)
	f.start(t)

	if !f.broker.WaitFor(2*time.Second, func(r []mock.Received) bool { return len(r) >= 3 }) {
		t.Fatal("client should keep retrying a rejecting broker")
	}
	if f.client.Ready() {
		t.Error("client must not be ready after rejection")
	}
	if f.client.Stats().Faults < 2 {
		t.Errorf("expected repeated faults, got %+v", f.client.Stats())
	}

	f.broker.RejectWith(packet.Accepted)
	waitReady(t, f.client)
}

func TestClientRefusedConnection(t *testing.T) {
	f := newFixture(t, 60)
	f.broker.Refuse(true)
	f.start(t)
	waitState(t, f.client, Faulted)
	if f.broker.Connects() != 0 {
		t.Errorf("refused connection should not reach the broker")
	}
	f.broker.Refuse(false)
	waitReady(t, f.client)
}

func TestClientAtMostOnceUnderFault(t *testing.T) {
	f := newFixture(t, 60)
	f.start(t)
	waitReady(t, f.client)
	ctx := context.Background()

	if err := f.client.Publish(ctx, "esp32/sensor/bme280", []byte("reading=1")); err != nil {
		t.Fatalf("Publish 1: %v", err)
	}
	f.broker.FailNextSends(1)
	if err := f.client.Publish(ctx, "esp32/sensor/bme280", []byte("reading=2")); !errors.Is(err, ErrPublishFailed) {
		t.Fatalf("expected ErrPublishFailed, got %v", err)
	}
	if f.client.Ready() {
		t.Error("session should leave Connected after a failed publish")
	}

	waitReady(t, f.client)
	if err := f.client.Publish(ctx, "esp32/sensor/bme280", []byte("reading=3")); err != nil {
		t.Fatalf("Publish 3: %v", err)
	}

	publishes := f.broker.Publishes()
	if len(publishes) != 2 {
		t.Fatalf("expected 2 delivered publishes, got %+v", publishes)
	}
	if string(publishes[0].Payload) != "reading=1" || string(publishes[1].Payload) != "reading=3" {
		t.Errorf("unexpected delivery order %q %q", publishes[0].Payload, publishes[1].Payload)
	}
	if publishes[0].Conn == publishes[1].Conn {
		t.Error("delivery after a fault must use a new connection")
	}
	if lost := f.broker.Lost(); len(lost) != 1 {
		t.Errorf("failed frame should be attempted exactly once, got %d", len(lost))
	}
	if stats := f.client.Stats(); stats.Failed != 1 || stats.Connects != 2 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestClientLinkLoss(t *testing.T) {
	f := newFixture(t, 60)
	f.start(t)
	waitReady(t, f.client)

	f.radio.SetLinkUp(false)
	deadline := time.Now().Add(time.Second)
	for f.client.Ready() {
		if time.Now().After(deadline) {
			t.Fatal("session stayed Connected after link loss")
		}
		time.Sleep(time.Millisecond)
	}
	waitReady(t, f.client)
	if err := f.client.Publish(context.Background(), "esp32/status", []byte("ok")); err != nil {
		t.Fatalf("publishing should resume after recovery: %v", err)
	}
	if f.broker.Connects() < 2 {
		t.Errorf("expected a reconnect, got %d connects", f.broker.Connects())
	}
}

func TestClientKeepAlive(t *testing.T) {
	f := newFixture(t, 1)
	f.start(t)
	waitReady(t, f.client)

	if !f.broker.WaitFor(2*time.Second, func(r []mock.Received) bool {
		for _, p := range r {
			if p.Type == mqtt.PINGREQ {
				return true
			}
		}
		return false
	}) {
		t.Fatal("no PINGREQ within the keep-alive interval")
	}
	time.Sleep(20 * time.Millisecond)
	if !f.client.Ready() {
		t.Errorf("acknowledged keep-alive should keep the session, state %s", f.client.State())
	}

	f.broker.Silence(true)
	deadline := time.Now().Add(3 * time.Second)
	for f.client.Ready() {
		if time.Now().After(deadline) {
			t.Fatal("missing PINGRESP should fault the session")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if f.client.Stats().Faults == 0 {
		t.Error("expected a fault to be counted")
	}
}

func TestClientDisconnectOnShutdown(t *testing.T) {
	f := newFixture(t, 60)
	f.start(t)
	waitReady(t, f.client)
	f.stop()

	packets := f.broker.Packets()
	if last := packets[len(packets)-1]; last.Type != mqtt.DISCONNECT {
		t.Errorf("expected DISCONNECT on shutdown, got %s", last.Type)
	}
	if f.client.State().Kind != Idle {
		t.Errorf("State() = %s after shutdown", f.client.State())
	}
}

func TestFrameReaderSplitsPackets(t *testing.T) {
	broker := mock.NewBroker()
	port := broker.NewPort()
	if err := port.Connect(context.Background(), "", 0, time.Second); err != nil {
		t.Fatal(err)
	}
	defer port.Close()
	connect, _ := packet.EncodeConnect("x", 10)
	if err := port.Send(connect); err != nil {
		t.Fatal(err)
	}
	if err := port.Send(packet.EncodePingReq()); err != nil {
		t.Fatal(err)
	}

	r := newFrameReader(port)
	frame, err := r.next(time.Second, nil)
	if err != nil || !bytes.Equal(frame, []byte{0x20, 0x02, 0x00, 0x00}) {
		t.Fatalf("first frame %x %v", frame, err)
	}
	frame, err = r.next(time.Second, nil)
	if err != nil || !bytes.Equal(frame, []byte{0xD0, 0x00}) {
		t.Fatalf("second frame %x %v", frame, err)
	}
	if _, err := r.next(10*time.Millisecond, nil); !errors.Is(err, transport.ErrTimeout) {
		t.Errorf("expected timeout with no data, got %v", err)
	}
}

func TestFrameReaderAbort(t *testing.T) {
	broker := mock.NewBroker()
	port := broker.NewPort()
	if err := port.Connect(context.Background(), "", 0, time.Second); err != nil {
		t.Fatal(err)
	}
	defer port.Close()

	abort := make(chan struct{})
	time.AfterFunc(20*time.Millisecond, func() { close(abort) })
	start := time.Now()
	_, err := newFrameReader(port).next(5*time.Second, abort)
	if !errors.Is(err, errReceiveAborted) {
		t.Fatalf("expected errReceiveAborted, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("abort took %s", elapsed)
	}
}

// leaveWithin 等待会话离开 kind，返回耗时与新状态
func leaveWithin(t *testing.T, c *Client, kind Kind, limit time.Duration) (time.Duration, State) {
	t.Helper()
	start := time.Now()
	for {
		state := c.State()
		if state.Kind != kind {
			return time.Since(start), state
		}
		if time.Since(start) > limit {
			t.Fatalf("session still %s after %s", kind, limit)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestClientLinkLossWhileWaitingForConnAck(t *testing.T) {
	f := newFixture(t, 60)
	f.client.cfg.ConnectTimeout = 2 * time.Second
	f.broker.Silence(true)
	f.start(t)
	waitState(t, f.client, Connecting)
	time.Sleep(50 * time.Millisecond)

	f.radio.SetLinkUp(false)
	elapsed, state := leaveWithin(t, f.client, Connecting, 3*time.Second)
	if elapsed > 500*time.Millisecond {
		t.Errorf("session left Connecting %s after link loss", elapsed)
	}
	if state.Kind != Faulted || state.Reason != "link lost while connecting" {
		t.Errorf("unexpected state after link loss: %s", state)
	}
}

func TestClientLinkLossWhileWaitingForPingResp(t *testing.T) {
	f := newFixture(t, 1)
	f.client.cfg.PingTimeout = 2 * time.Second
	f.start(t)
	waitReady(t, f.client)

	f.broker.Silence(true)
	if !f.broker.WaitFor(3*time.Second, func(r []mock.Received) bool {
		for _, p := range r {
			if p.Type == mqtt.PINGREQ {
				return true
			}
		}
		return false
	}) {
		t.Fatal("no PINGREQ sent")
	}
	time.Sleep(20 * time.Millisecond)

	f.radio.SetLinkUp(false)
	elapsed, state := leaveWithin(t, f.client, Connected, 3*time.Second)
	if elapsed > 500*time.Millisecond {
		t.Errorf("session left Connected %s after link loss", elapsed)
	}
	if state.Kind != Faulted || state.Reason != "link lost" {
		t.Errorf("unexpected state after link loss: %s", state)
	}
}

// chunkedPort 在第一次 Receive 中同时交付 CONNACK 与 PINGRESP
type chunkedPort struct {
	mu       sync.Mutex
	received int
	sent     []mqtt.PacketType
}

func (p *chunkedPort) Connect(context.Context, string, uint16, time.Duration) error { return nil }

func (p *chunkedPort) Send(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, mqtt.PacketType(data[0]>>4))
	return nil
}

func (p *chunkedPort) Receive(buf []byte, timeout time.Duration) (int, error) {
	p.mu.Lock()
	first := p.received == 0
	p.received++
	p.mu.Unlock()
	if first {
		return copy(buf, []byte{0x20, 0x02, 0x00, 0x00, 0xD0, 0x00}), nil
	}
	time.Sleep(timeout)
	return 0, &transport.Error{Op: "receive", Err: transport.ErrTimeout}
}

func (p *chunkedPort) Close() error { return nil }

func (p *chunkedPort) pings() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, typ := range p.sent {
		if typ == mqtt.PINGREQ {
			n++
		}
	}
	return n
}

func TestClientKeepsBytesAfterConnAck(t *testing.T) {
	addr, err := radio.NewNetworkAddress(netip.MustParseAddr("192.168.1.50"), netip.Addr{}, 24)
	if err != nil {
		t.Fatal(err)
	}
	port := &chunkedPort{}
	f := newFixture(t, 1)
	f.radio = mock.NewRadio(addr, func() transport.Port { return port })
	f.link = link.NewManager(link.Config{
		SSID:         "home",
		AssocTimeout: 100 * time.Millisecond,
		LeaseTimeout: 100 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		Backoff:      fastBackoff,
	}, f.radio, nil)
	f.client = NewClient(f.client.cfg, f.link, nil, nil)
	f.start(t)
	waitReady(t, f.client)

	deadline := time.Now().Add(3 * time.Second)
	for port.pings() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no PINGREQ sent")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if !f.client.Ready() || f.client.Stats().Faults != 0 {
		t.Errorf("PINGRESP read together with CONNACK was lost, state %s stats %+v", f.client.State(), f.client.Stats())
	}
}
