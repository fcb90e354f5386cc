package mock

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-sensor-node/internal/mqtt"
	"github.com/life-stream-dev/life-stream-sensor-node/internal/packet"
	"github.com/life-stream-dev/life-stream-sensor-node/internal/transport"
)

// Received 代理收到的一个报文
type Received struct {
	Conn      int
	Type      mqtt.PacketType
	ClientID  string
	KeepAlive uint16
	Topic     string
	Payload   []byte
}

// Broker 内存中的 MQTT 3.1.1 代理，自动应答 CONNECT 与 PINGREQ
type Broker struct {
	mu          sync.Mutex
	refuse      bool
	connAckCode packet.ConnectRespType
	failSends   int
	silent      bool
	connects    int
	received    []Received
	lost        [][]byte
	active      map[int]*conn
	notify      chan struct{}
}

// conn 代理侧记录的连接，用于在任意协程中重置
type conn struct {
	closed chan struct{}
	once   *sync.Once
}

func (c *conn) close() {
	c.once.Do(func() { close(c.closed) })
}

func NewBroker() *Broker {
	return &Broker{
		active: make(map[int]*conn),
		notify: make(chan struct{}),
	}
}

func (b *Broker) NewPort() transport.Port {
	return &Port{broker: b}
}

// Refuse 拒绝新的传输连接
func (b *Broker) Refuse(refuse bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refuse = refuse
}

// RejectWith 以指定返回码应答后续的 CONNECT
func (b *Broker) RejectWith(code packet.ConnectRespType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connAckCode = code
}

// FailNextSends 接下来n次发送在写出途中失败，连接随之被重置
func (b *Broker) FailNextSends(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failSends = n
}

// Silence 代理不再应答任何报文
func (b *Broker) Silence(silent bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.silent = silent
}

// DropConnections 重置所有活动连接
func (b *Broker) DropConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, c := range b.active {
		c.close()
		delete(b.active, id)
	}
}

func (b *Broker) Connects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

func (b *Broker) Packets() []Received {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Received(nil), b.received...)
}

func (b *Broker) Publishes() []Received {
	var result []Received
	for _, r := range b.Packets() {
		if r.Type == mqtt.PUBLISH {
			result = append(result, r)
		}
	}
	return result
}

// Lost 发送失败、未到达代理的原始帧
func (b *Broker) Lost() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.lost...)
}

// WaitFor 等待cond对已收到的报文成立
func (b *Broker) WaitFor(timeout time.Duration, cond func([]Received) bool) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		b.mu.Lock()
		ok := cond(b.received)
		notify := b.notify
		b.mu.Unlock()
		if ok {
			return true
		}
		select {
		case <-notify:
		case <-deadline.C:
			return false
		}
	}
}

func (b *Broker) connect(p *Port) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refuse {
		return &transport.Error{Op: "connect", Err: transport.ErrRefused}
	}
	b.connects++
	p.id = b.connects
	p.inbound = make(chan []byte, 8)
	p.closed = make(chan struct{})
	p.closeOnce = &sync.Once{}
	b.active[p.id] = &conn{closed: p.closed, once: p.closeOnce}
	return nil
}

func (b *Broker) handle(p *Port, data []byte) error {
	b.mu.Lock()
	if b.failSends > 0 {
		b.failSends--
		b.lost = append(b.lost, append([]byte(nil), data...))
		b.mu.Unlock()
		p.peerClose()
		return &transport.Error{Op: "send", Err: transport.ErrClosed}
	}
	defer b.mu.Unlock()

	pkt, err := mqtt.ReadPacket(bytes.NewReader(data))
	if err != nil {
		return &transport.Error{Op: "send", Err: transport.ErrClosed, Cause: err}
	}
	r := Received{Conn: p.id, Type: pkt.Header.Type}
	var reply []byte
	switch pkt.Header.Type {
	case mqtt.CONNECT:
		// 2+4 协议名, 1 级别, 1 标志, 2 keep alive, 2 长度
		if len(pkt.Body) >= 12 {
			r.KeepAlive = mqtt.ByteToUInt16(pkt.Body[8:10])
			idLen := int(mqtt.ByteToUInt16(pkt.Body[10:12]))
			if 12+idLen <= len(pkt.Body) {
				r.ClientID = string(pkt.Body[12 : 12+idLen])
			}
		}
		reply = packet.NewConnectAckPacket(false, b.connAckCode)
	case mqtt.PUBLISH:
		msg, err := packet.ParsePublishPacket(pkt)
		if err == nil {
			r.Topic = msg.Topic
			r.Payload = append([]byte(nil), msg.Payload...)
		}
	case mqtt.PINGREQ:
		reply = packet.NewPingRespPacket()
	}
	b.received = append(b.received, r)
	close(b.notify)
	b.notify = make(chan struct{})

	if reply != nil && !b.silent {
		select {
		case p.inbound <- reply:
		default:
		}
	}
	return nil
}

func (b *Broker) release(p *Port) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.active, p.id)
}

// Port 连接到 Broker 的内存传输端口
type Port struct {
	broker    *Broker
	id        int
	inbound   chan []byte
	closed    chan struct{}
	closeOnce *sync.Once
	buf       []byte
	bufOffset int
}

func (p *Port) Connect(ctx context.Context, _ string, _ uint16, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return &transport.Error{Op: "connect", Err: transport.ErrTimeout, Cause: err}
	}
	if p.closed != nil {
		_ = p.Close()
	}
	p.buf = nil
	p.bufOffset = 0
	return p.broker.connect(p)
}

func (p *Port) Send(data []byte) error {
	if p.closed == nil {
		return &transport.Error{Op: "send", Err: transport.ErrNotConnected}
	}
	select {
	case <-p.closed:
		return &transport.Error{Op: "send", Err: transport.ErrClosed}
	default:
	}
	return p.broker.handle(p, data)
}

func (p *Port) Receive(buf []byte, timeout time.Duration) (int, error) {
	if p.closed == nil {
		return 0, &transport.Error{Op: "receive", Err: transport.ErrNotConnected}
	}
	if p.bufOffset < len(p.buf) {
		n := copy(buf, p.buf[p.bufOffset:])
		p.bufOffset += n
		return n, nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case data := <-p.inbound:
		p.buf = data
		n := copy(buf, data)
		p.bufOffset = n
		return n, nil
	case <-p.closed:
		return 0, &transport.Error{Op: "receive", Err: transport.ErrClosed}
	case <-timer.C:
		return 0, &transport.Error{Op: "receive", Err: transport.ErrTimeout}
	}
}

func (p *Port) Close() error {
	if p.closed == nil {
		return nil
	}
	p.peerClose()
	p.closed = nil
	return nil
}

func (p *Port) peerClose() {
	ch, once := p.closed, p.closeOnce
	if ch == nil {
		return
	}
	once.Do(func() { close(ch) })
	p.broker.release(p)
}
