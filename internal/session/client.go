package session

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/life-stream-dev/life-stream-sensor-node/internal/link"
	"github.com/life-stream-dev/life-stream-sensor-node/internal/logger"
	"github.com/life-stream-dev/life-stream-sensor-node/internal/mqtt"
	"github.com/life-stream-dev/life-stream-sensor-node/internal/packet"
	"github.com/life-stream-dev/life-stream-sensor-node/internal/status"
	"github.com/life-stream-dev/life-stream-sensor-node/internal/transport"
)

var (
	ErrNotConnected  = errors.New("broker session is not connected")
	ErrPublishFailed = errors.New("publish failed, session faulted")
)

// Link 会话依赖的链路能力
type Link interface {
	Signal() *link.Signal
	Port() (transport.Port, error)
}

// Resolver 代理主机名解析
type Resolver interface {
	Resolve(ctx context.Context, host string, nameServers []netip.Addr) (string, error)
	Forget(host string)
}

type Config struct {
	BrokerAddress  string
	BrokerPort     uint16
	ClientID       string
	KeepAlive      uint16 // 秒
	ConnectTimeout time.Duration
	PingTimeout    time.Duration
	FaultBackoff   link.Backoff
}

type publishRequest struct {
	frame  []byte
	result chan error
}

// Client 到代理的会话，Run 所在的协程是端口的唯一使用者
type Client struct {
	cfg      Config
	link     Link
	resolver Resolver
	reporter status.Reporter
	requests chan publishRequest

	mu    sync.RWMutex
	state State
	// connected 在离开 Connected 时关闭
	connected chan struct{}

	published atomic.Uint64
	failed    atomic.Uint64
	connects  atomic.Uint64
	faults    atomic.Uint64
}

func NewClient(cfg Config, l Link, resolver Resolver, reporter status.Reporter) *Client {
	if reporter == nil {
		reporter = status.Discard{}
	}
	return &Client{
		cfg:      cfg,
		link:     l,
		resolver: resolver,
		reporter: reporter,
		requests: make(chan publishRequest),
		state:    State{Kind: Idle, Since: time.Now()},
	}
}

func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Ready 会话是否处于 Connected
func (c *Client) Ready() bool {
	return c.State().Kind == Connected
}

func (c *Client) Stats() Stats {
	return Stats{
		Published: c.published.Load(),
		Failed:    c.failed.Load(),
		Connects:  c.connects.Load(),
		Faults:    c.faults.Load(),
	}
}

// Publish 按调用顺序发送一个 QoS 0 PUBLISH，失败不会重试
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	frame, err := packet.EncodePublish(topic, payload)
	if err != nil {
		return err
	}

	c.mu.RLock()
	kind, connected := c.state.Kind, c.connected
	c.mu.RUnlock()
	if kind != Connected {
		return ErrNotConnected
	}

	req := publishRequest{frame: frame, result: make(chan error, 1)}
	select {
	case c.requests <- req:
	case <-connected:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run 驱动会话状态机直到ctx结束
func (c *Client) Run(ctx context.Context) error {
	failures := uint32(0)
	for {
		address, err := c.link.Signal().WaitUp(ctx)
		if err != nil {
			return nil
		}

		sessionID := uuid.NewString()
		port, reader, reason := c.connect(ctx, sessionID, address.NameServers())
		if port != nil {
			failures = 0
			reason = c.serve(ctx, sessionID, port, reader)
			if ctx.Err() != nil {
				c.disconnect(sessionID, port)
				c.transition(State{Kind: Idle}, "shutdown")
				return nil
			}
			_ = port.Close()
		}
		if ctx.Err() != nil {
			c.transition(State{Kind: Idle}, "shutdown")
			return nil
		}

		failures++
		c.faults.Add(1)
		c.transition(State{Kind: Faulted, Reason: reason}, reason)
		logger.WarnF("[%s] Session faulted, details: %s", sessionID, reason)

		timer := time.NewTimer(c.cfg.FaultBackoff.Duration(failures))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			c.transition(State{Kind: Idle}, "shutdown")
			return nil
		}
		c.transition(State{Kind: Idle}, "")
	}
}

// connect 完成 CONNECT/CONNACK 握手，失败时返回原因且端口已关闭
// 返回的 reader 可能已缓存 CONNACK 之后的字节，serve 必须沿用
func (c *Client) connect(ctx context.Context, sessionID string, nameServers []netip.Addr) (transport.Port, *frameReader, string) {
	c.transition(State{Kind: Connecting, Deadline: time.Now().Add(c.cfg.ConnectTimeout)}, "")

	// 链路翻转时立即放弃连接
	connectCtx, cancel := c.linkScoped(ctx)
	defer cancel()

	host := c.cfg.BrokerAddress
	if c.resolver != nil {
		resolved, err := c.resolver.Resolve(connectCtx, c.cfg.BrokerAddress, nameServers)
		if err != nil {
			if connectCtx.Err() != nil && ctx.Err() == nil {
				return nil, nil, "link lost while connecting"
			}
			return nil, nil, fmt.Sprintf("resolve %s: %v", c.cfg.BrokerAddress, err)
		}
		host = resolved
	}

	port, err := c.link.Port()
	if err != nil {
		return nil, nil, err.Error()
	}
	fail := func(reason string) (transport.Port, *frameReader, string) {
		_ = port.Close()
		if connectCtx.Err() != nil && ctx.Err() == nil {
			reason = "link lost while connecting"
		}
		return nil, nil, reason
	}

	if err := port.Connect(connectCtx, host, c.cfg.BrokerPort, c.cfg.ConnectTimeout); err != nil {
		if c.resolver != nil {
			c.resolver.Forget(c.cfg.BrokerAddress)
		}
		return fail(err.Error())
	}

	frame, err := packet.EncodeConnect(c.cfg.ClientID, c.cfg.KeepAlive)
	if err != nil {
		return fail(err.Error())
	}
	if err := port.Send(frame); err != nil {
		return fail(err.Error())
	}

	reader := newFrameReader(port)
	response, err := reader.next(c.cfg.ConnectTimeout, connectCtx.Done())
	if err != nil {
		return fail("waiting for CONNACK: " + err.Error())
	}
	outcome, err := packet.DecodeConnAck(response)
	if err != nil {
		return fail(err.Error())
	}
	if !outcome.Accepted() {
		return fail("broker " + outcome.String())
	}
	if connectCtx.Err() != nil {
		return fail("link lost while connecting")
	}

	c.connects.Add(1)
	logger.InfoF("[%s] Connected to broker %s:%d as %s", sessionID, host, c.cfg.BrokerPort, c.cfg.ClientID)
	return port, reader, ""
}

// serve 处理 Connected 状态，返回离开的原因
func (c *Client) serve(ctx context.Context, sessionID string, port transport.Port, reader *frameReader) string {
	keepAlive := time.Duration(c.cfg.KeepAlive) * time.Second
	// 链路翻转或关闭时 scoped 结束
	scoped, cancel := c.linkScoped(ctx)
	defer cancel()
	if scoped.Err() != nil {
		return "link lost"
	}
	leave := func() string {
		if ctx.Err() != nil {
			return "shutdown"
		}
		return "link lost"
	}

	connected := make(chan struct{})
	defer close(connected)
	c.mu.Lock()
	c.connected = connected
	c.mu.Unlock()
	c.transition(State{Kind: Connected, Deadline: time.Now().Add(keepAlive)}, "")

	var pingTimer <-chan time.Time
	var timer *time.Timer
	if keepAlive > 0 {
		timer = time.NewTimer(keepAlive)
		defer timer.Stop()
		pingTimer = timer.C
	}
	resetKeepAlive := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(keepAlive)
		c.setDeadline(time.Now().Add(keepAlive))
	}
	for {
		select {
		case <-scoped.Done():
			return leave()
		case req := <-c.requests:
			if err := port.Send(req.frame); err != nil {
				c.failed.Add(1)
				req.result <- fmt.Errorf("%w: %v", ErrPublishFailed, err)
				return "publish failed: " + err.Error()
			}
			c.published.Add(1)
			req.result <- nil
			resetKeepAlive()
		case <-pingTimer:
			if err := port.Send(packet.EncodePingReq()); err != nil {
				return "keep-alive: " + err.Error()
			}
			if err := c.awaitPingResp(reader, scoped.Done()); err != nil {
				if errors.Is(err, errReceiveAborted) {
					return leave()
				}
				return "keep-alive: " + err.Error()
			}
			logger.DebugF("[%s] Keep-alive acknowledged", sessionID)
			resetKeepAlive()
		}
	}
}

func (c *Client) awaitPingResp(reader *frameReader, abort <-chan struct{}) error {
	deadline := time.Now().Add(c.cfg.PingTimeout)
	for {
		frame, err := reader.next(time.Until(deadline), abort)
		if err != nil {
			return err
		}
		if mqtt.PacketType(frame[0]>>4) == mqtt.PINGRESP {
			return packet.DecodePingResp(frame)
		}
		logger.DebugF("Ignoring unexpected %s while waiting for PINGRESP", mqtt.PacketType(frame[0]>>4))
	}
}

func (c *Client) disconnect(sessionID string, port transport.Port) {
	if err := port.Send(packet.EncodeDisconnect()); err != nil {
		logger.DebugF("[%s] Fail to send DISCONNECT, details: %v", sessionID, err)
	}
	_ = port.Close()
	logger.InfoF("[%s] Disconnected from broker", sessionID)
}

// linkScoped 返回在链路就绪信号翻转时取消的ctx
func (c *Client) linkScoped(ctx context.Context) (context.Context, context.CancelFunc) {
	scoped, cancel := context.WithCancel(ctx)
	changed := c.link.Signal().Changed()
	if _, up := c.link.Signal().Up(); !up {
		cancel()
		return scoped, cancel
	}
	go func() {
		select {
		case <-changed:
			cancel()
		case <-scoped.Done():
		}
	}()
	return scoped, cancel
}

func (c *Client) setDeadline(deadline time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Deadline = deadline
}

func (c *Client) transition(next State, reason string) {
	next.Since = time.Now()
	c.mu.Lock()
	prev := c.state
	c.state = next
	c.mu.Unlock()
	if prev.Kind == next.Kind && next.Kind != Faulted {
		return
	}
	c.reporter.Report(status.Transition(status.ComponentSession, prev, next, reason))
}
