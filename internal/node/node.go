// Package node 根据配置组装链路、会话与遥测流水线并运行
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/life-stream-dev/life-stream-sensor-node/internal/config"
	"github.com/life-stream-dev/life-stream-sensor-node/internal/database"
	"github.com/life-stream-dev/life-stream-sensor-node/internal/link"
	"github.com/life-stream-dev/life-stream-sensor-node/internal/logger"
	"github.com/life-stream-dev/life-stream-sensor-node/internal/radio"
	"github.com/life-stream-dev/life-stream-sensor-node/internal/sensor"
	"github.com/life-stream-dev/life-stream-sensor-node/internal/session"
	"github.com/life-stream-dev/life-stream-sensor-node/internal/status"
	"github.com/life-stream-dev/life-stream-sensor-node/internal/telemetry"
	"github.com/life-stream-dev/life-stream-sensor-node/internal/transport"
	"golang.org/x/sync/errgroup"
)

const (
	statusBuffer      = 64
	resolverCacheSize = 8
	resolverTTL       = 5 * time.Minute
)

type Option func(*Node)

// WithRadio 使用给定的无线模组代替配置中的驱动
func WithRadio(r radio.Radio) Option {
	return func(n *Node) { n.radio = r }
}

func WithSensor(d sensor.Driver) Option {
	return func(n *Node) { n.driver = d }
}

func WithStore(s database.EventStore) Option {
	return func(n *Node) { n.store = s }
}

// WithoutResolver 代理地址按原样交给端口
func WithoutResolver() Option {
	return func(n *Node) { n.noResolver = true }
}

type Node struct {
	cfg        *config.Config
	radio      radio.Radio
	driver     sensor.Driver
	store      database.EventStore
	noResolver bool

	recorder *status.Recorder
	link     *link.Manager
	session  *session.Client
	pipeline *telemetry.Pipeline
	closers  []func(ctx context.Context) error
}

// New 组装节点，配置必须已经通过校验
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := &Node{cfg: cfg}
	for _, opt := range opts {
		opt(n)
	}
	timing := cfg.Timing()

	if err := n.buildStore(ctx, timing); err != nil {
		return nil, err
	}
	if err := n.buildRadio(ctx, timing); err != nil {
		n.closeAll(ctx)
		return nil, err
	}
	if n.driver == nil {
		n.driver = buildSensor(cfg)
	}

	backoff := link.Backoff{Base: timing.BackoffBase, Cap: timing.BackoffCap}
	storeTimeout := timing.JournalTimeout
	if storeTimeout <= 0 {
		storeTimeout = 5 * time.Second
	}
	n.recorder = status.NewRecorder(n.store, statusBuffer, storeTimeout)
	n.link = link.NewManager(link.Config{
		SSID:         cfg.SSID,
		Credentials:  cfg.Credentials,
		AssocTimeout: timing.Assoc,
		LeaseTimeout: timing.Lease,
		PollInterval: timing.LinkPoll,
		Backoff:      backoff,
	}, n.radio, n.recorder)

	var resolver session.Resolver
	if !n.noResolver {
		resolver = transport.NewResolver(resolverCacheSize, resolverTTL, timing.Connect)
	}
	n.session = session.NewClient(session.Config{
		BrokerAddress:  cfg.BrokerAddress,
		BrokerPort:     uint16(cfg.BrokerPort),
		ClientID:       cfg.ClientIdentifier,
		KeepAlive:      uint16(cfg.KeepAliveSeconds),
		ConnectTimeout: timing.Connect,
		PingTimeout:    timing.Ping,
		FaultBackoff:   backoff,
	}, n.link, resolver, n.recorder)

	n.pipeline = telemetry.NewPipeline(telemetry.Config{
		TopicPrefix:       cfg.TopicPrefix,
		DeviceID:          cfg.DeviceID,
		ClientID:          cfg.ClientIdentifier,
		SampleInterval:    timing.SampleInterval,
		StatusInterval:    timing.StatusInterval,
		HeartbeatInterval: timing.HeartbeatInterval,
	}, n.driver, n.session, n.link, n.recorder)
	return n, nil
}

func (n *Node) buildStore(ctx context.Context, timing config.Timing) error {
	if n.store != nil {
		return nil
	}
	journal := n.cfg.Journal
	if journal == nil {
		n.store = database.NewMemoryStore(database.DefaultRingCapacity)
		return nil
	}
	store, err := database.ConnectDatabase(ctx, database.Options{
		URI:              journal.URI,
		Database:         journal.Database,
		AppName:          n.cfg.ClientIdentifier,
		OperationTimeout: timing.JournalTimeout,
		Retention:        timing.JournalRetention,
	})
	if err != nil {
		return fmt.Errorf("fail to connect status journal: %w", err)
	}
	n.store = store
	n.closers = append(n.closers, database.NewDBCloseCallback(store).Invoke)
	return nil
}

func (n *Node) buildRadio(ctx context.Context, timing config.Timing) error {
	if n.radio != nil {
		return nil
	}
	switch n.cfg.Radio.Driver {
	case "at":
		initCtx, cancel := context.WithTimeout(ctx, timing.Connect)
		defer cancel()
		modem, err := radio.OpenModem(initCtx, n.cfg.Radio.SerialPort, n.cfg.Radio.BaudRate)
		if err != nil {
			return fmt.Errorf("fail to open modem %s: %w", n.cfg.Radio.SerialPort, err)
		}
		at := radio.NewATRadio(modem, timing.Send)
		n.radio = at
		n.closers = append(n.closers, func(context.Context) error { return at.Close() })
	default:
		newPort := func() transport.Port { return transport.NewTCPPort(timing.Send) }
		if n.cfg.BrokerTransport == "websocket" {
			newPort = func() transport.Port { return transport.NewWebSocketPort(n.cfg.WebSocketPath, timing.Send) }
		}
		n.radio = radio.NewHostRadio(n.cfg.Radio.Interface, radio.WithPortFactory(newPort))
	}
	return nil
}

func buildSensor(cfg *config.Config) sensor.Driver {
	if cfg.Sensor.Driver == "none" {
		return sensor.NewNullDriver(cfg.SensorKind)
	}
	return sensor.NewIIODriver(cfg.SensorKind, cfg.Sensor.IIODevice)
}

// Run 运行全部任务直到ctx结束
func (n *Node) Run(ctx context.Context) error {
	logger.InfoF("[node] Starting %s, broker %s:%d, prefix %s", n.cfg.DeviceID, n.cfg.BrokerAddress, n.cfg.BrokerPort, n.cfg.TopicPrefix)
	n.recorder.Report(status.Event{Component: status.ComponentNode, Kind: status.KindTransition, From: "stopped", To: "running"})

	// 状态记录器使用独立的ctx，保证其它任务退出时产生的事件都能写完
	recorderCtx, stopRecorder := context.WithCancel(context.Background())
	recorderDone := make(chan error, 1)
	go func() { recorderDone <- n.recorder.Run(recorderCtx) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.link.Run(gctx) })
	g.Go(func() error { return n.session.Run(gctx) })
	g.Go(func() error { return n.pipeline.Run(gctx) })
	err := g.Wait()

	n.recorder.Report(status.Event{Component: status.ComponentNode, Kind: status.KindTransition, From: "running", To: "stopped"})
	stopRecorder()
	<-recorderDone
	logger.InfoF("[node] Stopped, %d status events recorded, %d dropped", n.recorder.Delivered(), n.recorder.Dropped())
	return err
}

// Shutdown 释放模组与事件日志
func (n *Node) Shutdown(ctx context.Context) error {
	return n.closeAll(ctx)
}

func (n *Node) closeAll(ctx context.Context) error {
	var errs []error
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	n.closers = nil
	if c, ok := n.driver.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (n *Node) Link() *link.Manager {
	return n.link
}

func (n *Node) Session() *session.Client {
	return n.session
}

func (n *Node) Pipeline() *telemetry.Pipeline {
	return n.pipeline
}

// Events 返回最近的n条状态事件
func (n *Node) Events(ctx context.Context, count int) ([]status.Event, error) {
	return n.store.RecentEvents(ctx, count)
}
