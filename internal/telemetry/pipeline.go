package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/life-stream-dev/life-stream-sensor-node/internal/logger"
	"github.com/life-stream-dev/life-stream-sensor-node/internal/sensor"
	"github.com/life-stream-dev/life-stream-sensor-node/internal/session"
	"github.com/life-stream-dev/life-stream-sensor-node/internal/status"
	"golang.org/x/sync/errgroup"
)

// reinitThreshold 连续失败多少次后重新初始化传感器
const reinitThreshold = 10

// Publisher 由会话实现
type Publisher interface {
	Ready() bool
	Publish(ctx context.Context, topic string, payload []byte) error
}

// SignalSource 提供当前信号强度
type SignalSource interface {
	SignalStrength() int
}

type Config struct {
	TopicPrefix       string
	DeviceID          string
	ClientID          string
	SampleInterval    time.Duration
	StatusInterval    time.Duration
	PublishInterval   time.Duration
	HeartbeatInterval time.Duration // 0 关闭
	SampleTimeout     time.Duration
}

// Counters 流水线计数
type Counters struct {
	Sampled      uint64
	Published    uint64
	Dropped      uint64
	SensorErrors uint64
}

// Pipeline 采样任务与发布任务，通过两个单槽邮箱解耦
type Pipeline struct {
	cfg       Config
	driver    sensor.Driver
	publisher Publisher
	signal    SignalSource
	reporter  status.Reporter
	started   time.Time

	readings *Mailbox[Reading]
	statuses *Mailbox[StatusSnapshot]

	sequence     uint32
	sampled      atomic.Uint64
	published    atomic.Uint64
	dropped      atomic.Uint64
	sensorErrors atomic.Uint64
}

func NewPipeline(cfg Config, driver sensor.Driver, publisher Publisher, signal SignalSource, reporter status.Reporter) *Pipeline {
	if reporter == nil {
		reporter = status.Discard{}
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 30 * time.Second
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = 5 * time.Minute
	}
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = time.Second
	}
	if cfg.SampleTimeout <= 0 {
		cfg.SampleTimeout = 5 * time.Second
	}
	return &Pipeline{
		cfg:       cfg,
		driver:    driver,
		publisher: publisher,
		signal:    signal,
		reporter:  reporter,
		started:   time.Now(),
		readings:  NewMailbox[Reading](),
		statuses:  NewMailbox[StatusSnapshot](),
	}
}

func (p *Pipeline) Counters() Counters {
	return Counters{
		Sampled:      p.sampled.Load(),
		Published:    p.published.Load(),
		Dropped:      p.dropped.Load(),
		SensorErrors: p.sensorErrors.Load(),
	}
}

// Run 运行全部任务直到ctx结束
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.RunSampler(ctx) })
	g.Go(func() error { return p.RunStatusSampler(ctx) })
	g.Go(func() error { return p.RunConsumer(ctx) })
	if p.cfg.HeartbeatInterval > 0 {
		g.Go(func() error { return p.RunHeartbeat(ctx) })
	}
	return g.Wait()
}

// RunSampler 按采样周期读取传感器，读数覆盖邮箱中未发布的旧值
func (p *Pipeline) RunSampler(ctx context.Context) error {
	consecutive := 0
	return every(ctx, p.cfg.SampleInterval, func() {
		readCtx, cancel := context.WithTimeout(ctx, p.cfg.SampleTimeout)
		m, err := p.driver.Read(readCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			consecutive++
			p.sensorErrors.Add(1)
			logger.WarnF("[telemetry] Fail to read sensor %s (%d in a row), details: %v", p.driver.Kind(), consecutive, err)
			if consecutive >= reinitThreshold {
				p.reinitSensor(ctx)
				consecutive = 0
			}
			return
		}
		consecutive = 0
		p.sequence++
		reading := Reading{
			Temperature: Fixed2(m.Temperature),
			Humidity:    Fixed2(m.Humidity),
			Pressure:    Fixed2(m.Pressure),
			Sequence:    p.sequence,
			Device:      p.cfg.DeviceID,
		}
		p.sampled.Add(1)
		if p.readings.Deposit(reading) {
			p.drop("unpublished reading overwritten")
		}
	})
}

// RunStatusSampler 按状态周期生成设备状态快照并上报计数
func (p *Pipeline) RunStatusSampler(ctx context.Context) error {
	return every(ctx, p.cfg.StatusInterval, func() {
		snapshot := StatusSnapshot{
			Status:   "online",
			Uptime:   uint64(time.Since(p.started).Seconds()),
			FreeHeap: freeHeap(),
			Device:   p.cfg.DeviceID,
		}
		if p.signal != nil {
			snapshot.RSSI = p.signal.SignalStrength()
		}
		if p.statuses.Deposit(snapshot) {
			p.drop("unpublished status overwritten")
		}
		c := p.Counters()
		p.reporter.Report(status.Event{
			Component: status.ComponentTelemetry,
			Kind:      status.KindCounters,
			Counters: map[string]uint64{
				"sampled":       c.Sampled,
				"published":     c.Published,
				"dropped":       c.Dropped,
				"sensor_errors": c.SensorErrors,
			},
		})
	})
}

// RunConsumer 会话就绪时先发布状态再发布读数，未就绪时等待下一个周期
func (p *Pipeline) RunConsumer(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PublishInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.drain(ctx)
		}
	}
}

func (p *Pipeline) drain(ctx context.Context) {
	if !p.publisher.Ready() {
		return
	}
	if snapshot, ok := p.statuses.Take(); ok {
		if !p.publish(ctx, StatusTopic(p.cfg.TopicPrefix), snapshot) {
			p.statuses.Restore(snapshot)
			return
		}
	}
	if reading, ok := p.readings.Take(); ok {
		if !p.publish(ctx, SensorTopic(p.cfg.TopicPrefix, p.driver.Kind()), reading) {
			p.readings.Restore(reading)
		}
	}
}

// publish 发布一个值，返回false表示值未发出且应当保留
func (p *Pipeline) publish(ctx context.Context, topic string, value interface{ Payload() ([]byte, error) }) bool {
	payload, err := value.Payload()
	if err != nil {
		p.drop("encoding failed: " + err.Error())
		return true
	}
	err = p.publisher.Publish(ctx, topic, payload)
	switch {
	case err == nil:
		p.published.Add(1)
		logger.DebugF("[telemetry] Published %d bytes to %s", len(payload), topic)
		return true
	case errors.Is(err, session.ErrNotConnected), errors.Is(err, context.Canceled):
		return false
	default:
		// 至多一次，失败的值不重发
		p.drop("publish failed: " + err.Error())
		return true
	}
}

// RunHeartbeat 会话就绪时周期性发布心跳
func (p *Pipeline) RunHeartbeat(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if !p.publisher.Ready() {
				continue
			}
			payload, _ := json.Marshal(heartbeat{Timestamp: now.Unix(), ClientID: p.cfg.ClientID})
			if err := p.publisher.Publish(ctx, HeartbeatTopic(p.cfg.TopicPrefix), payload); err != nil {
				logger.DebugF("[telemetry] Heartbeat not sent, details: %v", err)
			}
		}
	}
}

func (p *Pipeline) reinitSensor(ctx context.Context) {
	r, ok := p.driver.(sensor.Reinitializer)
	if !ok {
		return
	}
	logger.WarnF("[telemetry] Reinitializing sensor %s after %d consecutive errors", p.driver.Kind(), reinitThreshold)
	if err := r.Reinit(ctx); err != nil {
		logger.ErrorF("[telemetry] Fail to reinitialize sensor, details: %v", err)
	}
}

func (p *Pipeline) drop(reason string) {
	total := p.dropped.Add(1)
	p.reporter.Report(status.Event{
		Component: status.ComponentTelemetry,
		Kind:      status.KindDropped,
		Dropped:   total,
		Reason:    reason,
	})
}

// every 立即执行一次fn，之后按interval周期执行
func every(ctx context.Context, interval time.Duration, fn func()) error {
	if ctx.Err() != nil {
		return nil
	}
	fn()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn()
		}
	}
}

func freeHeap() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapSys - ms.HeapInuse
}
