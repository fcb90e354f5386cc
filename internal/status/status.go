// Package status 汇集各组件的状态迁移与丢弃事件
package status

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/life-stream-dev/life-stream-sensor-node/internal/logger"
)

type Component string

const (
	ComponentLink      Component = "link"
	ComponentSession   Component = "session"
	ComponentTelemetry Component = "telemetry"
	ComponentNode      Component = "node"
)

type Kind string

const (
	KindTransition    Kind = "transition"
	KindConfigWarning Kind = "config_warning"
	KindDropped       Kind = "dropped"
	KindCounters      Kind = "counters"
)

// Event 一条状态事件
type Event struct {
	Time      time.Time         `json:"time" bson:"time"`
	Component Component         `json:"component" bson:"component"`
	Kind      Kind              `json:"kind" bson:"kind"`
	From      string            `json:"from,omitempty" bson:"from,omitempty"`
	To        string            `json:"to,omitempty" bson:"to,omitempty"`
	Reason    string            `json:"reason,omitempty" bson:"reason,omitempty"`
	Dropped   uint64            `json:"dropped,omitempty" bson:"dropped,omitempty"`
	Counters  map[string]uint64 `json:"counters,omitempty" bson:"counters,omitempty"`
}

func (e Event) String() string {
	switch e.Kind {
	case KindTransition:
		if e.Reason != "" {
			return fmt.Sprintf("[%s] %s -> %s (%s)", e.Component, e.From, e.To, e.Reason)
		}
		return fmt.Sprintf("[%s] %s -> %s", e.Component, e.From, e.To)
	case KindDropped:
		return fmt.Sprintf("[%s] dropped %d: %s", e.Component, e.Dropped, e.Reason)
	case KindCounters:
		return fmt.Sprintf("[%s] counters %v", e.Component, e.Counters)
	default:
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Kind, e.Reason)
	}
}

// Transition 构造一条迁移事件
func Transition(component Component, from, to fmt.Stringer, reason string) Event {
	return Event{
		Time:      time.Now(),
		Component: component,
		Kind:      KindTransition,
		From:      from.String(),
		To:        to.String(),
		Reason:    reason,
	}
}

// Reporter 状态通道，Report 不得阻塞调用方
type Reporter interface {
	Report(Event)
}

type Discard struct{}

func (Discard) Report(Event) {}

// Store 事件的持久化目的地
type Store interface {
	SaveEvent(ctx context.Context, event Event) error
}

// Recorder 将事件写入日志与 Store，队列满时丢弃并计数
type Recorder struct {
	ch        chan Event
	store     Store
	timeout   time.Duration
	dropped   atomic.Uint64
	delivered atomic.Uint64
}

func NewRecorder(store Store, buffer int, timeout time.Duration) *Recorder {
	if buffer <= 0 {
		buffer = 64
	}
	return &Recorder{
		ch:      make(chan Event, buffer),
		store:   store,
		timeout: timeout,
	}
}

func (r *Recorder) Report(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	select {
	case r.ch <- event:
	default:
		r.dropped.Add(1)
	}
}

// Dropped 因队列满而丢弃的事件数
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

func (r *Recorder) Delivered() uint64 {
	return r.delivered.Load()
}

// Run 消费事件直到ctx结束，结束前写完队列中剩余的事件
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case event := <-r.ch:
			r.record(event)
		case <-ctx.Done():
			for {
				select {
				case event := <-r.ch:
					r.record(event)
				default:
					return nil
				}
			}
		}
	}
}

func (r *Recorder) record(event Event) {
	switch event.Kind {
	case KindConfigWarning:
		logger.Warn(event.String())
	case KindDropped:
		logger.WarnF("%s", event.String())
	default:
		logger.Info(event.String())
	}
	r.delivered.Add(1)
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.store.SaveEvent(ctx, event); err != nil {
		logger.ErrorF("[status] Fail to save event, details: %v", err)
	}
}
