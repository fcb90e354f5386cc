package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-sensor-node/internal/logger"
	"github.com/life-stream-dev/life-stream-sensor-node/internal/radio"
	"github.com/life-stream-dev/life-stream-sensor-node/internal/status"
	"github.com/life-stream-dev/life-stream-sensor-node/internal/transport"
)

var ErrLinkDown = errors.New("link is not up")

type Config struct {
	SSID         string
	Credentials  string
	AssocTimeout time.Duration
	LeaseTimeout time.Duration
	// PollInterval Up 状态下检查链路层的周期
	PollInterval time.Duration
	Backoff      Backoff
}

// Manager 唯一拥有无线模组与链路状态
type Manager struct {
	cfg      Config
	radio    radio.Radio
	reporter status.Reporter
	signal   *Signal

	mu    sync.RWMutex
	state State

	credentialsReported bool
}

func NewManager(cfg Config, r radio.Radio, reporter status.Reporter) *Manager {
	if reporter == nil {
		reporter = status.Discard{}
	}
	return &Manager{
		cfg:      cfg,
		radio:    r,
		reporter: reporter,
		signal:   NewSignal(),
		state:    State{Kind: Down, Since: time.Now()},
	}
}

// Signal 就绪信号，供会话层观察
func (m *Manager) Signal() *Signal {
	return m.signal
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Port 在链路可用时借出一个新的传输端口
func (m *Manager) Port() (transport.Port, error) {
	if _, up := m.signal.Up(); !up {
		return nil, ErrLinkDown
	}
	return m.radio.NewPort(), nil
}

// SignalStrength 当前信号强度，链路不可用时为0
func (m *Manager) SignalStrength() int {
	if _, up := m.signal.Up(); !up {
		return 0
	}
	return m.radio.SignalStrength()
}

// Run 驱动状态机直到ctx结束，不存在终止失败状态
func (m *Manager) Run(ctx context.Context) error {
	defer m.shutdown()

	attempt := uint32(1)
	for ctx.Err() == nil {
		m.transition(State{Kind: Associating, Attempt: attempt}, "")
		if err := m.associate(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !m.recover(ctx, attempt, "association failed: "+err.Error()) {
				return nil
			}
			attempt++
			continue
		}

		m.transition(State{Kind: AcquiringAddress, Attempt: attempt}, "")
		address, err := m.lease(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !m.recover(ctx, attempt, "lease failed: "+err.Error()) {
				return nil
			}
			attempt++
			continue
		}

		m.transition(State{Kind: Up, Address: address}, "")
		m.signal.set(true, address)
		m.credentialsReported = false
		reason := m.watch(ctx)
		m.signal.set(false, radio.NetworkAddress{})
		if ctx.Err() != nil {
			return nil
		}

		attempt = 1
		if !m.recover(ctx, attempt, reason) {
			return nil
		}
	}
	return nil
}

func (m *Manager) associate(ctx context.Context) error {
	assocCtx, cancel := context.WithTimeout(ctx, m.cfg.AssocTimeout)
	defer cancel()
	err := m.radio.Associate(assocCtx, m.cfg.SSID, m.cfg.Credentials)
	if err != nil && errors.Is(err, radio.ErrBadCredentials) && !m.credentialsReported {
		m.credentialsReported = true
		m.reporter.Report(status.Event{
			Component: status.ComponentLink,
			Kind:      status.KindConfigWarning,
			Reason:    fmt.Sprintf("access point %q rejected the credentials, retrying", m.cfg.SSID),
		})
	}
	return err
}

func (m *Manager) lease(ctx context.Context) (radio.NetworkAddress, error) {
	leaseCtx, cancel := context.WithTimeout(ctx, m.cfg.LeaseTimeout)
	defer cancel()
	address, err := m.radio.RequestLease(leaseCtx)
	if err != nil {
		return radio.NetworkAddress{}, err
	}
	if !address.IsValid() {
		return radio.NetworkAddress{}, radio.ErrInvalidAddress
	}
	return address, nil
}

// watch 在 Up 状态下轮询链路层，返回离开 Up 的原因
func (m *Manager) watch(ctx context.Context) string {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "shutdown"
		case <-ticker.C:
			if !m.radio.IsLinkUp() {
				return "link-layer loss detected"
			}
		}
	}
}

// recover 进入 Recovering 并等待退避，ctx结束时返回false
func (m *Manager) recover(ctx context.Context, attempt uint32, reason string) bool {
	backoff := m.cfg.Backoff.Duration(attempt)
	m.transition(State{Kind: Recovering, Attempt: attempt, Backoff: backoff}, reason)
	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) shutdown() {
	m.signal.set(false, radio.NetworkAddress{})
	if m.State().Kind != Down {
		m.transition(State{Kind: Down}, "shutdown")
	}
}

func (m *Manager) transition(next State, reason string) {
	next.Since = time.Now()
	next.Reason = reason
	m.mu.Lock()
	prev := m.state
	m.state = next
	m.mu.Unlock()

	if reason != "" {
		logger.DebugF("[link] %s -> %s: %s", prev, next, reason)
	} else {
		logger.DebugF("[link] %s -> %s", prev, next)
	}
	m.reporter.Report(status.Transition(status.ComponentLink, prev, next, reason))
}
