package link

import (
	"context"
	"sync"

	"github.com/life-stream-dev/life-stream-sensor-node/internal/radio"
)

// Signal 链路就绪信号，只在进入或离开 Up 时翻转
type Signal struct {
	mu      sync.Mutex
	up      bool
	address radio.NetworkAddress
	changed chan struct{}
}

func NewSignal() *Signal {
	return &Signal{changed: make(chan struct{})}
}

// Up 返回当前地址与是否就绪
func (s *Signal) Up() (radio.NetworkAddress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.address, s.up
}

// Changed 返回的通道在下一次翻转时关闭
func (s *Signal) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

// WaitUp 阻塞直到链路就绪或ctx结束
func (s *Signal) WaitUp(ctx context.Context) (radio.NetworkAddress, error) {
	for {
		s.mu.Lock()
		up, addr, changed := s.up, s.address, s.changed
		s.mu.Unlock()
		if up {
			return addr, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return radio.NetworkAddress{}, ctx.Err()
		}
	}
}

func (s *Signal) set(up bool, address radio.NetworkAddress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.up == up {
		return
	}
	s.up = up
	s.address = address
	close(s.changed)
	s.changed = make(chan struct{})
}
