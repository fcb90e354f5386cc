// Package session 维护到代理的 MQTT 会话并提供 QoS 0 发布
package session

import (
	"fmt"
	"time"
)

type Kind int

const (
	Idle Kind = iota
	Connecting
	Connected
	Faulted
)

func (k Kind) String() string {
	switch k {
	case Idle:
		return "Idle"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Faulted:
		return "Faulted"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// State 会话状态快照
type State struct {
	Kind Kind
	// Deadline Connecting 时为 CONNACK 截止时间，Connected 时为下一次 keep-alive 截止时间
	Deadline time.Time
	// Reason 仅在 Faulted 时有效
	Reason string
	Since  time.Time
}

func (s State) String() string {
	if s.Kind == Faulted && s.Reason != "" {
		return fmt.Sprintf("Faulted(%s)", s.Reason)
	}
	return s.Kind.String()
}

// Stats 会话计数
type Stats struct {
	Published uint64
	Failed    uint64
	Connects  uint64
	Faults    uint64
}
