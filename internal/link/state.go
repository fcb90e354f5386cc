// Package link 维护无线关联与地址租约的状态机
package link

import (
	"fmt"
	"time"

	"github.com/life-stream-dev/life-stream-sensor-node/internal/radio"
)

type Kind int

const (
	Down Kind = iota
	Associating
	AcquiringAddress
	Up
	Recovering
)

var kindNames = map[Kind]string{
	Down:             "Down",
	Associating:      "Associating",
	AcquiringAddress: "AcquiringAddress",
	Up:               "Up",
	Recovering:       "Recovering",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// State 链路状态快照，只有 Manager 会创建新的状态
type State struct {
	Kind Kind
	// Attempt 当前关联尝试次数，Associating/AcquiringAddress/Recovering 有效
	Attempt uint32
	// Address 仅在 Up 时有效
	Address radio.NetworkAddress
	// Backoff 仅在 Recovering 时有效
	Backoff time.Duration
	Since   time.Time
	Reason  string
}

func (s State) String() string {
	switch s.Kind {
	case Associating:
		return fmt.Sprintf("Associating(%d)", s.Attempt)
	case Up:
		return fmt.Sprintf("Up(%s)", s.Address.Address())
	case Recovering:
		return fmt.Sprintf("Recovering(%d, %v)", s.Attempt, s.Backoff)
	default:
		return s.Kind.String()
	}
}
