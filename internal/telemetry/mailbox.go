package telemetry

import "sync/atomic"

// Mailbox 单槽覆盖容器，一个生产者一个消费者
type Mailbox[T any] struct {
	slot    chan T
	dropped atomic.Uint64
}

func NewMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{slot: make(chan T, 1)}
}

// Deposit 放入v，覆盖未读的旧值时返回true
func (m *Mailbox[T]) Deposit(v T) bool {
	replaced := false
	for {
		select {
		case m.slot <- v:
			return replaced
		default:
		}
		select {
		case <-m.slot:
			replaced = true
			m.dropped.Add(1)
		default:
		}
	}
}

// Take 取出待处理的值并清空槽位
func (m *Mailbox[T]) Take() (T, bool) {
	select {
	case v := <-m.slot:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Restore 槽位为空时放回v，已有更新的值时放弃v
func (m *Mailbox[T]) Restore(v T) bool {
	select {
	case m.slot <- v:
		return true
	default:
		return false
	}
}

func (m *Mailbox[T]) Pending() bool {
	return len(m.slot) > 0
}

// Dropped 未被读取即被覆盖的值的数量
func (m *Mailbox[T]) Dropped() uint64 {
	return m.dropped.Load()
}
