package link

import (
	"math/rand/v2"
	"time"
)

// Backoff 有上限的指数退避，f(n) = min(Base*2^(n-1), Cap)，带 equal jitter
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
	// Jitter 返回 [0, max] 内的随机时长，为空时使用 math/rand
	Jitter func(max time.Duration) time.Duration
}

// Ceiling 第n次尝试的退避上界（未加抖动）
func (b Backoff) Ceiling(n uint32) time.Duration {
	if n == 0 {
		n = 1
	}
	d := b.Base
	for i := uint32(1); i < n; i++ {
		if d >= b.Cap/2 {
			d = b.Cap
			break
		}
		d *= 2
	}
	if d > b.Cap {
		d = b.Cap
	}
	return d
}

// Duration 第n次尝试的实际退避，落在 [Ceiling/2, Ceiling] 区间
func (b Backoff) Duration(n uint32) time.Duration {
	d := b.Ceiling(n)
	if d <= 0 {
		return 0
	}
	half := d / 2
	jitter := b.Jitter
	if jitter == nil {
		jitter = randomJitter
	}
	return d - half + jitter(half)
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max + 1)
}
