package delivery

import (
	"math"
	"sync"
	"time"
)

// Backoff computes retry delays: min(Cap, Base*2^(n-1)) plus jitter in
// [0, MaxJitter), where n is the retry count after incrementing.
type Backoff struct {
	Base      time.Duration
	Cap       time.Duration
	MaxJitter time.Duration
	Rand      func() float64

	mu sync.Mutex
}

// base returns the delay for retry n without jitter.
func (b *Backoff) base(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	// Past 2^40 every sane cap is exceeded; avoid float overflow.
	if n > 40 {
		return b.Cap
	}
	d := time.Duration(math.Pow(2, float64(n-1)) * float64(b.Base))
	if d > b.Cap || d <= 0 {
		return b.Cap
	}
	return d
}

// Delay returns the full delay for retry n.
func (b *Backoff) Delay(n int) time.Duration {
	return b.base(n) + b.jitter()
}

func (b *Backoff) jitter() time.Duration {
	if b.MaxJitter <= 0 || b.Rand == nil {
		return 0
	}
	b.mu.Lock()
	f := b.Rand()
	b.mu.Unlock()
	if f < 0 || f >= 1 {
		f = 0
	}
	return time.Duration(f * float64(b.MaxJitter))
}
