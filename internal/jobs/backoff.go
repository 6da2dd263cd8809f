package jobs

import (
	"math"
	"time"
)

// Backoff は再試行までの待ち時間を決めます。attempt は 1 始まりの再試行回数です。
type Backoff interface {
	Delay(attempt int) time.Duration
}

// ConstantBackoff は常に同じ待ち時間を返します。
type ConstantBackoff struct {
	Interval time.Duration
}

func (c ConstantBackoff) Delay(int) time.Duration {
	return c.Interval
}

// ExponentialBackoff は Initial * 2^(attempt-1) を Max で頭打ちにした待ち時間を返します。
type ExponentialBackoff struct {
	Initial time.Duration
	Max     time.Duration
}

func (e ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(e.Initial) * math.Pow(2, float64(attempt-1)))
	if e.Max > 0 && (d > e.Max || d < 0) {
		return e.Max
	}
	return d
}

// DefaultBackoff は initial から倍々に増え、1分で頭打ちになる Backoff を返します。
func DefaultBackoff(initial time.Duration) Backoff {
	return ExponentialBackoff{Initial: initial, Max: time.Minute}
}
