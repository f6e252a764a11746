package worker

import (
	"math"
	"math/rand"
	"time"
)

// delay returns how long to wait before reconnect attempt number attempt (starting at 0).
func (r ReconnectParams) delay(attempt int, rnd *rand.Rand) time.Duration {
	d := float64(r.InitialInterval) * math.Pow(r.Multiplier, float64(attempt))
	if maxInterval := float64(r.MaxInterval); d > maxInterval {
		d = maxInterval
	}
	if r.Jitter > 0 && rnd != nil {
		d += d * r.Jitter * (rnd.Float64()*2 - 1)
	}
	return time.Duration(d)
}

func (r ReconnectParams) withDefaults() ReconnectParams {
	def := DefaultReconnect()
	if r.InitialInterval <= 0 {
		r.InitialInterval = def.InitialInterval
	}
	if r.MaxInterval <= 0 {
		r.MaxInterval = def.MaxInterval
	}
	if r.Multiplier < 1 {
		r.Multiplier = def.Multiplier
	}
	return r
}
