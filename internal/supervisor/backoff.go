package supervisor

import (
	"math/rand"
	"time"
)

// randomBackoff picks a uniform duration in [min, max), matching the
// source's /dev/urandom-seeded QUIESCE_OVS jitter. Mirrors the teacher's
// firewall.RetryConfig jitter pattern (math/rand, not crypto/rand — this
// is scheduling jitter, not a security-sensitive value).
func randomBackoff(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	span := max - min
	return min + time.Duration(rand.Int63n(int64(span)))
}

// backoffDuration computes the QUIESCE_OVS wait: ShortBackoff when
// fast_reconnect is set (the source's fast_backoff flag — the two are
// conflated in the original and never independently driven, see
// DESIGN.md), otherwise a uniform draw from [MinBackoff, MaxBackoff).
func (s *Supervisor) backoffDuration() time.Duration {
	if s.fastReconnect {
		return ShortBackoff
	}
	return randomBackoff(s.cfg.MinBackoff, s.cfg.MaxBackoff)
}
