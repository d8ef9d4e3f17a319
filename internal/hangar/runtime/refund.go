package runtime

import (
	"math/bits"
	"time"
)

// Refund returns the credits owed for the unused part of a paid window:
//
//	floor(charged × max(0, paidUntil−now) / (paidUntil−createdAt))
//
// computed in whole milliseconds. The result is always within [0, charged].
func Refund(charged int64, createdAt, paidUntil, now time.Time) int64 {
	if charged <= 0 {
		return 0
	}
	total := paidUntil.Sub(createdAt).Milliseconds()
	if total <= 0 {
		return 0
	}
	remaining := paidUntil.Sub(now).Milliseconds()
	if remaining <= 0 {
		return 0
	}
	if remaining >= total {
		return charged
	}
	// remaining < total keeps the quotient below charged, so hi < total and
	// Div64 cannot overflow.
	hi, lo := bits.Mul64(uint64(charged), uint64(remaining))
	q, _ := bits.Div64(hi, lo, uint64(total))
	return int64(q)
}
