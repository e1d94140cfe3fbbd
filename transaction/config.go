// Package transaction implements the SIP transaction layer: the INVITE
// client, INVITE server and non-INVITE state machines of RFC 3261 §17,
// a matching engine, and the retransmit/expiry driver loop of spec.md
// §4.2. It is the first of the two CORE subsystems spec.md §1 names.
//
// Grounded on emiago-sipgo/sip/transaction*.go for locking and store
// idioms, but restructured per spec.md §9's redesign notes: a
// transaction is one tagged-variant struct dispatched by a `switch`
// on Kind (not three FSM types joined by function-pointer states), and
// timers are driven by a single cooperative poll loop in Engine (not a
// time.AfterFunc per transaction).
package transaction

import "time"

// Config holds the RFC 3261 §17.1.1.1 timers and engine limits of
// spec.md §2/§6. All fields have RFC-recommended defaults.
type Config struct {
	T1          time.Duration
	T2          time.Duration
	T4          time.Duration
	T6          time.Duration
	MaxRingTime time.Duration

	// MaxPendingTransactions bounds the engine's transaction map; a new
	// transaction request beyond this returns ErrCapacityExceeded.
	MaxPendingTransactions int

	// DisableRetransmitSending is a debug aid: the state machine still
	// ticks and counts retransmits, but nothing is written to the
	// transport. Useful for deterministic timer-schedule tests.
	DisableRetransmitSending bool

	// StrictAckMatching disables the Call-ID-unique ACK matching
	// fallback of spec.md §4.2 step 4 when true (the default). Spec.md
	// §9 calls the fallback "explicitly an experiment"; set this false
	// to opt in.
	StrictAckMatching bool

	// PollIdle/PollActive bound the driver loop's tick period: it ticks
	// at PollActive while any transaction is live (not terminated), and
	// backs off to PollIdle when none is, per spec.md §4.2.
	PollIdle   time.Duration
	PollActive time.Duration
}

// DefaultConfig returns the RFC 3261 §17.1.1.1 timer defaults.
func DefaultConfig() Config {
	return Config{
		T1:                     500 * time.Millisecond,
		T2:                     4 * time.Second,
		T4:                     5 * time.Second,
		T6:                     32 * time.Second,
		MaxRingTime:            10 * time.Minute,
		MaxPendingTransactions: 5000,
		StrictAckMatching:      true,
		PollIdle:               200 * time.Millisecond,
		PollActive:             50 * time.Millisecond,
	}
}

// retransmitInterval implements spec.md §4.2's `min(2^(n-1)*T1, T2)`
// schedule, n being the retransmit count already sent (1-based).
func (c Config) retransmitInterval(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	if n > 32 { // guard against shift overflow; well past any realistic retransmit count
		return c.T2
	}
	interval := c.T1 << (n - 1)
	if interval > c.T2 {
		return c.T2
	}
	return interval
}
