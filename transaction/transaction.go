package transaction

import (
	"crypto/rand"
	"encoding/binary"
	"log/slog"
	"sync"
	"time"

	"github.com/sipsorcery-go/corestack/message"
)

// Kind is the transaction variant tag of spec.md §3 ("sum type with
// three variants"). Behaviour is dispatched with a single switch on
// Kind per operation rather than through per-variant types, per
// spec.md §9's redesign note.
type Kind int

const (
	KindInviteClient Kind = iota
	KindInviteServer
	KindNonInvite
)

func (k Kind) String() string {
	switch k {
	case KindInviteClient:
		return "invite-client"
	case KindInviteServer:
		return "invite-server"
	default:
		return "non-invite"
	}
}

// State is one of the seven states spec.md §3 names.
type State int

const (
	StateCalling State = iota
	StateTrying
	StateProceeding
	StateCompleted
	StateConfirmed
	StateCancelled
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCalling:
		return "calling"
	case StateTrying:
		return "trying"
	case StateProceeding:
		return "proceeding"
	case StateCompleted:
		return "completed"
	case StateConfirmed:
		return "confirmed"
	case StateCancelled:
		return "cancelled"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Connection is the minimal transport handle a transaction writes
// through; transport.Layer satisfies it structurally.
type Connection interface {
	SendRequest(r *message.Request) error
	SendResponse(r *message.Response) error
}

// NewCallHandler is invoked once when an INVITE server transaction first
// reaches Trying, so the user agent can decide how to answer the call.
// If no handler is registered on the engine, the transaction synthesises
// a 603 Decline, per spec.md §4.1.
type NewCallHandler func(tx *Transaction, req *message.Request)

// RequestHandler is invoked for every non-INVITE server transaction's
// originating request, once.
type RequestHandler func(tx *Transaction, req *message.Request)

type (
	StateChangedFunc      func(tx *Transaction, old, new State)
	TerminatedFunc         func(tx *Transaction, err error)
	ResponseFunc           func(tx *Transaction, resp *message.Response)
	CancelFunc             func(tx *Transaction)
	ProvisionalTimeoutFunc func(tx *Transaction)
)

// Transaction is the tagged-variant struct spec.md §3 describes: one
// struct shared by all three kinds, holding the full common attribute
// set plus whatever each kind actually populates.
type Transaction struct {
	id   string
	kind Kind

	// clientSide is true for an INVITE/non-INVITE transaction created by
	// sending a request (UAC side), false for one created by receiving
	// one (UAS side). Both sides of a non-INVITE transaction share Kind
	// NonInvite; this flag is what tells them apart.
	clientSide bool

	mu sync.Mutex

	origin *message.Request // immutable after construction
	conn   Connection

	state State

	finalResponse        *message.Response
	lastProvisional       *message.Response
	reliableProvisional   *message.Response
	reliableRSeq          uint32
	storedAck             *message.Request
	storedPrack           *message.Request

	createdAt       time.Time
	firstTransmitAt time.Time
	lastTransmitAt  time.Time
	completedAt     time.Time
	timedOutAt      time.Time

	retransmits      int
	ackRetransmits   int
	prackRetransmits int

	deliveryPending bool
	deliveryFailed  bool
	hasTimedOut     bool
	prackSupported  bool

	// ringingSince tracks when an INVITE server transaction entered
	// Proceeding, for the MAX_RING_TIME expiry rule.
	ringingSince time.Time

	// reliableProvisionalAt and provisionalExpired track the
	// first_transmit_at+T6 rule for an outstanding reliable provisional,
	// spec.md §4.2's driver-loop "provisional_response_timed_out" case.
	reliableProvisionalAt time.Time
	provisionalExpired    bool

	cfg     Config
	log     *slog.Logger
	metrics *Metrics

	onStateChanged      StateChangedFunc
	onTerminate         TerminatedFunc
	onResponse          ResponseFunc
	onCancel            CancelFunc
	onProvisionalExpire ProvisionalTimeoutFunc

	// eventMu/eventQ/eventRunning serialise callback delivery: spec.md
	// §5 requires state changes and responses for a single transaction
	// to reach the user agent in the order they actually happened, so
	// each event is queued here and drained by one goroutine per
	// transaction instead of firing off an unordered `go` per event.
	eventMu      sync.Mutex
	eventQ       []func()
	eventRunning bool

	failureReason FailureReason
	removed       bool // set by the engine's expiry sweep once dropped from the store
}

// emit queues f for delivery on this transaction's single event-delivery
// goroutine, started lazily and exiting once the queue drains.
func (tx *Transaction) emit(f func()) {
	tx.eventMu.Lock()
	tx.eventQ = append(tx.eventQ, f)
	running := tx.eventRunning
	tx.eventRunning = true
	tx.eventMu.Unlock()
	if !running {
		go tx.drainEvents()
	}
}

func (tx *Transaction) drainEvents() {
	for {
		tx.eventMu.Lock()
		if len(tx.eventQ) == 0 {
			tx.eventRunning = false
			tx.eventMu.Unlock()
			return
		}
		f := tx.eventQ[0]
		tx.eventQ = tx.eventQ[1:]
		tx.eventMu.Unlock()
		f()
	}
}

func newTransaction(kind Kind, id string, origin *message.Request, conn Connection, cfg Config, log *slog.Logger, clientSide bool, metrics *Metrics) *Transaction {
	now := clockNow()
	tx := &Transaction{
		id:         id,
		kind:       kind,
		clientSide: clientSide,
		origin:     origin,
		conn:       conn,
		cfg:        cfg,
		log:        log,
		metrics:    metrics,
		createdAt:  now,
	}
	if origin != nil {
		tx.prackSupported = origin.PrackSupported()
	}
	switch kind {
	case KindInviteClient:
		tx.state = StateCalling
	case KindInviteServer:
		tx.state = StateTrying // "implicit pre-state", becomes Proceeding on first request receipt
	case KindNonInvite:
		tx.state = StateTrying
	}
	return tx
}

func (tx *Transaction) ID() string           { return tx.id }
func (tx *Transaction) Kind() Kind           { return tx.kind }
func (tx *Transaction) Origin() *message.Request { return tx.origin }

func (tx *Transaction) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

func (tx *Transaction) FinalResponse() *message.Response {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.finalResponse
}

// Respond sends resp on this server transaction, advancing its state
// per RFC 3261 §17.2. It is the public counterpart of spec.md §4.1's
// respond(status) operation.
func (tx *Transaction) Respond(resp *message.Response) error {
	return tx.sendResponse(resp)
}

// StoredAck returns the ACK matched to this INVITE server transaction,
// if one has arrived.
func (tx *Transaction) StoredAck() *message.Request {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.storedAck
}

// StoredPrack returns the PRACK matched to this server transaction's
// reliable provisional response, if one has arrived.
func (tx *Transaction) StoredPrack() *message.Request {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.storedPrack
}

// ReliableProvisional returns the last 100rel provisional response sent
// or received on this transaction, and its RSeq, for building a PRACK.
func (tx *Transaction) ReliableProvisional() (*message.Response, uint32) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.reliableProvisional, tx.reliableRSeq
}

func (tx *Transaction) OnStateChanged(f StateChangedFunc)        { tx.onStateChanged = f }
func (tx *Transaction) OnTerminate(f TerminatedFunc)              { tx.onTerminate = f }
func (tx *Transaction) OnResponse(f ResponseFunc)                 { tx.onResponse = f }
func (tx *Transaction) OnCancel(f CancelFunc)                     { tx.onCancel = f }
func (tx *Transaction) OnProvisionalTimeout(f ProvisionalTimeoutFunc) { tx.onProvisionalExpire = f }

func (tx *Transaction) setState(s State) {
	old := tx.state
	if old == s {
		return
	}
	tx.state = s
	switch s {
	case StateConfirmed, StateTerminated, StateCancelled:
		tx.deliveryPending = false
	}
	if tx.onStateChanged != nil {
		cb, txr := tx.onStateChanged, tx
		tx.emit(func() { cb(txr, old, s) })
	}
}

// recordRetransmit bumps the retransmit counter and its metric. Must be
// called with tx.mu held.
func (tx *Transaction) recordRetransmit() {
	tx.retransmits++
	if tx.metrics != nil {
		tx.metrics.retransmit(tx)
	}
}

// newRSeq draws the cryptographically random 31-bit initial RSeq value
// of spec.md §3.
func newRSeq() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:]) & 0x7FFFFFFF
}

// clockNow is the monotonic clock point spec.md §9 requires internally;
// wall-clock is only acceptable for log formatting.
func clockNow() time.Time { return time.Now() }
