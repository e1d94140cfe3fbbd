package transaction

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sipsorcery-go/corestack/message"
)

// Engine owns the transaction store, the inbound-message matching
// algorithm of spec.md §4.2, and the single cooperative driver loop that
// replaces the teacher's per-transaction time.AfterFunc timers (spec.md
// §9's explicit redesign note).
type Engine struct {
	cfg   Config
	conn  Connection
	log   *slog.Logger
	store *store

	metrics *Metrics

	newCallHandler    NewCallHandler
	requestHandler    RequestHandler
	unmatchedResponse func(*message.Response)

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewEngine constructs an engine driving transactions over conn
// (typically a *transport.Layer).
func NewEngine(cfg Config, conn Connection, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		cfg:     cfg,
		conn:    conn,
		log:     log.With("component", "transaction.Engine"),
		store:   newStore(),
		metrics: NewMetrics(),
		stopCh:  make(chan struct{}),
	}
}

// Metrics exposes the engine's Prometheus collectors so callers can
// Register them against their own registerer.
func (e *Engine) Metrics() *Metrics { return e.metrics }

func (e *Engine) OnNewCall(h NewCallHandler)                       { e.newCallHandler = h }
func (e *Engine) OnRequest(h RequestHandler)                       { e.requestHandler = h }
func (e *Engine) OnUnmatchedResponse(f func(*message.Response))    { e.unmatchedResponse = f }

// Run starts the driver loop; it blocks until ctx is cancelled or
// Shutdown is called.
func (e *Engine) Run(ctx context.Context) {
	e.wg.Add(1)
	defer e.wg.Done()
	interval := e.cfg.PollIdle
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-timer.C:
			active := e.sweep()
			if active {
				interval = e.cfg.PollActive
			} else {
				interval = e.cfg.PollIdle
			}
			timer.Reset(interval)
		}
	}
}

// Shutdown stops the driver loop and terminates every outstanding
// transaction with ErrShuttingDown-flavoured termination callbacks.
func (e *Engine) Shutdown() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
	for _, tx := range e.store.snapshot() {
		tx.mu.Lock()
		if tx.state != StateTerminated {
			tx.setState(StateTerminated)
			if tx.onTerminate != nil {
				cb, txr := tx.onTerminate, tx
				tx.emit(func() { cb(txr, ErrShuttingDown) })
			}
		}
		tx.mu.Unlock()
		e.store.remove(tx.id)
	}
}

// sweep ticks every live transaction once and reaps terminated ones. It
// returns whether any transaction is still live (not terminated), so Run
// can decide whether to keep polling at PollActive or back off to PollIdle.
func (e *Engine) sweep() bool {
	now := time.Now()
	active := false
	for _, tx := range e.store.snapshot() {
		tx.tick(now)
		if tx.State() == StateTerminated {
			e.store.remove(tx.id)
			tx.mu.Lock()
			tx.removed = true
			tx.mu.Unlock()
			e.metrics.transactionTerminated(tx)
			continue
		}
		active = true
	}
	return active
}

// Request creates a new client transaction for req and sends it. A
// branch is generated if req's top Via doesn't already carry one.
func (e *Engine) Request(req *message.Request) (*Transaction, error) {
	if e.store.len() >= e.cfg.MaxPendingTransactions {
		return nil, ErrCapacityExceeded
	}
	v, ok := req.TopVia()
	if !ok {
		return nil, ErrNoMatch
	}
	if v.Branch() == "" {
		v.Params.Add("branch", GenerateBranch())
		req.Via[0] = v
	}
	id := ID(v.Branch(), req.Method)

	kind := KindNonInvite
	if req.IsInvite() {
		kind = KindInviteClient
	}
	tx := newTransaction(kind, id, req, e.conn, e.cfg, e.log, true, e.metrics)
	e.store.put(tx)
	e.metrics.transactionCreated(tx)
	if err := tx.start(); err != nil {
		tx.fail(FailureTransportError)
		return tx, err
	}
	return tx, nil
}

// HandleMessage is the transport.MessageHandler this engine exposes;
// wire it with transport.Layer.OnMessage.
func (e *Engine) HandleMessage(localAddr, remoteAddr string, msg any) {
	switch m := msg.(type) {
	case *message.Request:
		e.handleRequest(m)
	case *message.Response:
		e.handleResponse(m)
	}
}

func (e *Engine) handleRequest(req *message.Request) {
	id, err := idForRequest(req)
	if err != nil {
		e.log.Debug("dropping request with no branch", "error", err)
		return
	}

	if tx, ok := e.store.get(id); ok {
		tx.onRequest(req)
		return
	}

	// ACK for a non-2xx final response matches the INVITE server
	// transaction directly above (its id already folds ACK to INVITE);
	// a miss here means either a very late ACK or, when
	// StrictAckMatching is disabled, a Call-ID fallback per spec.md
	// §4.2 step 4.
	if req.IsAck() {
		if !e.cfg.StrictAckMatching {
			if tx := e.matchAckByCallID(req); tx != nil {
				tx.onRequest(req)
				return
			}
		}
		e.log.Debug("ACK matched no transaction", "call_id", req.CallID)
		return
	}

	if req.IsCancel() {
		e.handleCancel(req, id)
		return
	}

	if req.Method == message.PRACK {
		if e.handlePrack(req) {
			return
		}
		e.log.Debug("PRACK matched no outstanding reliable provisional", "call_id", req.CallID)
		return
	}

	if e.store.len() >= e.cfg.MaxPendingTransactions {
		e.log.Warn("dropping new server transaction, engine at capacity")
		return
	}

	kind := KindNonInvite
	if req.IsInvite() {
		kind = KindInviteServer
	}
	tx := newTransaction(kind, id, req, e.conn, e.cfg, e.log, false, e.metrics)
	e.store.put(tx)
	e.metrics.transactionCreated(tx)

	if kind == KindInviteServer {
		tx.mu.Lock()
		tx.setState(StateProceeding)
		tx.mu.Unlock()
		if e.newCallHandler != nil {
			go e.newCallHandler(tx, req)
		} else {
			_ = tx.sendResponse(message.NewResponseFromRequest(req, 603, "Decline"))
		}
		return
	}

	if e.requestHandler != nil {
		go e.requestHandler(tx, req)
	}
}

// handleCancel implements spec.md §4.1's CANCEL handling. A CANCEL
// carries the INVITE's branch but its own CSeq method (RFC 3261 §9.1),
// so it never matches the INVITE server transaction's ACK-folded id
// directly: it is matched by raw Via branch instead. The matched INVITE
// is cancelled (→ Cancelled, auto-487) and the CANCEL itself gets its
// own non-INVITE transaction, answered 200 OK if an INVITE was found
// and cancelled, 481 otherwise.
func (e *Engine) handleCancel(req *message.Request, id string) {
	branch := req.Branch()
	var invite *Transaction
	for _, tx := range e.store.snapshot() {
		if tx.kind == KindInviteServer && tx.origin.Branch() == branch {
			invite = tx
			break
		}
	}
	if invite != nil {
		invite.cancelInvite()
	} else {
		e.log.Debug("CANCEL matched no INVITE transaction", "call_id", req.CallID)
	}

	if _, ok := e.store.get(id); ok {
		return
	}
	if e.store.len() >= e.cfg.MaxPendingTransactions {
		return
	}
	tx := newTransaction(KindNonInvite, id, req, e.conn, e.cfg, e.log, false, e.metrics)
	e.store.put(tx)
	e.metrics.transactionCreated(tx)
	status, reason := 200, "OK"
	if invite == nil {
		status, reason = 481, "Call/Transaction Does Not Exist"
	}
	_ = tx.sendResponse(message.NewResponseFromRequest(req, status, reason))
}

// handlePrack routes a PRACK to the INVITE server transaction holding
// the reliable provisional response it acknowledges, spec.md §4.2 step
// 5. Returns false if no outstanding reliable provisional matched.
func (e *Engine) handlePrack(req *message.Request) bool {
	for _, tx := range e.store.snapshot() {
		if tx.matchesReliableProvisional(req) {
			tx.acknowledgeReliableProvisional(req)
			return true
		}
	}
	return false
}

// matchAckByCallID implements the opt-in fallback of spec.md §4.2 step
// 4: when a proxy rewrites the ACK's Via in a way that breaks branch
// matching, fall back to the (Call-ID, CSeq number) pair. The fallback
// matches only when exactly one INVITE server transaction carries the
// ACK's Call-ID; otherwise it returns nil.
func (e *Engine) matchAckByCallID(ack *message.Request) *Transaction {
	var match *Transaction
	sharing := 0
	for _, tx := range e.store.snapshot() {
		if tx.kind != KindInviteServer || tx.origin.CallID != ack.CallID {
			continue
		}
		sharing++
		if tx.origin.CSeq.SeqNo == ack.CSeq.SeqNo {
			match = tx
		}
	}
	if sharing != 1 {
		return nil
	}
	return match
}

func (e *Engine) handleResponse(resp *message.Response) {
	id, err := idForResponse(resp)
	if err != nil {
		e.log.Debug("dropping response with no branch", "error", err)
		return
	}
	tx, ok := e.store.get(id)
	if !ok {
		if e.unmatchedResponse != nil {
			go e.unmatchedResponse(resp)
		}
		return
	}
	tx.onResponse(resp)
}
