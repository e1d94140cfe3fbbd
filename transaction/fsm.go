package transaction

import (
	"time"

	"github.com/sipsorcery-go/corestack/message"
)

// timerHLimit is the RFC 3261 §17 Timer B/F/H ceiling: 64*T1.
func (tx *Transaction) timerHLimit() time.Duration { return 64 * tx.cfg.T1 }

func (tx *Transaction) reliable() bool {
	return tx.origin != nil && message.IsReliable(tx.origin.Transport)
}

// start sends the originating request (client side) for the first time.
func (tx *Transaction) start() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	now := clockNow()
	tx.firstTransmitAt = now
	tx.lastTransmitAt = now
	tx.deliveryPending = true
	if tx.cfg.DisableRetransmitSending {
		return nil
	}
	return tx.conn.SendRequest(tx.origin)
}

// sendResponse is the server-side operation a user agent calls to answer
// a server transaction, per spec.md §4.1's "respond(status)" operation.
func (tx *Transaction) sendResponse(resp *message.Response) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.sendResponseLocked(resp)
}

func (tx *Transaction) sendResponseLocked(resp *message.Response) error {
	now := clockNow()
	resp.Transport = tx.origin.Transport
	if resp.Destination == "" {
		resp.Destination = tx.origin.Source
	}

	switch {
	case resp.IsProvisional():
		tx.lastProvisional = resp
		if tx.ringingSince.IsZero() {
			tx.ringingSince = now
		}
		if resp.StatusCode > 100 && tx.prackSupported && resp.RSeq == 0 {
			resp.RSeq = newRSeq()
		}
		if resp.RSeq != 0 {
			tx.reliableProvisional = resp
			tx.reliableRSeq = resp.RSeq
			tx.reliableProvisionalAt = now
			tx.provisionalExpired = false
		}
		tx.setState(StateProceeding)
	default:
		// spec.md §4.1 draws no 2xx/non-2xx distinction for the server-side
		// final response: both land in Completed and wait there for the
		// matching ACK (-> Confirmed) or T6 (-> gone).
		tx.finalResponse = resp
		tx.completedAt = now
		tx.lastTransmitAt = now
		tx.setState(StateCompleted)
	}

	if tx.cfg.DisableRetransmitSending {
		return nil
	}
	return tx.conn.SendResponse(resp)
}

// onRequest handles a request matched to this (server-side) transaction:
// retransmissions of the original request, and ACK. CANCEL and PRACK each
// ride their own transaction and are routed by the engine to
// cancelInvite/acknowledgeReliableProvisional instead of landing here.
func (tx *Transaction) onRequest(req *message.Request) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	switch {
	case req.IsAck():
		if tx.kind != KindInviteServer {
			return
		}
		tx.storedAck = req
		if tx.state == StateCompleted || tx.state == StateCancelled {
			tx.setState(StateConfirmed)
			tx.completedAt = clockNow() // restart the Timer I clock
		}
		return
	default:
		// Retransmission of the original request: re-send the last
		// response we sent, per RFC 3261 §17.2.1/§17.1.2.2.
		if tx.state == StateProceeding && tx.lastProvisional != nil {
			tx.conn.SendResponse(tx.lastProvisional)
		} else if (tx.state == StateCompleted || tx.state == StateConfirmed || tx.state == StateCancelled) && tx.finalResponse != nil {
			tx.conn.SendResponse(tx.finalResponse)
		}
	}
}

// cancelInvite implements spec.md §4.1's cancel_call() operation: a
// still-open INVITE server transaction moves to Cancelled and a 487 is
// emitted automatically, RFC 3261 §9.2.
func (tx *Transaction) cancelInvite() {
	tx.mu.Lock()
	if tx.kind != KindInviteServer {
		tx.mu.Unlock()
		return
	}
	switch tx.state {
	case StateCompleted, StateConfirmed, StateCancelled, StateTerminated:
		tx.mu.Unlock()
		return
	}
	resp := message.NewResponseFromRequest(tx.origin, 487, "Request Terminated")
	resp.Transport = tx.origin.Transport
	resp.Destination = tx.origin.Source
	now := clockNow()
	tx.finalResponse = resp
	tx.completedAt = now
	tx.lastTransmitAt = now
	tx.setState(StateCancelled)
	if !tx.cfg.DisableRetransmitSending {
		tx.conn.SendResponse(resp)
	}
	tx.mu.Unlock()

	if tx.onCancel != nil {
		cb, txr := tx.onCancel, tx
		tx.emit(func() { cb(txr) })
	}
}

// matchesReliableProvisional reports whether req is the PRACK
// acknowledging this transaction's outstanding reliable provisional
// response, matched by Call-ID, From-tag and the RAck (RSeq, CSeq,
// method) triple per spec.md §4.2 step 5.
func (tx *Transaction) matchesReliableProvisional(req *message.Request) bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.kind != KindInviteServer || tx.reliableProvisional == nil || req.RAck == nil {
		return false
	}
	if tx.origin.CallID != req.CallID || tx.origin.From.Tag() != req.From.Tag() {
		return false
	}
	return req.RAck.RSeq == tx.reliableRSeq &&
		req.RAck.CSeq == tx.origin.CSeq.SeqNo &&
		req.RAck.Method == tx.origin.Method
}

// acknowledgeReliableProvisional clears the outstanding reliable
// provisional and answers the PRACK itself with 200 OK, per spec.md
// §4.2 step 5.
func (tx *Transaction) acknowledgeReliableProvisional(req *message.Request) {
	tx.mu.Lock()
	tx.storedPrack = req
	tx.deliveryPending = false
	tx.reliableProvisional = nil
	tx.provisionalExpired = false
	conn := tx.conn
	disableSend := tx.cfg.DisableRetransmitSending
	tx.mu.Unlock()

	if disableSend {
		return
	}
	resp := message.NewResponseFromRequest(req, 200, "OK")
	resp.Transport = req.Transport
	resp.Destination = req.Source
	conn.SendResponse(resp)
}

// onResponse handles an inbound response matched to this (client-side)
// transaction.
func (tx *Transaction) onResponse(resp *message.Response) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	switch {
	case resp.IsProvisional():
		if tx.state == StateCalling {
			tx.setState(StateProceeding)
		}
		tx.lastProvisional = resp
		if resp.IsReliableProvisional() {
			if tx.storedPrack != nil && tx.reliableRSeq == resp.RSeq {
				// Duplicate of the provisional we already PRACKed: resend
				// our stored PRACK rather than building a new one.
				if !tx.cfg.DisableRetransmitSending {
					tx.conn.SendRequest(tx.storedPrack)
				}
			} else {
				tx.reliableProvisional = resp
				tx.reliableRSeq = resp.RSeq
				tx.reliableProvisionalAt = clockNow()
				tx.provisionalExpired = false
				branch := GenerateBranch()
				prack := message.NewPrack(tx.origin, resp, branch)
				prack.Destination = tx.origin.Destination
				tx.storedPrack = prack
				if !tx.cfg.DisableRetransmitSending {
					tx.conn.SendRequest(prack)
				}
			}
		}
		tx.deliverResponse(resp)

	case resp.IsSuccess():
		tx.finalResponse = resp
		tx.completedAt = clockNow()
		tx.deliverResponse(resp)
		if tx.kind == KindInviteClient {
			// RFC 3261 §13.2.2.4: the UAC itself must ACK a 2xx, on a
			// fresh branch, distinct from any end-to-end ACK the dialog
			// layer sends for retransmitted 2xxs afterwards.
			branch := GenerateBranch()
			ack := message.NewAckForSuccess(tx.origin, resp, branch)
			ack.Destination = tx.origin.Destination
			if !tx.cfg.DisableRetransmitSending {
				tx.conn.SendRequest(ack)
			}
			tx.setState(StateConfirmed)
		} else {
			tx.setState(StateCompleted)
		}

	default:
		tx.finalResponse = resp
		tx.completedAt = clockNow()
		tx.deliverResponse(resp)
		tx.setState(StateCompleted)
		if tx.kind == KindInviteClient {
			ack := message.NewAckForNon2xx(tx.origin, resp)
			ack.Transport = tx.origin.Transport
			ack.Destination = tx.origin.Destination
			if !tx.cfg.DisableRetransmitSending {
				tx.conn.SendRequest(ack)
			}
		}
	}
}

func (tx *Transaction) deliverResponse(resp *message.Response) {
	if tx.onResponse != nil {
		cb, txr := tx.onResponse, tx
		tx.emit(func() { cb(txr, resp) })
	}
}

// tick is called periodically by the engine's driver loop and runs all
// of this transaction's time-based behaviour: request/response
// retransmission and timeout/expiry detection. It never blocks.
func (tx *Transaction) tick(now time.Time) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	switch tx.kind {
	case KindInviteClient:
		tx.tickInviteClientLocked(now)
	case KindInviteServer:
		tx.tickInviteServerLocked(now)
	case KindNonInvite:
		if tx.clientSide {
			tx.tickNonInviteClientLocked(now)
		} else {
			tx.tickNonInviteServerLocked(now)
		}
	}
}

func (tx *Transaction) tickInviteClientLocked(now time.Time) {
	switch tx.state {
	case StateCalling:
		if tx.reliable() {
			if now.Sub(tx.firstTransmitAt) >= tx.timerHLimit() {
				tx.fail(FailureTimedOut)
			}
			return
		}
		if now.Sub(tx.lastTransmitAt) >= tx.cfg.retransmitInterval(tx.retransmits+1) {
			if !tx.cfg.DisableRetransmitSending {
				tx.conn.SendRequest(tx.origin)
			}
			tx.recordRetransmit()
			tx.lastTransmitAt = now
		}
		if now.Sub(tx.firstTransmitAt) >= tx.timerHLimit() {
			tx.fail(FailureTimedOut)
		}
	case StateCompleted:
		// Timer D: wait for late duplicate final responses, then die.
		waitFor := tx.cfg.T6
		if tx.reliable() {
			waitFor = 0
		}
		if now.Sub(tx.completedAt) >= waitFor {
			tx.setState(StateTerminated)
		}
	case StateConfirmed:
		// The 2xx has been ACKed; spec.md §4.2's expiry rule for a
		// Confirmed INVITE is the same CompletedAt+T6 wait as Completed.
		waitFor := tx.cfg.T6
		if tx.reliable() {
			waitFor = 0
		}
		if now.Sub(tx.completedAt) >= waitFor {
			tx.setState(StateTerminated)
		}
	}
}

func (tx *Transaction) tickInviteServerLocked(now time.Time) {
	switch tx.state {
	case StateProceeding:
		if tx.cfg.MaxRingTime > 0 && !tx.ringingSince.IsZero() && now.Sub(tx.ringingSince) >= tx.cfg.MaxRingTime {
			tx.fail(FailureTimedOut)
			return
		}
		if tx.reliableProvisional != nil && !tx.provisionalExpired && !tx.reliableProvisionalAt.IsZero() &&
			now.Sub(tx.reliableProvisionalAt) >= tx.cfg.T6 {
			// spec.md §4.2: a reliable provisional that nobody PRACKed in
			// time fires an event but does not fail the transaction.
			tx.provisionalExpired = true
			if tx.onProvisionalExpire != nil {
				cb, txr := tx.onProvisionalExpire, tx
				tx.emit(func() { cb(txr) })
			}
		}
	case StateCompleted, StateCancelled:
		if !tx.reliable() {
			if now.Sub(tx.lastTransmitAt) >= tx.cfg.retransmitInterval(tx.retransmits+1) {
				if tx.finalResponse != nil && !tx.cfg.DisableRetransmitSending {
					tx.conn.SendResponse(tx.finalResponse)
				}
				tx.recordRetransmit()
				tx.lastTransmitAt = now
			}
		}
		if now.Sub(tx.completedAt) >= tx.cfg.T6 {
			tx.fail(FailureTimedOut)
		}
	case StateConfirmed:
		// Timer I/T6: absorb ACK retransmissions briefly, then die.
		waitFor := tx.cfg.T6
		if tx.reliable() {
			waitFor = 0
		}
		if now.Sub(tx.completedAt) >= waitFor {
			tx.setState(StateTerminated)
		}
	}
}

func (tx *Transaction) tickNonInviteClientLocked(now time.Time) {
	switch tx.state {
	case StateCalling, StateTrying, StateProceeding:
		if tx.reliable() {
			if now.Sub(tx.firstTransmitAt) >= 64*tx.cfg.T1 {
				tx.fail(FailureTimedOut)
			}
			return
		}
		if now.Sub(tx.lastTransmitAt) >= tx.cfg.retransmitInterval(tx.retransmits+1) {
			if !tx.cfg.DisableRetransmitSending {
				tx.conn.SendRequest(tx.origin)
			}
			tx.recordRetransmit()
			tx.lastTransmitAt = now
		}
		if now.Sub(tx.firstTransmitAt) >= 64*tx.cfg.T1 {
			tx.fail(FailureTimedOut)
		}
	case StateCompleted:
		if now.Sub(tx.completedAt) >= tx.cfg.T4 {
			tx.setState(StateTerminated)
		}
	}
}

func (tx *Transaction) tickNonInviteServerLocked(now time.Time) {
	if tx.state == StateCompleted {
		if now.Sub(tx.completedAt) >= tx.cfg.T4 {
			tx.setState(StateTerminated)
		}
	}
}

// fail transitions a transaction to Terminated with a recorded failure
// reason and fires the termination callback. Must be called with tx.mu
// held.
func (tx *Transaction) fail(reason FailureReason) {
	if tx.state == StateTerminated {
		return
	}
	tx.hasTimedOut = reason == FailureTimedOut
	tx.deliveryFailed = true
	tx.failureReason = reason
	tx.timedOutAt = clockNow()
	tx.setState(StateTerminated)
	if tx.onTerminate != nil {
		var err error
		switch reason {
		case FailureTimedOut:
			err = ErrTransactionTimeout
		case FailureTransportError:
			err = ErrTransactionTransport
		case FailureCancelled:
			err = ErrTransactionCancelled
		}
		cb, txr := tx.onTerminate, tx
		tx.emit(func() { cb(txr, err) })
	}
}
