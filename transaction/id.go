package transaction

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"github.com/sipsorcery-go/corestack/message"
)

// GenerateBranch produces a new RFC 3261 §8.1.1.7 branch parameter: the
// magic cookie followed by enough random entropy to be globally unique,
// the same github.com/google/uuid source emiago-sipgo's client.go uses
// for its own branch/tag generation.
func GenerateBranch() string {
	return message.RFC3261BranchMagicCookie + uuid.New().String()
}

// ID computes the transaction identifier of spec.md §3:
// SHA1(top_via_branch ‖ cseq_method_name), with ACK's method folded to
// INVITE so the ACK for a non-2xx final response lands on the same
// transaction as the INVITE that provoked it.
func ID(branch string, method message.Method) string {
	if method == message.ACK {
		method = message.INVITE
	}
	h := sha1.New()
	h.Write([]byte(branch))
	h.Write([]byte(method))
	return hex.EncodeToString(h.Sum(nil))
}

// idForRequest computes the id a request would use to create or match
// a transaction, per spec.md §3/§4.2.
func idForRequest(r *message.Request) (string, error) {
	v, ok := r.TopVia()
	if !ok || v.Branch() == "" {
		return "", fmt.Errorf("request has no Via branch")
	}
	return ID(v.Branch(), r.Method), nil
}

// idForResponse computes the id used to match an inbound response to
// its client transaction, per spec.md §4.2 "Responses" rule.
func idForResponse(r *message.Response) (string, error) {
	if len(r.Via) == 0 || r.Via[0].Branch() == "" {
		return "", fmt.Errorf("response has no Via branch")
	}
	return ID(r.Via[0].Branch(), r.CSeq.Method), nil
}
