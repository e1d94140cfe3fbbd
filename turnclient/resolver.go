// Package turnclient implements the TURN client state machine of
// spec.md §4.5: resolve the configured server, negotiate long-term
// credentials, maintain an allocation (permissions are not re-issued by
// the client), and wrap/unwrap application payloads for relayed transport.
//
// The state machine itself is grounded on arzzra-soft_phone's
// pkg/dialog.Dialog, the pack's one real usage of github.com/looplab/fsm
// for a call-lifecycle state machine; DNS resolution is delegated to a
// Resolver collaborator, the shipped default backed by
// github.com/miekg/dns, per spec.md §1's "DNS resolution is an external
// collaborator" framing generalised to "pluggable".
package turnclient

import (
	"context"
	"fmt"
	"net"
	"time"

	"braces.dev/errtrace"
	"github.com/miekg/dns"
)

// Resolver turns a configured TURN server name into a dialable address,
// spec.md §4.5 step 1.
type Resolver interface {
	Resolve(ctx context.Context, host string) (net.IP, error)
}

// DNSResolver is the shipped default Resolver, a bounded-timeout A
// lookup against a configured upstream nameserver.
type DNSResolver struct {
	Nameserver string // host:port, e.g. "8.8.8.8:53"
	Timeout    time.Duration
}

func NewDNSResolver(nameserver string) *DNSResolver {
	return &DNSResolver{Nameserver: nameserver, Timeout: 3 * time.Second}
}

func (r *DNSResolver) Resolve(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	c := &dns.Client{Timeout: timeout}
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)

	resp, _, err := c.ExchangeContext(ctx, m, r.Nameserver)
	if err != nil {
		return nil, errtrace.Wrap(fmt.Errorf("turnclient: resolve %s: %w", host, err))
	}
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			return a.A, nil
		}
	}
	return nil, errtrace.Wrap(fmt.Errorf("turnclient: no A record for %s", host))
}
