// Package dnsresolve implements component C7 of the order-poller core: DNS
// TXT lookups used to check dns-01 challenge propagation before poking a
// challenge. It is grounded on sheurich-boulder/core/dns.go's
// DNSResolverImpl -- ExchangeOne's random-server pick and EDNS0 DO bit, and
// LookupTXT's answer-section walk -- adapted down to two lookups: TXT, which
// the poller uses for propagation checks, and NS, which the poller does not
// call, for callers discovering a zone's authoritative servers.
package dnsresolve

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// DefaultServers is used when a Resolver is built with no explicit server
// list: Google and Cloudflare's public recursive resolvers.
var DefaultServers = []string{"8.8.8.8:53", "1.1.1.1:53"}

// Resolver performs DNS lookups against a fixed list of servers, picking one
// at random per query the way the teacher's pack sibling does.
type Resolver struct {
	client  *dns.Client
	servers []string
}

// New builds a Resolver. An empty servers slice falls back to
// DefaultServers.
func New(servers []string, timeout time.Duration) *Resolver {
	if len(servers) == 0 {
		servers = DefaultServers
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := new(dns.Client)
	client.Timeout = timeout
	return &Resolver{client: client, servers: servers}
}

func (r *Resolver) exchangeOne(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	if len(r.servers) == 0 {
		return nil, fmt.Errorf("dnsresolve: no DNS servers configured")
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.SetEdns0(4096, true)

	server := r.servers[rand.Intn(len(r.servers))]

	resp, _, err := r.client.ExchangeContext(ctx, m, server)
	return resp, err
}

// LookupTXT returns the TXT record values for name. Per spec.md section 4.7
// this never returns an error to its caller: DNS failures (NXDOMAIN,
// timeouts, SERVFAIL) are indistinguishable from "not propagated yet" to a
// poller that is just going to retry, so they collapse to an empty result
// rather than aborting the poll loop.
func (r *Resolver) LookupTXT(ctx context.Context, name string) []string {
	resp, err := r.exchangeOne(ctx, name, dns.TypeTXT)
	if err != nil || resp == nil || resp.Rcode != dns.RcodeSuccess {
		return nil
	}

	var values []string
	for _, rr := range resp.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			values = append(values, strings.Join(txt.Txt, ""))
		}
	}
	return values
}

// LookupNS returns the nameserver hostnames for name, used when a caller
// wants to query the zone's authoritative servers directly instead of
// a recursive resolver (useful for checking propagation before a recursive
// resolver's cache has caught up). Like LookupTXT it never returns an error.
func (r *Resolver) LookupNS(ctx context.Context, name string) []string {
	resp, err := r.exchangeOne(ctx, name, dns.TypeNS)
	if err != nil || resp == nil || resp.Rcode != dns.RcodeSuccess {
		return nil
	}

	var servers []string
	for _, rr := range resp.Answer {
		if ns, ok := rr.(*dns.NS); ok {
			servers = append(servers, ns.Ns)
		}
	}
	return servers
}

// ChallengeName returns the dns-01 challenge record name for an identifier
// value, stripping a wildcard prefix first per RFC 8555 section 8.4
// ("_acme-challenge" is prepended to the base domain, not to "*.domain").
func ChallengeName(identifierValue string) string {
	domain := strings.TrimPrefix(identifierValue, "*.")
	return "_acme-challenge." + domain
}
