// Package poller implements component C9 of the order-poller core: the
// per-order state machine that drives an ACME order from creation through
// authorization, finalization, and certificate download. It is grounded on
// the caddy-vendored lego client's validate()/getAuthzForOrder/
// requestCertificateForCsr poll loops (Retry-After handling, poll-then-
// download sequencing) and on the teacher's cmd/command.go CatchSignals
// channel-based actor shape, generalized here into a per-poller command
// channel instead of a process-wide signal handler.
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cpu/acmeflow/acme"
	"github.com/cpu/acmeflow/acme/challenge"
	"github.com/cpu/acmeflow/acme/dnsresolve"
	"github.com/cpu/acmeflow/acme/order"
	"github.com/cpu/acmeflow/acme/session"
	"github.com/cpu/acmeflow/acme/transport"
)

// State names one node of the poller's state machine (spec.md section 4.9).
type State string

const (
	StateStarting               State = "starting"
	StateCreatingOrder          State = "creating_order"
	StateFetchingAuthorizations State = "fetching_authorizations"
	StatePublishingChallenges   State = "publishing_challenges"
	StateAwaitingDNSPropagation State = "awaiting_dns_propagation"
	StatePokingChallenges       State = "poking_challenges"
	StatePollingAuthorizations  State = "polling_authorizations"
	StateReady                  State = "ready"
	StateFinalizing             State = "finalizing"
	StatePollingOrder           State = "polling_order"
	StateDownloading            State = "downloading"
	StateDone                   State = "done"
	StateFailed                 State = "failed"
	StateCancelled              State = "cancelled"
)

// FinalizationDirective is returned by Callbacks.HandleFinalizationError to
// decide whether the poller should retry finalization or give up. This
// resolves spec.md's open question ("retry directive (implementation-
// defined)") with an explicit enum rather than a boolean or sentinel error.
type FinalizationDirective int

const (
	// DirectiveAbort transitions the poller to failed.
	DirectiveAbort FinalizationDirective = iota
	// DirectiveRetry re-enters the finalizing state with a fresh CSR
	// fetched via another GetCSR call.
	DirectiveRetry
)

// Callbacks is the "publisher" collaborator a caller supplies (spec.md
// section 4.9's callback table). Every method receives a context scoped to
// the poller's run and should respect cancellation.
type Callbacks interface {
	// Init is called once on startup and may return an augmented
	// identifier list (e.g. after validating or deduplicating).
	Init(ctx context.Context, identifiers []order.Identifier) ([]order.Identifier, error)
	// PublishChallengeResponses provisions the given responses (TXT
	// records, HTTP webroot files). Must be idempotent: the poller may
	// call it more than once across retries (spec.md invariant #8).
	PublishChallengeResponses(ctx context.Context, responses []challenge.Response) error
	// GetCSR returns a DER-encoded CSR and its base64url encoding for the
	// given identifiers once the order is ready.
	GetCSR(ctx context.Context, identifiers []order.Identifier) (der []byte, b64 string, err error)
	// ProcessCertificate hands the caller the issued PEM certificate
	// chain.
	ProcessCertificate(ctx context.Context, ord *order.Order, pemChain []byte) error
	// AckOrder marks the order complete from the caller's perspective,
	// called immediately after ProcessCertificate succeeds.
	AckOrder(ctx context.Context, ord *order.Order) error
	// InvalidOrder is called exactly once if any authorization or the
	// order itself transitions to invalid. Terminal: no further
	// callbacks fire afterward.
	InvalidOrder(ctx context.Context, ord *order.Order, err error)
	// HandleFinalizationError is called if the finalize POST is
	// rejected; its return value decides whether the poller retries.
	HandleFinalizationError(ctx context.Context, ord *order.Order, err error) FinalizationDirective
}

// RetryPolicy bounds how long the poller spends in each retrying state and
// how its backoff schedule is shaped (spec.md section 4.9 "Polling
// schedule"). The zero value is invalid; use DefaultRetryPolicy.
type RetryPolicy struct {
	AuthorizationBudget time.Duration
	FinalizationBudget  time.Duration
	DownloadBudget      time.Duration
	ServerBackoffBase   time.Duration
	DNSBackoffBase      time.Duration
	BackoffCap          time.Duration
}

// DefaultRetryPolicy matches spec.md section 4.9's stated defaults exactly.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		AuthorizationBudget: 10 * time.Minute,
		FinalizationBudget:  2 * time.Minute,
		DownloadBudget:      2 * time.Minute,
		ServerBackoffBase:   2 * time.Second,
		DNSBackoffBase:      1 * time.Second,
		BackoffCap:          60 * time.Second,
	}
}

func (p RetryPolicy) normalize() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.AuthorizationBudget <= 0 {
		p.AuthorizationBudget = d.AuthorizationBudget
	}
	if p.FinalizationBudget <= 0 {
		p.FinalizationBudget = d.FinalizationBudget
	}
	if p.DownloadBudget <= 0 {
		p.DownloadBudget = d.DownloadBudget
	}
	if p.ServerBackoffBase <= 0 {
		p.ServerBackoffBase = d.ServerBackoffBase
	}
	if p.DNSBackoffBase <= 0 {
		p.DNSBackoffBase = d.DNSBackoffBase
	}
	if p.BackoffCap <= 0 {
		p.BackoffCap = d.BackoffCap
	}
	return p
}

// OrderState is the poller's working set (spec.md section 3). A Poller holds
// exclusive authority to mutate it; nothing else in this module reads it
// concurrently.
type OrderState struct {
	Session        *session.Session
	OrderURL       string
	Order          *order.Order
	Authorizations map[string]*order.Authorization
	Identifiers    []order.Identifier
	State          State
	LastError      error
}

// Poller is a long-lived per-order actor (spec.md section 4.9 "a per-order
// long-lived actor"). Create one with Start; observe it with State/LastError
// or by calling Wait; stop it early with Cancel.
type Poller struct {
	mu        sync.RWMutex
	state     State
	lastError error

	cancel   chan struct{}
	done     chan struct{}
	resolver *dnsresolve.Resolver
	policy   RetryPolicy
	os       *OrderState
}

// Start launches a poller for the given identifiers against sess, driving it
// in a background goroutine. identifiers is passed through
// order.NormalizeIdentifiers's permissive shapes. The returned Poller is
// immediately observable via State even before the first transition runs.
func Start(ctx context.Context, sess *session.Session, identifiers any, cb Callbacks, policy RetryPolicy) (*Poller, error) {
	idents, err := order.NormalizeIdentifiers(identifiers)
	if err != nil {
		return nil, err
	}

	p := &Poller{
		state:    StateStarting,
		cancel:   make(chan struct{}),
		done:     make(chan struct{}),
		resolver: dnsresolve.New(nil, 5*time.Second),
		policy:   policy.normalize(),
	}

	os := &OrderState{
		Session:        sess,
		Identifiers:    idents,
		Authorizations: make(map[string]*order.Authorization),
		State:          StateStarting,
	}

	p.os = os
	go p.run(ctx, os, cb, p.drive)

	return p, nil
}

// Resume reconstructs a Poller for an order that already exists on the ACME
// server instead of creating a new one -- the counterpart to Start for a
// process restarting mid-order (spec.md section 4.9 "start/resume with
// (session, identifiers, callback_module)"; section 2 "persist across
// restarts (via checkpoint callbacks)"). A caller's checkpoint only needs to
// remember orderURL and the original identifiers: Resume fetches orderURL and
// its current authorizations to rebuild OrderState, then re-enters the state
// machine at whichever stage the order's server-side status implies
// (pending resumes at fetching_authorizations, ready at finalizing,
// processing at polling_order, valid at downloading, invalid fails
// immediately via InvalidOrder).
func Resume(ctx context.Context, sess *session.Session, orderURL string, identifiers any, cb Callbacks, policy RetryPolicy) (*Poller, error) {
	idents, err := order.NormalizeIdentifiers(identifiers)
	if err != nil {
		return nil, err
	}
	if orderURL == "" {
		return nil, fmt.Errorf("poller.Resume: orderURL must not be empty")
	}

	ord := &order.Order{ID: orderURL}
	if err := order.Update(ctx, sess, ord); err != nil {
		return nil, fmt.Errorf("poller.Resume: refreshing order %s: %w", orderURL, err)
	}

	os := &OrderState{
		Session:        sess,
		OrderURL:       orderURL,
		Order:          ord,
		Authorizations: make(map[string]*order.Authorization),
		Identifiers:    idents,
		State:          StateStarting,
	}

	if ord.Status == "pending" {
		authzs, err := order.FetchAuthorizations(ctx, sess, ord)
		if err != nil {
			return nil, fmt.Errorf("poller.Resume: fetching authorizations for %s: %w", orderURL, err)
		}
		for i, url := range ord.Authorizations {
			os.Authorizations[url] = authzs[i]
		}
	}

	p := &Poller{
		state:    StateStarting,
		cancel:   make(chan struct{}),
		done:     make(chan struct{}),
		resolver: dnsresolve.New(nil, 5*time.Second),
		policy:   policy.normalize(),
		os:       os,
	}

	sess.Printf("resuming poller for order %q (status %s)\n", orderURL, ord.Status)
	go p.run(ctx, os, cb, p.driveResume)

	return p, nil
}

// State returns the poller's current state.
func (p *Poller) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// LastError returns the most recent error recorded against the poller, if
// any.
func (p *Poller) LastError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastError
}

// Cancel requests the poller stop at its next suspension point. No further
// callbacks fire once it transitions to cancelled (spec.md section 5).
func (p *Poller) Cancel() {
	select {
	case <-p.cancel:
	default:
		close(p.cancel)
	}
}

// Wait blocks until the poller reaches a terminal state (done, failed, or
// cancelled).
func (p *Poller) Wait() {
	<-p.done
}

func (p *Poller) setState(s State) {
	p.mu.Lock()
	p.state = s
	os := p.os
	if os != nil {
		os.State = s
	}
	p.mu.Unlock()
	if os != nil && os.Session != nil {
		os.Session.Printf("poller for order %q entering state %s\n", os.OrderURL, s)
	}
}

func (p *Poller) setError(err error) {
	p.mu.Lock()
	p.lastError = err
	p.mu.Unlock()
}

// cancelled reports whether the poller has been asked to stop.
func (p *Poller) cancelled() bool {
	select {
	case <-p.cancel:
		return true
	default:
		return false
	}
}

// driveFunc is the shape shared by drive and driveResume, letting run stay
// common to both entry points.
type driveFunc func(ctx context.Context, os *OrderState, cb Callbacks) error

func (p *Poller) run(ctx context.Context, os *OrderState, cb Callbacks, drive driveFunc) {
	defer close(p.done)

	if err := drive(ctx, os, cb); err != nil {
		p.setError(err)
		if !p.cancelled() {
			p.setState(StateFailed)
		}
	}
}

// drive walks the full state machine from scratch, used by Start. It returns
// non-nil only for failures that should surface as the poller's terminal
// LastError; callback-reported terminal conditions (invalid_order) set state
// directly and return nil, since InvalidOrder has already been invoked by the
// time they do.
func (p *Poller) drive(ctx context.Context, os *OrderState, cb Callbacks) error {
	if p.suspended(ctx) {
		return nil
	}
	p.setState(StateStarting)
	idents, err := cb.Init(ctx, os.Identifiers)
	if err != nil {
		return fmt.Errorf("init callback: %w", err)
	}
	os.Identifiers = idents

	// creating_order
	if p.suspended(ctx) {
		return nil
	}
	p.setState(StateCreatingOrder)
	ord, err := order.New(ctx, os.Session, order.Options{Identifiers: identifiersToAny(os.Identifiers)})
	if err != nil {
		return fmt.Errorf("creating order: %w", err)
	}
	os.Order = ord
	os.OrderURL = ord.ID

	return p.driveFromAuthorizations(ctx, os, cb)
}

// driveResume re-enters the state machine for an order that already exists
// on the ACME server, dispatching to the stage its current status implies
// (spec.md section 4.9 "start/resume"; section 2 "persist across restarts").
// Unlike drive, it never calls order.New: os.Order and os.Authorizations are
// already populated by Resume before this runs.
func (p *Poller) driveResume(ctx context.Context, os *OrderState, cb Callbacks) error {
	if p.suspended(ctx) {
		return nil
	}
	p.setState(StateStarting)
	idents, err := cb.Init(ctx, os.Identifiers)
	if err != nil {
		return fmt.Errorf("init callback: %w", err)
	}
	os.Identifiers = idents

	switch os.Order.Status {
	case "valid":
		return p.driveFromDownload(ctx, os, cb)
	case "processing":
		return p.driveFromPollOrder(ctx, os, cb)
	case "ready":
		return p.driveFromReady(ctx, os, cb)
	case "invalid":
		err := fmt.Errorf("order %s is already invalid", os.Order.ID)
		cb.InvalidOrder(ctx, os.Order, err)
		p.setError(&acme.Error{Kind: acme.KindAuthorizationInvalid, Op: "poller.driveResume", Err: err})
		p.setState(StateFailed)
		return nil
	default: // "pending"
		return p.driveFromAuthorizations(ctx, os, cb)
	}
}

// driveFromAuthorizations runs fetching_authorizations through
// polling_authorizations, then continues into driveFromReady. It is shared by
// drive (a freshly created order) and driveResume (a pending order resumed
// after a restart, whose authorizations were already fetched by Resume).
func (p *Poller) driveFromAuthorizations(ctx context.Context, os *OrderState, cb Callbacks) error {
	// fetching_authorizations
	if p.suspended(ctx) {
		return nil
	}
	p.setState(StateFetchingAuthorizations)
	if len(os.Authorizations) == 0 {
		authzs, err := order.FetchAuthorizations(ctx, os.Session, os.Order)
		if err != nil {
			return fmt.Errorf("fetching authorizations: %w", err)
		}
		for i, url := range os.Order.Authorizations {
			os.Authorizations[url] = authzs[i]
		}
	}

	// publishing_challenges
	if p.suspended(ctx) {
		return nil
	}
	p.setState(StatePublishingChallenges)
	responses, chosen, err := computeResponses(os.Session, os.Authorizations)
	if err != nil {
		return fmt.Errorf("computing challenge responses: %w", err)
	}
	if err := cb.PublishChallengeResponses(ctx, responses); err != nil {
		return fmt.Errorf("publish_challenge_responses callback: %w", err)
	}

	// awaiting_dns_propagation
	if p.suspended(ctx) {
		return nil
	}
	p.setState(StateAwaitingDNSPropagation)
	if err := p.awaitDNSPropagation(ctx, responses); err != nil {
		return err
	}

	// poking_challenges
	if p.suspended(ctx) {
		return nil
	}
	p.setState(StatePokingChallenges)
	tr := transport.New()
	for _, ch := range chosen {
		if _, err := tr.Poke(ctx, os.Session, ch.URL); err != nil {
			return fmt.Errorf("poking challenge %s: %w", ch.URL, err)
		}
	}

	// polling_authorizations
	if p.suspended(ctx) {
		return nil
	}
	p.setState(StatePollingAuthorizations)
	invalid, err := p.pollAuthorizations(ctx, os)
	if err != nil {
		return err
	}
	if invalid != nil {
		cb.InvalidOrder(ctx, os.Order, invalid)
		p.setError(&acme.Error{Kind: acme.KindAuthorizationInvalid, Op: "poller.pollAuthorizations", Err: invalid})
		p.setState(StateFailed)
		return nil
	}

	return p.driveFromReady(ctx, os, cb)
}

// driveFromReady runs the ready and finalizing states, then continues into
// driveFromPollOrder.
func (p *Poller) driveFromReady(ctx context.Context, os *OrderState, cb Callbacks) error {
	if p.suspended(ctx) {
		return nil
	}
	p.setState(StateReady)
	if err := order.Update(ctx, os.Session, os.Order); err != nil {
		return fmt.Errorf("refreshing order before finalize: %w", err)
	}

	aborted, err := p.finalize(ctx, os, cb)
	if err != nil {
		return err
	}
	if aborted {
		return nil
	}

	return p.driveFromPollOrder(ctx, os, cb)
}

// driveFromPollOrder runs polling_order, then continues into
// driveFromDownload.
func (p *Poller) driveFromPollOrder(ctx context.Context, os *OrderState, cb Callbacks) error {
	if p.suspended(ctx) {
		return nil
	}
	p.setState(StatePollingOrder)
	orderInvalid, err := p.pollOrderValid(ctx, os)
	if err != nil {
		return err
	}
	if orderInvalid != nil {
		cb.InvalidOrder(ctx, os.Order, orderInvalid)
		p.setError(&acme.Error{Kind: acme.KindAuthorizationInvalid, Op: "poller.pollOrderValid", Err: orderInvalid})
		p.setState(StateFailed)
		return nil
	}

	return p.driveFromDownload(ctx, os, cb)
}

// driveFromDownload runs downloading through done, the terminal success
// path shared by every entry point.
func (p *Poller) driveFromDownload(ctx context.Context, os *OrderState, cb Callbacks) error {
	if p.suspended(ctx) {
		return nil
	}
	p.setState(StateDownloading)
	pemChain, err := order.DownloadCertificate(ctx, os.Session, os.Order)
	if err != nil {
		return fmt.Errorf("downloading certificate: %w", err)
	}

	if err := cb.ProcessCertificate(ctx, os.Order, pemChain); err != nil {
		return fmt.Errorf("process_certificate callback: %w", err)
	}
	if err := cb.AckOrder(ctx, os.Order); err != nil {
		return fmt.Errorf("ack_order callback: %w", err)
	}

	p.setState(StateDone)
	return nil
}

func (p *Poller) suspended(ctx context.Context) bool {
	if p.cancelled() {
		p.setState(StateCancelled)
		return true
	}
	select {
	case <-ctx.Done():
		p.setState(StateCancelled)
		return true
	default:
		return false
	}
}

func identifiersToAny(idents []order.Identifier) any {
	return idents
}

// computeResponses derives a challenge response for the preferred challenge
// type on every authorization, returning both the response set to publish
// and the chosen per-authorization challenges (needed later to poke them).
func computeResponses(sess *session.Session, authzs map[string]*order.Authorization) ([]challenge.Response, []order.Challenge, error) {
	var responses []challenge.Response
	var chosen []order.Challenge

	for _, authz := range authzs {
		resp, ch, err := challenge.RespondToAuthorization(sess.AccountKey, *authz)
		if err != nil {
			return nil, nil, err
		}
		responses = append(responses, *resp)
		chosen = append(chosen, *ch)
	}
	return responses, chosen, nil
}

func (p *Poller) awaitDNSPropagation(ctx context.Context, responses []challenge.Response) error {
	type target struct {
		name  string
		value string
	}
	var targets []target
	for _, r := range responses {
		if r.Challenge.Type == challenge.TypeDNS01 {
			targets = append(targets, target{name: dnsresolve.ChallengeName(r.Identifier.Value), value: r.Value})
		}
	}
	if len(targets) == 0 {
		return nil
	}

	bo := transport.BackoffSchedule(p.policy.DNSBackoffBase, p.policy.BackoffCap, p.policy.AuthorizationBudget)
	return backoff.Retry(func() error {
		if p.suspended(ctx) {
			return backoff.Permanent(nil)
		}
		for _, t := range targets {
			values := p.resolver.LookupTXT(ctx, t.name)
			found := false
			for _, v := range values {
				if v == t.value {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("dns-01 record for %s not yet observable", t.name)
			}
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}

// pollAuthorizations polls every authorization until all are valid or any
// goes invalid, honoring Retry-After on rate-limited responses. A non-nil
// invalid return (with a nil error) describes the first invalid
// authorization observed; both are nil once every authorization is valid.
func (p *Poller) pollAuthorizations(ctx context.Context, os *OrderState) (invalid error, err error) {
	pending := make(map[string]*order.Authorization, len(os.Authorizations))
	for url, a := range os.Authorizations {
		pending[url] = a
	}

	bo := transport.BackoffSchedule(p.policy.ServerBackoffBase, p.policy.BackoffCap, p.policy.AuthorizationBudget)
	nextDelay := p.policy.ServerBackoffBase

	for len(pending) > 0 {
		if p.suspended(ctx) {
			return nil, nil
		}

		for url, authz := range pending {
			if err := order.UpdateAuthorization(ctx, os.Session, authz); err != nil {
				// Without a Retry-After the authorization stays pending and
				// the backoff schedule below spaces out the next attempt.
				if acmeErr, ok := err.(*acme.Error); ok && acmeErr.Kind == acme.KindRateLimited {
					sleepOrCancel(ctx, p, acmeErr.RetryAfter)
					continue
				}
				return nil, fmt.Errorf("polling authorization %s: %w", url, err)
			}

			switch authz.Status {
			case "valid":
				delete(pending, url)
			case "invalid", "deactivated", "expired", "revoked":
				return fmt.Errorf("authorization %s for %s is %s", url, authz.Identifier.Value, authz.Status), nil
			}
		}

		if len(pending) == 0 {
			break
		}

		next := bo.NextBackOff()
		if next == backoff.Stop {
			return nil, fmt.Errorf("authorization polling exceeded its time budget")
		}
		nextDelay = next
		sleepOrCancel(ctx, p, nextDelay)
	}

	return nil, nil
}

// finalize submits a CSR, retrying if HandleFinalizationError returns
// DirectiveRetry. It returns aborted=true when the order has been moved to
// StateFailed or the poller was cancelled, and drive should stop without
// treating it as a Go error.
func (p *Poller) finalize(ctx context.Context, os *OrderState, cb Callbacks) (aborted bool, err error) {
	if p.suspended(ctx) {
		return true, nil
	}
	p.setState(StateFinalizing)

	for {
		_, csrB64, err := cb.GetCSR(ctx, os.Identifiers)
		if err != nil {
			return false, fmt.Errorf("get_csr callback: %w", err)
		}

		finalizeErr := order.Finalize(ctx, os.Session, os.Order, csrB64)
		if finalizeErr == nil {
			return false, nil
		}

		directive := cb.HandleFinalizationError(ctx, os.Order, finalizeErr)
		if directive != DirectiveRetry {
			p.setError(&acme.Error{Kind: acme.KindFinalizationError, Op: "poller.finalize", Err: finalizeErr})
			p.setState(StateFailed)
			return true, nil
		}
		if p.suspended(ctx) {
			return true, nil
		}
	}
}

// pollOrderValid polls the order until it settles to valid or invalid. A
// non-nil invalid return (with a nil error) means the order itself went
// invalid and the caller should invoke InvalidOrder, mirroring how
// pollAuthorizations reports an invalid authorization back to drive.
func (p *Poller) pollOrderValid(ctx context.Context, os *OrderState) (invalid error, err error) {
	bo := transport.BackoffSchedule(p.policy.ServerBackoffBase, p.policy.BackoffCap, p.policy.FinalizationBudget)

	for {
		if p.suspended(ctx) {
			return nil, nil
		}

		if err := order.Update(ctx, os.Session, os.Order); err != nil {
			if acmeErr, ok := err.(*acme.Error); ok && acmeErr.Kind == acme.KindRateLimited {
				wait := acmeErr.RetryAfter
				if wait <= 0 {
					if wait = bo.NextBackOff(); wait == backoff.Stop {
						return nil, fmt.Errorf("order polling exceeded its time budget")
					}
				}
				sleepOrCancel(ctx, p, wait)
				continue
			}
			return nil, fmt.Errorf("polling order: %w", err)
		}

		switch os.Order.Status {
		case "valid":
			return nil, nil
		case "invalid":
			return fmt.Errorf("order %s is invalid", os.Order.ID), nil
		}

		next := bo.NextBackOff()
		if next == backoff.Stop {
			return nil, fmt.Errorf("order polling exceeded its time budget")
		}
		sleepOrCancel(ctx, p, next)
	}
}

func sleepOrCancel(ctx context.Context, p *Poller, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	case <-p.cancel:
	}
}
