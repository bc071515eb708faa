// The acmeflow-demo command line tool wires the order-poller core's pieces
// together into a runnable binary: it builds a session, creates or restores
// an account, and drives one order through a Poller whose
// PublishChallengeResponses callback provisions dns-01 responses with an
// in-process github.com/letsencrypt/challtestsrv instance. It plays the role
// the teacher's cmd/acmeshell/main.go played for the REPL -- a thin flag
// layer over the library -- except here the "operator" is the poller's own
// state machine rather than a human typing commands.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/letsencrypt/challtestsrv"

	"github.com/cpu/acmeflow/acme/account"
	"github.com/cpu/acmeflow/acme/challenge"
	"github.com/cpu/acmeflow/acme/order"
	"github.com/cpu/acmeflow/acme/poller"
	"github.com/cpu/acmeflow/acme/session"
	"github.com/cpu/acmeflow/cmd"
)

const (
	directoryDefault = session.StagingDirectoryURL
	accountDefault   = "acmeflow-demo.account.json"
	dnsPortDefault   = 5252
	contactDefault   = ""
)

func main() {
	directory := flag.String("directory", directoryDefault, "ACME directory URL")
	caCert := flag.String("ca", "", "Optional PEM CA bundle path for verifying the ACME server's HTTPS certificate")
	contact := flag.String("contact", contactDefault, "Optional contact email address for account creation")
	acctPath := flag.String("account", accountDefault, "JSON filepath to save/restore the demo account")
	dnsPort := flag.Int("dnsPort", dnsPortDefault, "Port the in-process challtestsrv DNS-01 responder listens on")
	identifiers := flag.String("identifiers", "", "Comma-separated list of DNS identifiers to request a certificate for")

	flag.Parse()

	if *identifiers == "" {
		cmd.FailOnError(fmt.Errorf("no identifiers given"), "-identifiers is required")
	}
	idents := strings.Split(*identifiers, ",")

	challSrv, err := challtestsrv.New(challtestsrv.Config{
		DNSOneAddrs: []string{fmt.Sprintf(":%d", *dnsPort)},
		Log:         log.New(os.Stdout, "challRespSrv: ", log.Ldate|log.Ltime),
	})
	cmd.FailOnError(err, "unable to create challenge test server")
	go challSrv.Run()
	defer challSrv.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	go cmd.CatchSignals(cancel)

	sess, err := session.New(ctx, session.Config{
		DirectoryURL: *directory,
		CACertPath:   *caCert,
	})
	cmd.FailOnError(err, "unable to build ACME session")

	acct, err := loadOrCreateAccount(ctx, sess, *acctPath, *contact)
	cmd.FailOnError(err, "unable to load or create ACME account")
	log.Printf("using account %s", acct.ID)

	cb := &demoCallbacks{challSrv: challSrv}
	p, err := poller.Start(ctx, sess, idents, cb, poller.DefaultRetryPolicy())
	cmd.FailOnError(err, "unable to start poller")

	p.Wait()
	if err := p.LastError(); err != nil {
		cmd.FailOnError(err, fmt.Sprintf("order finished in state %s", p.State()))
	}
	log.Printf("order finished in state %s", p.State())
}

// loadOrCreateAccount restores a previously saved account from path, or
// creates a fresh one and saves it, mirroring the teacher's AutoRegister
// behavior from cmd/acmeshell/main.go but without the REPL in between.
func loadOrCreateAccount(ctx context.Context, sess *session.Session, path, contactEmail string) (*account.Account, error) {
	if _, err := os.Stat(path); err == nil {
		acct, err := account.Restore(path)
		if err != nil {
			return nil, fmt.Errorf("restoring account from %q: %w", path, err)
		}
		sess.AccountKey = acct.Key
		sess.AccountKID = acct.ID
		return acct, nil
	}

	var contacts []string
	if contactEmail != "" {
		contacts = []string{contactEmail}
	}

	acct, err := account.New(ctx, sess, account.Options{
		Contact:              contacts,
		TermsOfServiceAgreed: true,
	})
	if err != nil {
		return nil, err
	}
	if err := account.Save(path, acct); err != nil {
		log.Printf("warning: failed to save account to %q: %v", path, err)
	}
	return acct, nil
}

// demoCallbacks implements poller.Callbacks by provisioning dns-01 responses
// into an in-process challtestsrv instance and generating a throwaway CSR
// for finalization, the two things the core deliberately leaves to a caller
// (spec.md section 1 "out of scope: external collaborators").
type demoCallbacks struct {
	challSrv *challtestsrv.ChallSrv

	// published tracks identifier->value so repeated publish calls across
	// retries stay idempotent (spec.md invariant #8) instead of stacking up
	// duplicate TXT records.
	published map[string]string
}

func (c *demoCallbacks) Init(ctx context.Context, identifiers []order.Identifier) ([]order.Identifier, error) {
	log.Printf("starting order for %d identifier(s)", len(identifiers))
	return identifiers, nil
}

func (c *demoCallbacks) PublishChallengeResponses(ctx context.Context, responses []challenge.Response) error {
	if c.published == nil {
		c.published = make(map[string]string)
	}
	for _, r := range responses {
		if r.Challenge.Type != challenge.TypeDNS01 {
			continue
		}
		domain := strings.TrimPrefix(r.Identifier.Value, "*.")
		if c.published[domain] == r.Value {
			continue
		}
		c.challSrv.AddDNSOneChallenge(domain, r.Value)
		c.published[domain] = r.Value
		log.Printf("published dns-01 response for %s", domain)
	}
	return nil
}

func (c *demoCallbacks) GetCSR(ctx context.Context, identifiers []order.Identifier) ([]byte, string, error) {
	names := make([]string, len(identifiers))
	for i, id := range identifiers {
		names[i] = id.Value
	}
	der, b64, _, err := order.BuildCSR("", names)
	return der, b64, err
}

func (c *demoCallbacks) ProcessCertificate(ctx context.Context, ord *order.Order, pemChain []byte) error {
	log.Printf("issued certificate chain (%d bytes) for order %s", len(pemChain), ord.ID)
	return nil
}

func (c *demoCallbacks) AckOrder(ctx context.Context, ord *order.Order) error {
	log.Printf("order %s acknowledged", ord.ID)
	return nil
}

func (c *demoCallbacks) InvalidOrder(ctx context.Context, ord *order.Order, err error) {
	log.Printf("order %s is invalid: %v", ord.ID, err)
}

func (c *demoCallbacks) HandleFinalizationError(ctx context.Context, ord *order.Order, err error) poller.FinalizationDirective {
	log.Printf("finalization error for order %s: %v", ord.ID, err)
	return poller.DirectiveAbort
}
