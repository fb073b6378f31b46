// Package shell provides an interactive operator shell around the issuance
// state machine. It embeds a local challenge response server so the
// out-of-band publication step can be performed without external
// infrastructure, which makes it useful for exercising a CA end to end
// before wiring real record publication.
package shell

import (
	"fmt"
	"time"

	"github.com/abiosoft/ishell"
	"github.com/abiosoft/readline"

	acmeclient "github.com/adfinis-sygroup/acme-powerdns/acme/client"
	"github.com/adfinis-sygroup/acme-powerdns/challtestsrv"
	"github.com/adfinis-sygroup/acme-powerdns/issuer"
)

const (
	// The base prompt used for shell commands.
	BasePrompt = "[ ACME ] > "
	// The ishell context key that the issuer instance is stored under.
	issuerKey = "issuer"
)

// Options configures a Shell. It carries the ACME client configuration plus
// the listening ports of the embedded challenge response server.
type Options struct {
	acmeclient.ClientConfig
	// Contact email addresses used when registering an account.
	Contact []string
	// Port number the CA validates HTTP-01 challenges over.
	HTTPPort int
	// Port number the CA validates TLS-ALPN-01 challenges over.
	TLSPort int
	// Port number the CA validates DNS-01 challenges over.
	DNSPort int
	// Bound on every validation poll loop. Zero keeps the default.
	PollTimeout time.Duration
}

// Shell is an ishell.Shell wired to an issuer.Issuer and an embedded
// challenge response server. The server is started by Run and shut down when
// the interactive session ends.
type Shell struct {
	*ishell.Shell
	challSrv *challtestsrv.Server
}

// New creates a Shell from the given Options. The embedded challenge
// response server is attached to the issuer as its validation-record
// publisher, so answered challenges are served automatically.
func New(opts *Options) (*Shell, error) {
	sh := ishell.NewWithConfig(&readline.Config{
		Prompt: BasePrompt,
	})

	challSrv, err := challtestsrv.New(challtestsrv.Config{
		HTTPPort: opts.HTTPPort,
		TLSPort:  opts.TLSPort,
		DNSPort:  opts.DNSPort,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create challenge response server: %s", err)
	}

	client, err := acmeclient.NewClient(opts.ClientConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create ACME client: %s", err)
	}

	issuerOpts := []issuer.Option{
		issuer.WithPublisher(challSrv),
	}
	if len(opts.Contact) > 0 {
		issuerOpts = append(issuerOpts, issuer.WithContact(opts.Contact...))
	}
	if opts.PollTimeout > 0 {
		issuerOpts = append(issuerOpts, issuer.WithPollTimeout(opts.PollTimeout))
	}

	// Stash the issuer in the shell for commands to access.
	sh.Set(issuerKey, issuer.New(client, issuerOpts...))

	addCommands(sh)

	return &Shell{
		Shell:    sh,
		challSrv: challSrv,
	}, nil
}

// Run starts the Shell, dropping into an interactive session that blocks on
// user input until it is time to exit. The embedded challenge response
// server is started before the session and shut down after it ends.
func (s *Shell) Run() {
	s.challSrv.Run()

	s.Println("Welcome to the ACME issuance shell")
	s.Shell.Run()
	s.Println("Goodbye!")

	s.challSrv.Shutdown()
}

// getIssuer reads the *issuer.Issuer from an ishell context or panics. The
// issuer is stored at shell construction so a missing value is a programming
// error.
func getIssuer(c *ishell.Context) *issuer.Issuer {
	raw := c.Get(issuerKey)
	if raw == nil {
		panic(fmt.Sprintf("nil %q value in shell context", issuerKey))
	}

	iss, ok := raw.(*issuer.Issuer)
	if !ok {
		panic(fmt.Sprintf("%q value in shell context was not an *issuer.Issuer", issuerKey))
	}
	return iss
}
