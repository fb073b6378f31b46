package shell

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/abiosoft/ishell"
)

func addCommands(sh *ishell.Shell) {
	sh.AddCmd(&ishell.Cmd{
		Name: "account",
		Help: "Load an account key and register it with the CA",
		Func: accountHandler,
	})
	sh.AddCmd(&ishell.Cmd{
		Name: "tokens",
		Help: "Negotiate challenges for one or more domains and print their validation values",
		Func: tokensHandler,
	})
	sh.AddCmd(&ishell.Cmd{
		Name: "status",
		Help: "Print the current status of every negotiated authorization",
		Func: statusHandler,
	})
	sh.AddCmd(&ishell.Cmd{
		Name: "issue",
		Help: "Answer the negotiated challenges, finalize a CSR and retrieve the certificate",
		Func: issueHandler,
	})
}

// parseFlags parses the context args against the given FlagSet, printing
// a message on parse errors. It returns the leftover args and whether the
// handler should proceed.
func parseFlags(c *ishell.Context, flags *flag.FlagSet) ([]string, bool) {
	err := flags.Parse(c.Args)
	if err == flag.ErrHelp {
		// The -h help text was already printed.
		return nil, false
	}
	if err != nil {
		c.Printf("%s: error parsing input flags: %v\n", flags.Name(), err)
		return nil, false
	}
	return flags.Args(), true
}

func accountHandler(c *ishell.Context) {
	var keyPath string
	flags := flag.NewFlagSet("account", flag.ContinueOnError)
	flags.StringVar(&keyPath, "key", "", "Path to a PEM encoded account private key")

	if _, ok := parseFlags(c, flags); !ok {
		return
	}
	if keyPath == "" {
		c.Printf("account: you must provide a -key argument\n")
		return
	}

	iss := getIssuer(c)
	reg, err := iss.CreateAccount(context.Background(), keyPath)
	if err != nil {
		c.Printf("account: %v\n", err)
		return
	}

	regJSON, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		c.Printf("account: error marshaling registration: %v\n", err)
		return
	}
	c.Printf("Registered account %q\n%s\n", reg.ID, regJSON)
}

func tokensHandler(c *ishell.Context) {
	var challType string
	flags := flag.NewFlagSet("tokens", flag.ContinueOnError)
	flags.StringVar(&challType, "type", "dns-01", "Challenge type to negotiate")

	domains, ok := parseFlags(c, flags)
	if !ok {
		return
	}
	if len(domains) == 0 {
		c.Printf("tokens: you must provide one or more domains\n")
		return
	}

	iss := getIssuer(c)
	tokens, err := iss.RequestTokens(context.Background(), domains, challType)
	if err != nil {
		c.Printf("tokens: %v\n", err)
		return
	}

	c.Printf("Validation values (published automatically by the embedded challenge server):\n")
	for _, token := range tokens {
		c.Printf("  %s\t%s\n", token.Domain, token.Validation)
	}
}

func statusHandler(c *ishell.Context) {
	iss := getIssuer(c)
	statuses, err := iss.AuthorizationStatuses(context.Background())
	if err != nil {
		c.Printf("status: %v\n", err)
		return
	}
	if len(statuses) == 0 {
		c.Printf("status: no negotiated authorizations, run tokens first\n")
		return
	}

	for _, domain := range iss.Domains() {
		c.Printf("  %s\t%s\n", domain, statuses[domain])
	}
}

func issueHandler(c *ishell.Context) {
	var csrPath, certPath, chainPath string
	flags := flag.NewFlagSet("issue", flag.ContinueOnError)
	flags.StringVar(&csrPath, "csr", "", "Path to a PEM encoded certificate signing request")
	flags.StringVar(&certPath, "cert", "", "Path to write the issued certificate to (printed when empty)")
	flags.StringVar(&chainPath, "chain", "", "Path to write the certificate chain to (printed when empty)")

	if _, ok := parseFlags(c, flags); !ok {
		return
	}
	if csrPath == "" {
		c.Printf("issue: you must provide a -csr argument\n")
		return
	}

	csr, err := loadCSR(csrPath)
	if err != nil {
		c.Printf("issue: %v\n", err)
		return
	}

	iss := getIssuer(c)
	certs, chain, err := iss.AnswerChallenges(context.Background(), csr)
	if err != nil {
		c.Printf("issue: %v\n", err)
		return
	}

	if err := writeCertificates(c, "certificate", certPath, certs); err != nil {
		c.Printf("issue: %v\n", err)
		return
	}
	if err := writeCertificates(c, "chain", chainPath, chain); err != nil {
		c.Printf("issue: %v\n", err)
		return
	}
}

// loadCSR reads and parses a PEM encoded certificate signing request.
func loadCSR(path string) (*x509.CertificateRequest, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading CSR %q: %s", path, err)
	}

	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, fmt.Errorf("%q does not contain a PEM encoded certificate request", path)
	}

	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing CSR %q: %s", path, err)
	}
	return csr, nil
}

// writeCertificates writes the given certificates as PEM to path, or prints
// them when path is empty.
func writeCertificates(c *ishell.Context, what, path string, certs []*x509.Certificate) error {
	var builder strings.Builder
	for _, cert := range certs {
		err := pem.Encode(&builder, &pem.Block{
			Type:  "CERTIFICATE",
			Bytes: cert.Raw,
		})
		if err != nil {
			return fmt.Errorf("encoding %s: %s", what, err)
		}
	}

	if path == "" {
		c.Printf("%s:\n%s", what, builder.String())
		return nil
	}

	if err := os.WriteFile(path, []byte(builder.String()), 0644); err != nil {
		return fmt.Errorf("writing %s to %q: %s", what, path, err)
	}
	c.Printf("Wrote %s to %q\n", what, path)
	return nil
}
