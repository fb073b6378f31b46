// acme-powerdns provides unattended domain-validated certificate issuance
// against an ACME server: it registers an account, negotiates challenges for
// the domains named in a CSR, publishes the validation records through an
// embedded challenge response server, and writes the issued certificate and
// chain to disk. With -shell it drops into an interactive session instead.
package main

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	acmeclient "github.com/adfinis-sygroup/acme-powerdns/acme/client"
	"github.com/adfinis-sygroup/acme-powerdns/acme/keys"
	"github.com/adfinis-sygroup/acme-powerdns/challtestsrv"
	acmecmd "github.com/adfinis-sygroup/acme-powerdns/cmd"
	"github.com/adfinis-sygroup/acme-powerdns/issuer"
	acmeshell "github.com/adfinis-sygroup/acme-powerdns/shell"
)

// envDefaults carries flag defaults that can be overridden through the
// environment. Command line flags take precedence over both.
type envDefaults struct {
	Directory   string        `env:"ACME_DIRECTORY" envDefault:"https://acme-staging.api.letsencrypt.org/directory"`
	CACert      string        `env:"ACME_CA_CERT"`
	Contact     string        `env:"ACME_CONTACT"`
	KeyPath     string        `env:"ACME_ACCOUNT_KEY" envDefault:"account.pem"`
	CSRPath     string        `env:"ACME_CSR" envDefault:"csr.pem"`
	CertPath    string        `env:"ACME_CERT_OUT" envDefault:"cert.pem"`
	ChainPath   string        `env:"ACME_CHAIN_OUT" envDefault:"chain.pem"`
	Type        string        `env:"ACME_CHALLENGE_TYPE" envDefault:"dns-01"`
	PollTimeout time.Duration `env:"ACME_POLL_TIMEOUT" envDefault:"5m"`
	HTTPPort    int           `env:"ACME_HTTP_PORT" envDefault:"5002"`
	TLSPort     int           `env:"ACME_TLS_PORT" envDefault:"5001"`
	DNSPort     int           `env:"ACME_DNS_PORT" envDefault:"5252"`
}

func main() {
	defaults := envDefaults{}
	acmecmd.FailOnError(env.Parse(&defaults), "Unable to parse environment")

	directory := flag.String(
		"directory",
		defaults.Directory,
		"Directory URL for ACME server")

	caCert := flag.String(
		"ca",
		defaults.CACert,
		"CA certificate(s) for verifying ACME server HTTPS")

	contact := flag.String(
		"contact",
		defaults.Contact,
		"Comma separated contact email addresses for the ACME account")

	keyPath := flag.String(
		"key",
		defaults.KeyPath,
		"PEM encoded account private key")

	newKey := flag.Bool(
		"newKey",
		false,
		"Generate the account key when the -key file does not exist")

	csrPath := flag.String(
		"csr",
		defaults.CSRPath,
		"PEM encoded certificate signing request naming the domains to issue for")

	certPath := flag.String(
		"cert",
		defaults.CertPath,
		"Path to write the issued certificate to")

	chainPath := flag.String(
		"chain",
		defaults.ChainPath,
		"Path to write the certificate chain to")

	challType := flag.String(
		"type",
		defaults.Type,
		"Challenge type to negotiate (dns-01, http-01, tls-sni-01)")

	pollTimeout := flag.Duration(
		"timeout",
		defaults.PollTimeout,
		"Bound on each validation poll loop")

	parallel := flag.Int(
		"parallel",
		1,
		"Number of domains negotiated concurrently")

	httpPort := flag.Int(
		"httpPort",
		defaults.HTTPPort,
		"HTTP-01 challenge server port")

	tlsPort := flag.Int(
		"tlsPort",
		defaults.TLSPort,
		"TLS-ALPN-01 challenge server port")

	dnsPort := flag.Int(
		"dnsPort",
		defaults.DNSPort,
		"DNS-01 challenge server port")

	dnsAddr := flag.String(
		"dnsAddr",
		"",
		"Default IPv4 address served for mock A queries by the challenge server")

	interactive := flag.Bool(
		"shell",
		false,
		"Drop into an interactive shell instead of running one-shot issuance")

	pebble := flag.Bool(
		"pebble",
		false,
		"Use Pebble defaults")

	flag.Parse()

	if *pebble {
		pebbleDirectory := "https://localhost:14000/dir"
		directory = &pebbleDirectory
		pebbleCA := os.Getenv("GOPATH") +
			"/src/github.com/letsencrypt/pebble/test/certs/pebble.minica.pem"
		caCert = &pebbleCA
	}

	var contacts []string
	if *contact != "" {
		contacts = strings.Split(*contact, ",")
	}

	clientConfig := acmeclient.ClientConfig{
		DirectoryURL: *directory,
		CACert:       *caCert,
	}

	if *interactive {
		sh, err := acmeshell.New(&acmeshell.Options{
			ClientConfig: clientConfig,
			Contact:      contacts,
			HTTPPort:     *httpPort,
			TLSPort:      *tlsPort,
			DNSPort:      *dnsPort,
			PollTimeout:  *pollTimeout,
		})
		acmecmd.FailOnError(err, "Unable to create shell")
		sh.Run()
		return
	}

	if *newKey {
		acmecmd.FailOnError(ensureKey(*keyPath), "Unable to generate account key")
	}

	csr, err := loadCSR(*csrPath)
	acmecmd.FailOnError(err, "Unable to load CSR")
	if len(csr.DNSNames) == 0 {
		acmecmd.FailOnError(
			fmt.Errorf("%q names no DNS subject alternative names", *csrPath),
			"Unable to load CSR")
	}

	challSrv, err := challtestsrv.New(challtestsrv.Config{
		HTTPPort: *httpPort,
		TLSPort:  *tlsPort,
		DNSPort:  *dnsPort,
	})
	acmecmd.FailOnError(err, "Unable to create challenge response server")
	if *dnsAddr != "" {
		challSrv.SetDefaultIPv4(*dnsAddr)
	}
	challSrv.Run()
	defer challSrv.Shutdown()
	go acmecmd.CatchSignals(challSrv.Shutdown)

	client, err := acmeclient.NewClient(clientConfig)
	acmecmd.FailOnError(err, "Unable to create ACME client")

	iss := issuer.New(client,
		issuer.WithContact(contacts...),
		issuer.WithPublisher(challSrv),
		issuer.WithPollTimeout(*pollTimeout),
		issuer.WithParallelism(*parallel),
	)

	ctx := context.Background()

	reg, err := iss.CreateAccount(ctx, *keyPath)
	acmecmd.FailOnError(err, "Unable to register account")
	log.Printf("Using account %q", reg.ID)

	tokens, err := iss.RequestTokens(ctx, csr.DNSNames, *challType)
	acmecmd.FailOnError(err, "Unable to negotiate challenges")
	for _, token := range tokens {
		log.Printf("Validation value for %q: %s", token.Domain, token.Validation)
	}

	certs, chain, err := iss.AnswerChallenges(ctx, csr)
	acmecmd.FailOnError(err, "Unable to issue certificate")

	acmecmd.FailOnError(
		writeCertificates(*certPath, certs), "Unable to write certificate")
	acmecmd.FailOnError(
		writeCertificates(*chainPath, chain), "Unable to write chain")
	log.Printf("Wrote certificate to %q and chain to %q", *certPath, *chainPath)
}

// ensureKey generates an ECDSA account key at path unless one already
// exists.
func ensureKey(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}

	signer, err := keys.NewSigner("ecdsa")
	if err != nil {
		return err
	}
	keyPEM, err := keys.SignerToPEM(signer)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(keyPEM), 0600); err != nil {
		return err
	}
	log.Printf("Generated account key %q", path)
	return nil
}

func loadCSR(path string) (*x509.CertificateRequest, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, fmt.Errorf("%q does not contain a PEM encoded certificate request", path)
	}
	return x509.ParseCertificateRequest(block.Bytes)
}

func writeCertificates(path string, certs []*x509.Certificate) error {
	var builder strings.Builder
	for _, cert := range certs {
		err := pem.Encode(&builder, &pem.Block{
			Type:  "CERTIFICATE",
			Bytes: cert.Raw,
		})
		if err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(builder.String()), 0644)
}
