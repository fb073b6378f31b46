// Package challtestsrv wraps a local challenge response server that can act
// as the validation-record publisher during development and testing. Records
// presented to it are served over DNS and HTTP so a CA pointed at the local
// resolver can validate challenges without any external infrastructure.
package challtestsrv

import (
	"fmt"
	"log"
	"os"

	lesrv "github.com/letsencrypt/challtestsrv"
)

// Config holds the listening ports for the challenge response server.
type Config struct {
	// Port the HTTP-01 challenge responses are served on.
	HTTPPort int
	// Port the TLS-ALPN-01 challenge responses are served on.
	TLSPort int
	// Port the DNS-01 challenge responses (and mock A/AAAA records) are
	// served on.
	DNSPort int
}

// Server is a running local challenge response server. It satisfies the
// issuer package's Publisher interface so it can be attached directly with
// issuer.WithPublisher.
type Server struct {
	srv *lesrv.ChallSrv
}

// New creates a challenge response server listening on the configured ports.
// The server does not serve anything until Run is called.
func New(cfg Config) (*Server, error) {
	srv, err := lesrv.New(lesrv.Config{
		HTTPOneAddrs:    []string{fmt.Sprintf(":%d", cfg.HTTPPort)},
		TLSALPNOneAddrs: []string{fmt.Sprintf(":%d", cfg.TLSPort)},
		DNSOneAddrs:     []string{fmt.Sprintf(":%d", cfg.DNSPort)},
		Log:             log.New(os.Stdout, "challRespSrv: ", log.Ldate|log.Ltime),
	})
	if err != nil {
		return nil, err
	}

	return &Server{srv: srv}, nil
}

// Run starts the server's listeners in the background.
func (s *Server) Run() {
	go s.srv.Run()
}

// Shutdown cleanly stops the server's listeners.
func (s *Server) Shutdown() {
	s.srv.Shutdown()
}

// SetDefaultIPv4 sets the default IPv4 address returned for mock A queries.
// Point this at the address the CA reaches this host on.
func (s *Server) SetDefaultIPv4(addr string) {
	s.srv.SetDefaultDNSIPv4(addr)
}

// SetDefaultIPv6 sets the default IPv6 address returned for mock AAAA
// queries.
func (s *Server) SetDefaultIPv6(addr string) {
	s.srv.SetDefaultDNSIPv6(addr)
}

// Present publishes validation records for the given domain. The record for
// every serveable challenge type is added since the server does not know
// which type the CA will query; the CA finds whichever one it asks for.
func (s *Server) Present(domain, token, keyAuth string) error {
	s.srv.AddDNSOneChallenge(dns01Host(domain), keyAuth)
	s.srv.AddHTTPOneChallenge(token, keyAuth)
	return nil
}

// CleanUp removes the validation records added by Present.
func (s *Server) CleanUp(domain, token, keyAuth string) error {
	s.srv.DeleteDNSOneChallenge(dns01Host(domain))
	s.srv.DeleteHTTPOneChallenge(token)
	return nil
}

// dns01Host returns the DNS name a domain's dns-01 TXT record is served
// under.
func dns01Host(domain string) string {
	return fmt.Sprintf("_acme-challenge.%s.", domain)
}
