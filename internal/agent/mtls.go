package agent

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

// MTLSConfig holds the agent's TLS material.
type MTLSConfig struct {
	Cert        string
	Key         string
	ClientCA    string
	RequireMTLS bool
}

func (c MTLSConfig) Enabled() bool { return c.Cert != "" && c.Key != "" }

// ServerTLSConfig builds the listener config, requiring client certificates
// signed by ClientCA when RequireMTLS is set.
func ServerTLSConfig(c MTLSConfig) (*tls.Config, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("server cert and key required for TLS")
	}
	cert, err := tls.LoadX509KeyPair(c.Cert, c.Key)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	if c.RequireMTLS {
		if c.ClientCA == "" {
			return nil, fmt.Errorf("client CA required for mTLS")
		}
		pool, err := loadPool(c.ClientCA)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		log.Info().Str("ca_cert", c.ClientCA).Msg("mTLS client authentication enabled")
	}
	return cfg, nil
}

// ClientTLSConfig builds the orchestrator side: the agents' CA plus an
// optional client certificate.
func ClientTLSConfig(caPath, certPath, keyPath string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caPath != "" {
		pool, err := loadPool(caPath)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	if certPath != "" && keyPath != "" {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func loadPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("failed to parse CA certificate %s", path)
	}
	return pool, nil
}

// MTLSMiddleware rejects requests without a verified client certificate when
// requireAuth is set, and logs the peer subject otherwise.
func MTLSMiddleware(requireAuth bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
				if requireAuth {
					http.Error(w, "client certificate required", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			peer := r.TLS.PeerCertificates[0]
			log.Debug().
				Str("subject", peer.Subject.String()).
				Str("serial", peer.SerialNumber.String()).
				Msg("mTLS client authenticated")
			next.ServeHTTP(w, r)
		})
	}
}

// ListenAndServeTLS serves the agent over TLS, with mTLS when configured.
func (s *Server) ListenAndServeTLS(addr string, c MTLSConfig) error {
	tlsConfig, err := ServerTLSConfig(c)
	if err != nil {
		return err
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           MTLSMiddleware(c.RequireMTLS)(s.Handler()),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info().Str("addr", addr).Bool("mtls_required", c.RequireMTLS).Msg("Starting agent with TLS")
	return s.srv.ListenAndServeTLS("", "")
}
