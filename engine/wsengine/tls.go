// SPDX-FileCopyrightText: 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wsengine

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// tlsMaterial is the TLS state derived from the configured certificate
// chain: the CA's certificate, the peer certificate and its key, all
// expected within one PEM file. Any peer certificate signed by the CA may
// connect; hostnames are not part of the trust model.
type tlsMaterial struct {
	cert  tls.Certificate
	roots *x509.CertPool
}

// loadTLSMaterial reads the certificate chain PEM file.
func loadTLSMaterial(certChainPEM string) (*tlsMaterial, error) {
	pem, err := os.ReadFile(certChainPEM)
	if err != nil {
		return nil, fmt.Errorf("reading certificate chain failed: %w", err)
	}

	cert, err := tls.X509KeyPair(pem, pem)
	if err != nil {
		return nil, fmt.Errorf("parsing certificate chain failed: %w", err)
	}

	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("certificate chain contains no CA certificate")
	}

	return &tlsMaterial{cert: cert, roots: roots}, nil
}

// serverConfig is the listener's TLS configuration, requiring a client
// certificate signed by the CA.
func (m *tlsMaterial) serverConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{m.cert},
		ClientCAs:    m.roots,
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}
}

// clientConfig is the dialer's TLS configuration. The server certificate
// is verified against the CA only, not against the dialed hostname.
func (m *tlsMaterial) clientConfig() *tls.Config {
	roots := m.roots

	return &tls.Config{
		Certificates:       []tls.Certificate{m.cert},
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("peer presented no certificate")
			}

			intermediates := x509.NewCertPool()
			var leaf *x509.Certificate
			for i, raw := range rawCerts {
				cert, err := x509.ParseCertificate(raw)
				if err != nil {
					return fmt.Errorf("parsing peer certificate failed: %w", err)
				}
				if i == 0 {
					leaf = cert
				} else {
					intermediates.AddCert(cert)
				}
			}

			_, err := leaf.Verify(x509.VerifyOptions{
				Roots:         roots,
				Intermediates: intermediates,
			})
			return err
		},
	}
}
