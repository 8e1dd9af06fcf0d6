// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package rtc

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/pion/dtls/v3/pkg/crypto/fingerprint"
)

// Certificate is a self-signed X.509 certificate with its private key, used
// to authenticate the DTLS handshake.
type Certificate struct {
	privateKey  crypto.PrivateKey
	x509Cert    *x509.Certificate
	fingerprint string
}

var certificateCache sync.Map // common name -> *Certificate

// MakeCertificate returns the process-wide certificate for commonName,
// generating and caching one on first use.
func MakeCertificate(commonName string) (*Certificate, error) {
	if cached, ok := certificateCache.Load(commonName); ok {
		cert := cached.(*Certificate)
		if time.Now().Before(cert.Expires()) {
			return cert, nil
		}
		certificateCache.Delete(commonName)
	}

	sk, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	cert, err := NewCertificate(sk, commonName)
	if err != nil {
		return nil, err
	}

	certificateCache.Store(commonName, cert)
	return cert, nil
}

// NewCertificate issues a fresh self-signed certificate for the given key.
// ECDSA and RSA keys are accepted.
func NewCertificate(key crypto.PrivateKey, commonName string) (*Certificate, error) {
	// Max random value, a 130-bits integer, i.e 2^130 - 1
	maxBigInt := new(big.Int)
	maxBigInt.Exp(big.NewInt(2), big.NewInt(130), nil).Sub(maxBigInt, big.NewInt(1))
	serialNumber, err := rand.Int(rand.Reader, maxBigInt)
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	tpl := x509.Certificate{
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageClientAuth,
			x509.ExtKeyUsageServerAuth,
		},
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(1, 0, 0),
		SerialNumber:          serialNumber,
		Version:               2,
		Subject:               pkix.Name{CommonName: commonName},
		IsCA:                  true,
	}

	var certDER []byte
	switch sk := key.(type) {
	case *rsa.PrivateKey:
		tpl.SignatureAlgorithm = x509.SHA256WithRSA
		certDER, err = x509.CreateCertificate(rand.Reader, &tpl, &tpl, sk.Public(), sk)
	case *ecdsa.PrivateKey:
		tpl.SignatureAlgorithm = x509.ECDSAWithSHA256
		certDER, err = x509.CreateCertificate(rand.Reader, &tpl, &tpl, sk.Public(), sk)
	default:
		return nil, &InvalidError{Err: ErrPrivateKeyType}
	}
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	x509Cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	fp, err := fingerprint.Fingerprint(x509Cert, crypto.SHA256)
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	return &Certificate{
		privateKey:  key,
		x509Cert:    x509Cert,
		fingerprint: strings.ToUpper(fp),
	}, nil
}

// Fingerprint is the SHA-256 digest of the DER certificate, uppercase hex
// with ":" separators.
func (c *Certificate) Fingerprint() string {
	return c.fingerprint
}

// Expires returns the timestamp after which this certificate is no longer
// valid.
func (c *Certificate) Expires() time.Time {
	if c.x509Cert == nil {
		return time.Time{}
	}
	return c.x509Cert.NotAfter
}

// tlsCertificate exposes the credentials in the form the DTLS library
// accepts.
func (c *Certificate) tlsCertificate() tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{c.x509Cert.Raw},
		PrivateKey:  c.privateKey,
	}
}

// clearCertificateCache drops all cached certificates. Used by Cleanup.
func clearCertificateCache() {
	certificateCache.Range(func(key, _ any) bool {
		certificateCache.Delete(key)
		return true
	})
}
