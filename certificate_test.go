// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package rtc

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCertificateFingerprintFormat(t *testing.T) {
	cert, err := MakeCertificate("fingerprint-format")
	assert.NoError(t, err)

	// SHA-256 digest: 32 uppercase hex bytes separated by colons.
	assert.Regexp(t, regexp.MustCompile(`^([0-9A-F]{2}:){31}[0-9A-F]{2}$`), cert.Fingerprint())
}

func TestCertificateCache(t *testing.T) {
	a, err := MakeCertificate("cache-test")
	assert.NoError(t, err)
	b, err := MakeCertificate("cache-test")
	assert.NoError(t, err)
	assert.Same(t, a, b)

	c, err := MakeCertificate("cache-test-other")
	assert.NoError(t, err)
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}

func TestCertificateValidityWindow(t *testing.T) {
	cert, err := MakeCertificate("validity-window")
	assert.NoError(t, err)

	now := time.Now()
	assert.True(t, cert.x509Cert.NotBefore.Before(now))
	assert.True(t, cert.Expires().After(now.AddDate(0, 11, 0)))
	assert.Equal(t, "validity-window", cert.x509Cert.Subject.CommonName)
}
