// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package rtc

import (
	"sync"

	"github.com/pion/logging"
)

var (
	loggerFactoryMu sync.RWMutex
	loggerFactory   logging.LoggerFactory = logging.NewDefaultLoggerFactory()
)

// SetLoggerFactory installs the process-wide logger factory used when a
// Configuration does not provide one.
func SetLoggerFactory(f logging.LoggerFactory) {
	loggerFactoryMu.Lock()
	defer loggerFactoryMu.Unlock()
	if f != nil {
		loggerFactory = f
	}
}

func defaultLoggerFactory() logging.LoggerFactory {
	loggerFactoryMu.RLock()
	defer loggerFactoryMu.RUnlock()
	return loggerFactory
}

var (
	preloadMu   sync.Mutex
	preloadDone bool
)

// Preload warms up process-wide resources ahead of the first connection,
// currently the default DTLS certificate. Idempotent.
func Preload() {
	preloadMu.Lock()
	defer preloadMu.Unlock()
	if preloadDone {
		return
	}
	preloadDone = true
	_, _ = MakeCertificate(defaultCertificateCommonName)
}

// Cleanup drops process-wide caches. Connections in flight are unaffected.
func Cleanup() {
	preloadMu.Lock()
	defer preloadMu.Unlock()
	clearCertificateCache()
	preloadDone = false
}
