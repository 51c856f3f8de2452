// Copyright 2025 James Ross
package store

import "crypto/tls"

func tlsConfig() *tls.Config {
	return &tls.Config{MinVersion: tls.VersionTLS12}
}
