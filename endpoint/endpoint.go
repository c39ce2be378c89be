// Package endpoint resolves test configuration into a concrete cluster
// connection target. Resolution is pure: the same configuration always
// yields the same result, and no network access happens here.
package endpoint

import (
	"errors"
	"fmt"
	"strings"
)

// ErrConfiguration marks fatal configuration problems, such as a malformed
// cloud identifier or an out-of-range port. Suites abort before running any
// test when they see it.
var ErrConfiguration = errors.New("invalid configuration")

// Scheme is the connection scheme used to reach a cluster.
type Scheme string

const (
	SchemeHTTP  Scheme = "http"
	SchemeHTTPS Scheme = "https"
)

// ParseScheme normalizes a configured scheme string. The empty string maps
// to HTTP, matching the historical default of the suite.
func ParseScheme(s string) (Scheme, error) {
	switch strings.ToLower(s) {
	case "", "http":
		return SchemeHTTP, nil
	case "https":
		return SchemeHTTPS, nil
	default:
		return "", fmt.Errorf("%w: unknown scheme %q", ErrConfiguration, s)
	}
}

// Endpoint is a resolved network address plus the credentials needed to
// reach a cluster.
type Endpoint struct {
	Host     string
	Port     int
	Scheme   Scheme
	Username string
	Password string
}

// Validate checks the invariants every endpoint must hold before a
// connection attempt is made.
func (e Endpoint) Validate() error {
	if e.Host == "" {
		return fmt.Errorf("%w: endpoint host is empty", ErrConfiguration)
	}
	if e.Port <= 0 || e.Port > 65535 {
		return fmt.Errorf("%w: endpoint port %d out of range", ErrConfiguration, e.Port)
	}
	if e.Scheme != SchemeHTTP && e.Scheme != SchemeHTTPS {
		return fmt.Errorf("%w: endpoint scheme %q", ErrConfiguration, e.Scheme)
	}
	return nil
}

// URL renders the endpoint as a base URL without credentials.
func (e Endpoint) URL() string {
	return fmt.Sprintf("%s://%s:%d", e.Scheme, e.Host, e.Port)
}

func (e Endpoint) String() string {
	if e.Username != "" {
		return fmt.Sprintf("%s://%s@%s:%d", e.Scheme, e.Username, e.Host, e.Port)
	}
	return e.URL()
}
