package endpoint

import (
	"fmt"

	"github.com/crawlspace/testenv/internal/logging"
)

// DefaultPort is the conventional cluster port used when an explicit host
// is configured without one, and for the local probe when nothing is
// configured at all.
const DefaultPort = 9200

// Config is the subset of run configuration the resolver consumes.
type Config struct {
	CloudID  string
	Host     string
	Port     int
	Scheme   string
	Username string
	Password string
}

// Resolution is the resolver's verdict. When Determined is false neither a
// cloud id nor an explicit host was configured and the provisioner decides
// between a local cluster and an ephemeral container; Endpoint then holds
// the scheme and credentials the probe should use.
type Resolution struct {
	Endpoint   Endpoint
	Determined bool
}

// Resolve turns configuration into a connection target. Precedence, highest
// first: a cloud identifier (explicit host/port/scheme are ignored), then an
// explicit host (port and scheme defaulted), then undetermined.
func Resolve(cfg Config) (Resolution, error) {
	if cfg.CloudID != "" {
		ep, err := DecodeCloudID(cfg.CloudID)
		if err != nil {
			return Resolution{}, fmt.Errorf("decoding cloud id: %w", err)
		}
		ep.Username = cfg.Username
		ep.Password = cfg.Password
		logging.Debug("resolved cluster endpoint from cloud id", "endpoint", ep.String())
		return Resolution{Endpoint: ep, Determined: true}, nil
	}

	scheme, err := ParseScheme(cfg.Scheme)
	if err != nil {
		return Resolution{}, err
	}
	port := cfg.Port
	if port == 0 {
		port = DefaultPort
	}

	ep := Endpoint{
		Host:     cfg.Host,
		Port:     port,
		Scheme:   scheme,
		Username: cfg.Username,
		Password: cfg.Password,
	}

	if cfg.Host == "" {
		return Resolution{Endpoint: ep, Determined: false}, nil
	}

	if err := ep.Validate(); err != nil {
		return Resolution{}, err
	}
	logging.Debug("resolved cluster endpoint from explicit host", "endpoint", ep.String())
	return Resolution{Endpoint: ep, Determined: true}, nil
}
