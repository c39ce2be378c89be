package endpoint

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// cloudIDPort is the port managed clusters listen on. Cloud identifiers do
// not carry a port at all.
const cloudIDPort = 443

// DecodeCloudID turns an opaque cloud identifier into the endpoint of the
// managed search cluster it names. The identifier is an optional
// human-readable label, a colon, and a base64 payload of the form
// "domain$cluster-id[$console-id]"; the cluster host is the cluster id
// prefixed onto the domain, always reached over HTTPS on port 443.
//
// Decoding is deterministic: the same identifier always yields the same
// endpoint.
func DecodeCloudID(id string) (Endpoint, error) {
	payload := id
	if i := strings.LastIndex(id, ":"); i >= 0 {
		payload = id[i+1:]
	}
	if payload == "" {
		return Endpoint{}, fmt.Errorf("%w: empty cloud id", ErrConfiguration)
	}

	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: cloud id is not valid base64: %v", ErrConfiguration, err)
	}

	parts := strings.Split(string(decoded), "$")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Endpoint{}, fmt.Errorf("%w: cloud id payload %q lacks domain or cluster id", ErrConfiguration, string(decoded))
	}

	return Endpoint{
		Host:   parts[1] + "." + parts[0],
		Port:   cloudIDPort,
		Scheme: SchemeHTTPS,
	}, nil
}
