// Package pairing implements the bootstrap connection descriptor codec.
//
// A descriptor travels out-of-band as a compact URI, rendered as a QR code or
// typed manually; both forms produce the same string.
package pairing

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
)

// Decode errors.
var (
	// ErrMalformedURI indicates the string is not a well-formed pairing URI.
	ErrMalformedURI = errors.New("malformed pairing URI")
	// ErrUnsupportedScheme indicates a scheme other than ws or wss.
	ErrUnsupportedScheme = errors.New("unsupported scheme")
	// ErrMissingToken indicates the key query parameter is absent or empty.
	ErrMissingToken = errors.New("missing pairing token")
)

// Descriptor is the immutable bootstrap connection descriptor. It is created
// at scan or manual-entry time and consumed once to open a connection.
type Descriptor struct {
	Scheme string
	Host   string
	Port   int
	Token  string
}

// Encode renders the descriptor as {scheme}://{host}:{port}/ws?key={token}.
func (d Descriptor) Encode() string {
	u := url.URL{
		Scheme: d.Scheme,
		Host:   net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:   "/ws",
	}
	q := url.Values{}
	q.Set("key", d.Token)
	u.RawQuery = q.Encode()
	return u.String()
}

// URL returns the dialable websocket URL for the descriptor.
func (d Descriptor) URL() string {
	return d.Encode()
}

// StatusBaseURL returns the HTTP base URL of the host's status surface,
// derived from the websocket descriptor.
func (d Descriptor) StatusBaseURL() string {
	scheme := "http"
	if d.Scheme == "wss" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(d.Host, strconv.Itoa(d.Port)))
}

// Decode parses a pairing URI into a Descriptor. Decoding is pure: it never
// returns a partially populated descriptor alongside an error.
func Decode(raw string) (Descriptor, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrMalformedURI, err)
	}

	if u.Scheme != "ws" && u.Scheme != "wss" {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}

	host := u.Hostname()
	portStr := u.Port()
	if host == "" || portStr == "" {
		return Descriptor{}, fmt.Errorf("%w: missing host or port", ErrMalformedURI)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return Descriptor{}, fmt.Errorf("%w: invalid port %q", ErrMalformedURI, portStr)
	}

	token := u.Query().Get("key")
	if token == "" {
		return Descriptor{}, ErrMissingToken
	}

	return Descriptor{
		Scheme: u.Scheme,
		Host:   host,
		Port:   port,
		Token:  token,
	}, nil
}
