package pairing

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	descriptors := []Descriptor{
		{Scheme: "ws", Host: "192.168.1.50", Port: 8090, Token: "abc123"},
		{Scheme: "wss", Host: "relay.example.com", Port: 443, Token: "t-0k_en=="},
		{Scheme: "ws", Host: "10.0.0.1", Port: 1, Token: "k"},
		{Scheme: "ws", Host: "fd00::1", Port: 65535, Token: "v6token"},
	}

	for _, d := range descriptors {
		got, err := Decode(d.Encode())
		require.NoError(t, err, "uri: %s", d.Encode())
		require.Equal(t, d, got)
	}
}

func TestEncodeShape(t *testing.T) {
	d := Descriptor{Scheme: "ws", Host: "192.168.1.50", Port: 8090, Token: "abc123"}
	require.Equal(t, "ws://192.168.1.50:8090/ws?key=abc123", d.Encode())
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		uri  string
		want error
	}{
		{name: "not a URI", uri: "://nope", want: ErrMalformedURI},
		{name: "http scheme", uri: "http://192.168.1.50:8090/ws?key=abc", want: ErrUnsupportedScheme},
		{name: "ftp scheme", uri: "ftp://host:21/ws?key=abc", want: ErrUnsupportedScheme},
		{name: "missing key", uri: "ws://192.168.1.50:8090/ws", want: ErrMissingToken},
		{name: "empty key", uri: "ws://192.168.1.50:8090/ws?key=", want: ErrMissingToken},
		{name: "missing port", uri: "ws://192.168.1.50/ws?key=abc", want: ErrMalformedURI},
		{name: "port out of range", uri: "ws://192.168.1.50:70000/ws?key=abc", want: ErrMalformedURI},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decode(tc.uri)
			require.ErrorIs(t, err, tc.want)
			require.Equal(t, Descriptor{}, got, "failed decode must not leak a partial descriptor")
		})
	}
}

func TestStatusBaseURL(t *testing.T) {
	d := Descriptor{Scheme: "ws", Host: "192.168.1.50", Port: 8090, Token: "abc"}
	require.Equal(t, "http://192.168.1.50:8090", d.StatusBaseURL())

	d.Scheme = "wss"
	require.Equal(t, "https://192.168.1.50:8090", d.StatusBaseURL())
}

func TestTerminalQR(t *testing.T) {
	out, err := TerminalQR("ws://192.168.1.50:8090/ws?key=abc123")
	require.NoError(t, err)
	require.NotEmpty(t, out)
	require.Contains(t, out, "██")
}
