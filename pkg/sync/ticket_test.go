package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTicket_EncodeDecodeRoundTrip(t *testing.T) {
	ticket := Ticket{
		DB: "abc123",
		Addrs: []TransportAddr{
			{Transport: "http", Addr: "http://peer.example:4690"},
			{Transport: "quic", Addr: "198.51.100.7:9000"},
		},
	}

	encoded := ticket.Encode()
	assert.Contains(t, encoded, "eidetica:?db=abc123")

	decoded, err := ParseTicket(encoded)
	require.NoError(t, err)
	assert.Equal(t, ticket.DB, decoded.DB)
	require.Len(t, decoded.Addrs, 2)
	// Colons pass through unencoded.
	assert.Equal(t, "http://peer.example:4690", decoded.Addrs[0].Addr)
	assert.Equal(t, "quic", decoded.Addrs[1].Transport)
}

func TestTicket_EscapesOnlyStructuralCharacters(t *testing.T) {
	ticket := Ticket{
		DB:    "id",
		Addrs: []TransportAddr{{Transport: "http", Addr: "http://h/p?a=b&c=d+e%f"}},
	}
	encoded := ticket.Encode()

	decoded, err := ParseTicket(encoded)
	require.NoError(t, err)
	require.Len(t, decoded.Addrs, 1)
	assert.Equal(t, "http://h/p?a=b&c=d+e%f", decoded.Addrs[0].Addr)
}

func TestParseTicket_IgnoresUnknownParamsAndMalformedPR(t *testing.T) {
	decoded, err := ParseTicket("eidetica:?db=abc&future=1&pr=broken&pr=http:http://ok:80")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(decoded.DB))
	require.Len(t, decoded.Addrs, 1)
	assert.Equal(t, "http", decoded.Addrs[0].Transport)
}

func TestParseTicket_RejectsMissingDB(t *testing.T) {
	_, err := ParseTicket("eidetica:?pr=http:http://h:80")
	require.Error(t, err)

	_, err = ParseTicket("https://not-a-ticket")
	require.Error(t, err)
}
