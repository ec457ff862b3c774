package sync

import (
	"strings"

	"github.com/arcuru/eidetica/pkg/eerr"
	"github.com/arcuru/eidetica/pkg/entry"
)

// TransportAddr is one way to reach a database's host: a transport name
// plus that transport's native address.
type TransportAddr struct {
	Transport string
	Addr      string
}

// Ticket is the compact shareable database URI:
//
//	eidetica:?db=<identifier>&pr=<transport>:<address>[&pr=...]
type Ticket struct {
	DB    entry.ID
	Addrs []TransportAddr
}

const ticketScheme = "eidetica:"

// ticketEscape percent-encodes only the characters that would break the
// query structure: & = # + %. Colons pass through so transport-native
// addresses stay readable.
func ticketEscape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '&', '=', '#', '+', '%':
			b.WriteByte('%')
			b.WriteByte(hexDigit(c >> 4))
			b.WriteByte(hexDigit(c & 0xf))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func hexDigit(n byte) byte {
	if n < 10 {
		return '0' + n
	}
	return 'A' + n - 10
}

func ticketUnescape(s string) (string, bool) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", false
		}
		hi, ok1 := fromHex(s[i+1])
		lo, ok2 := fromHex(s[i+2])
		if !ok1 || !ok2 {
			return "", false
		}
		b.WriteByte(hi<<4 | lo)
		i += 2
	}
	return b.String(), true
}

func fromHex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// Encode renders the ticket URI.
func (t Ticket) Encode() string {
	var b strings.Builder
	b.WriteString(ticketScheme)
	b.WriteString("?db=")
	b.WriteString(ticketEscape(string(t.DB)))
	for _, a := range t.Addrs {
		b.WriteString("&pr=")
		b.WriteString(ticketEscape(a.Transport + ":" + a.Addr))
	}
	return b.String()
}

// ParseTicket decodes a ticket URI. Unknown query parameters are
// ignored; malformed pr values are skipped.
func ParseTicket(uri string) (Ticket, error) {
	if !strings.HasPrefix(uri, ticketScheme) {
		return Ticket{}, eerr.New(eerr.KindSerializationFailed, "not an eidetica ticket")
	}
	rest := strings.TrimPrefix(uri, ticketScheme)
	rest = strings.TrimPrefix(rest, "?")

	var t Ticket
	for _, param := range strings.Split(rest, "&") {
		if param == "" {
			continue
		}
		key, value, found := strings.Cut(param, "=")
		if !found {
			continue
		}
		decoded, ok := ticketUnescape(value)
		if !ok {
			continue
		}

		switch key {
		case "db":
			t.DB = entry.ID(decoded)
		case "pr":
			transportName, addr, found := strings.Cut(decoded, ":")
			if !found || transportName == "" || addr == "" {
				continue
			}
			t.Addrs = append(t.Addrs, TransportAddr{Transport: transportName, Addr: addr})
		}
	}

	if t.DB == "" {
		return Ticket{}, eerr.New(eerr.KindSerializationFailed, "ticket missing db parameter")
	}
	return t, nil
}
