// Package transport abstracts the wire carrying sync protocol frames
// between peers. Each transport declares a name, recognizes its own
// addresses, and exposes server lifecycle plus a request/response send.
package transport

import (
	"context"
	"encoding/json"

	"github.com/arcuru/eidetica/pkg/eerr"
)

// Frame is one framed JSON protocol message: a type tag plus the raw
// body the sync layer decodes into its request/response shapes.
type Frame struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body,omitempty"`
}

// NewFrame marshals body into a Frame of the given type.
func NewFrame(typ string, body any) (Frame, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return Frame{}, eerr.Wrap(eerr.KindSerializationFailed, "marshal frame body", err)
	}
	return Frame{Type: typ, Body: b}, nil
}

// Decode unmarshals the frame body into v.
func (f Frame) Decode(v any) error {
	if err := json.Unmarshal(f.Body, v); err != nil {
		return eerr.Wrap(eerr.KindSerializationFailed, "decode frame body "+f.Type, err)
	}
	return nil
}

// Handler processes one inbound request frame and produces the response
// frame. A handler error becomes a transport-level failure; protocol
// failures (rejections, pending states) are ordinary response frames.
type Handler func(ctx context.Context, remoteAddr string, req Frame) (Frame, error)

// Transport carries frames to and from peers over one wire protocol.
type Transport interface {
	// Name identifies the transport ("http", "quic", ...).
	Name() string

	// Owns reports whether addr belongs to this transport.
	Owns(addr string) bool

	// StartServer begins accepting requests on addr, dispatching each to
	// handler. Returns once the listener is up; serving continues until
	// StopServer or ctx cancellation.
	StartServer(ctx context.Context, addr string, handler Handler) error

	// StopServer shuts the listener down, finishing in-flight requests.
	StopServer() error

	// Send delivers req to the peer at addr and waits for its response.
	Send(ctx context.Context, addr string, req Frame) (Frame, error)
}

// Registry routes addresses to the transport that owns them.
type Registry struct {
	transports []Transport
}

// NewRegistry creates a registry over the given transports.
func NewRegistry(transports ...Transport) *Registry {
	return &Registry{transports: transports}
}

// Add registers another transport.
func (r *Registry) Add(t Transport) {
	r.transports = append(r.transports, t)
}

// For returns the transport owning addr.
func (r *Registry) For(addr string) (Transport, error) {
	for _, t := range r.transports {
		if t.Owns(addr) {
			return t, nil
		}
	}
	return nil, eerr.New(eerr.KindNoTransportEnabled, "no transport owns address "+addr)
}

// ByName returns the transport with the given name.
func (r *Registry) ByName(name string) (Transport, error) {
	for _, t := range r.transports {
		if t.Name() == name {
			return t, nil
		}
	}
	return nil, eerr.New(eerr.KindNoTransportEnabled, "no transport named "+name)
}

// All returns every registered transport.
func (r *Registry) All() []Transport {
	return r.transports
}
