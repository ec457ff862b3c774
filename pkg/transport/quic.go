package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"encoding/json"
	"io"
	"math/big"
	"strings"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/arcuru/eidetica/pkg/eerr"
	"github.com/arcuru/eidetica/pkg/log"
)

const (
	quicALPN = "eidetica/0"

	// maxFrameSize bounds a single length-prefixed frame. The sync layer
	// sends a bootstrap bundle as one frame, so a database whose full
	// bundle exceeds this bound cannot be bootstrapped over QUIC.
	maxFrameSize = 64 << 20
)

// NodeIdentity is the server's reachable identity as serialized into
// tickets and handshakes: a node id plus its direct addresses.
type NodeIdentity struct {
	NodeID    string   `json:"node_id"`
	Addresses []string `json:"addresses"`
}

// QUICTransport carries length-prefixed JSON frames over a bidirectional
// QUIC stream, the NAT-traversing peer-to-peer transport. Peer identity
// is established by the sync layer's signed handshake, not by TLS
// certificate verification, so both ends use ephemeral self-signed
// certificates.
type QUICTransport struct {
	nodeID         string
	requestTimeout time.Duration
	listener       *quic.Listener
	cancelServe    context.CancelFunc
}

// NewQUICTransport creates a QUIC transport identified by nodeID.
func NewQUICTransport(nodeID string, requestTimeout time.Duration) *QUICTransport {
	if requestTimeout == 0 {
		requestTimeout = 30 * time.Second
	}
	return &QUICTransport{nodeID: nodeID, requestTimeout: requestTimeout}
}

// Name implements Transport.
func (t *QUICTransport) Name() string { return "quic" }

// Owns implements Transport.
func (t *QUICTransport) Owns(addr string) bool {
	return strings.HasPrefix(addr, "quic://")
}

// Identity returns the server's reachable identity for tickets and peer
// records.
func (t *QUICTransport) Identity() NodeIdentity {
	ident := NodeIdentity{NodeID: t.nodeID}
	if t.listener != nil {
		ident.Addresses = []string{"quic://" + t.listener.Addr().String()}
	}
	return ident
}

// StartServer begins accepting QUIC connections on addr (host:port or
// quic://host:port).
func (t *QUICTransport) StartServer(ctx context.Context, addr string, handler Handler) error {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return err
	}

	ln, err := quic.ListenAddr(strings.TrimPrefix(addr, "quic://"), tlsConf, &quic.Config{
		MaxIdleTimeout:  2 * time.Minute,
		KeepAlivePeriod: 30 * time.Second,
	})
	if err != nil {
		return eerr.Wrap(eerr.KindTransportSendFailed, "quic listen "+addr, err)
	}
	t.listener = ln

	serveCtx, cancel := context.WithCancel(ctx)
	t.cancelServe = cancel

	go t.acceptLoop(serveCtx, ln, handler)

	listenLogger := log.WithComponent("transport.quic")
	listenLogger.Info().Str("addr", ln.Addr().String()).Msg("listening")
	return nil
}

func (t *QUICTransport) acceptLoop(ctx context.Context, ln *quic.Listener, handler Handler) {
	logger := log.WithComponent("transport.quic")
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Msg("accept failed")
			return
		}
		go t.serveConn(ctx, conn, handler)
	}
}

func (t *QUICTransport) serveConn(ctx context.Context, conn quic.Connection, handler Handler) {
	logger := log.WithComponent("transport.quic")
	remote := "quic://" + conn.RemoteAddr().String()

	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}

		go func() {
			defer stream.Close()

			req, err := readFrame(stream)
			if err != nil {
				logger.Warn().Err(err).Str("peer", remote).Msg("read frame failed")
				return
			}

			resp, err := handler(ctx, remote, req)
			if err != nil {
				logger.Error().Err(err).Str("frame", req.Type).Str("peer", remote).Msg("handler failed")
				return
			}

			if err := writeFrame(stream, resp); err != nil {
				logger.Warn().Err(err).Str("peer", remote).Msg("write frame failed")
			}
		}()
	}
}

// StopServer implements Transport.
func (t *QUICTransport) StopServer() error {
	if t.cancelServe != nil {
		t.cancelServe()
		t.cancelServe = nil
	}
	if t.listener == nil {
		return nil
	}
	err := t.listener.Close()
	t.listener = nil
	return err
}

// Send implements Transport: opens a stream to addr, writes one frame,
// and reads one response frame.
func (t *QUICTransport) Send(ctx context.Context, addr string, req Frame) (Frame, error) {
	ctx, cancel := context.WithTimeout(ctx, t.requestTimeout)
	defer cancel()

	conn, err := quic.DialAddr(ctx, strings.TrimPrefix(addr, "quic://"), clientTLSConfig(), &quic.Config{})
	if err != nil {
		return Frame{}, eerr.Wrap(eerr.KindTransportSendFailed, "quic dial "+addr, err)
	}
	defer conn.CloseWithError(0, "")

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return Frame{}, eerr.Wrap(eerr.KindTransportSendFailed, "quic open stream", err)
	}
	defer stream.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}

	if err := writeFrame(stream, req); err != nil {
		return Frame{}, err
	}
	resp, err := readFrame(stream)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Frame{}, eerr.Wrap(eerr.KindRequestTimeout, "quic send "+addr, err)
		}
		return Frame{}, err
	}
	return resp, nil
}

// writeFrame emits a 4-byte big-endian length prefix followed by the
// frame's JSON encoding.
func writeFrame(w io.Writer, f Frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return eerr.Wrap(eerr.KindSerializationFailed, "marshal frame", err)
	}
	if len(payload) > maxFrameSize {
		return eerr.New(eerr.KindSerializationFailed, "frame exceeds maximum size")
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return eerr.Wrap(eerr.KindTransportSendFailed, "write frame prefix", err)
	}
	if _, err := w.Write(payload); err != nil {
		return eerr.Wrap(eerr.KindTransportSendFailed, "write frame payload", err)
	}
	return nil
}

func readFrame(r io.Reader) (Frame, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return Frame{}, eerr.Wrap(eerr.KindTransportSendFailed, "read frame prefix", err)
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > maxFrameSize {
		return Frame{}, eerr.New(eerr.KindSerializationFailed, "frame exceeds maximum size")
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, eerr.Wrap(eerr.KindTransportSendFailed, "read frame payload", err)
	}

	var f Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return Frame{}, eerr.Wrap(eerr.KindSerializationFailed, "decode frame", err)
	}
	return f, nil
}

// serverTLSConfig builds an ephemeral self-signed certificate for the
// QUIC listener.
func serverTLSConfig() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, eerr.Wrap(eerr.KindStorageIO, "generate tls key", err)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, eerr.Wrap(eerr.KindStorageIO, "create tls certificate", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		NextProtos:   []string{quicALPN},
	}, nil
}

func clientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true, // peer identity comes from the signed handshake
		NextProtos:         []string{quicALPN},
	}
}
