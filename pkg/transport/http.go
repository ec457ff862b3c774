package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/arcuru/eidetica/pkg/eerr"
	"github.com/arcuru/eidetica/pkg/log"
	"github.com/arcuru/eidetica/pkg/metrics"
)

// APIPath is the single sync endpoint every HTTP peer exposes.
const APIPath = "/api/v0"

// HTTPTransport carries frames as JSON POST bodies. Every
// application-level response, including pending and failure states,
// returns HTTP 200; 4xx/5xx are reserved for transport errors.
type HTTPTransport struct {
	client *http.Client
	server *http.Server
}

// NewHTTPTransport creates an HTTP transport with the given per-request
// timeout (zero means the 30s default).
func NewHTTPTransport(requestTimeout time.Duration) *HTTPTransport {
	if requestTimeout == 0 {
		requestTimeout = 30 * time.Second
	}
	return &HTTPTransport{
		client: &http.Client{Timeout: requestTimeout},
	}
}

// Name implements Transport.
func (t *HTTPTransport) Name() string { return "http" }

// Owns implements Transport.
func (t *HTTPTransport) Owns(addr string) bool {
	return strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://")
}

// StartServer begins serving POST /api/v0 on addr (a host:port).
func (t *HTTPTransport) StartServer(ctx context.Context, addr string, handler Handler) error {
	mux := http.NewServeMux()
	mux.HandleFunc(APIPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, 64<<20))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}

		var req Frame
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "malformed frame", http.StatusBadRequest)
			return
		}

		resp, err := handler(r.Context(), r.RemoteAddr, req)
		if err != nil {
			httpLogger := log.WithComponent("transport.http")
			httpLogger.Error().Err(err).Str("frame", req.Type).Msg("handler failed")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return eerr.Wrap(eerr.KindTransportSendFailed, "listen "+addr, err)
	}
	t.server = server

	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serveLogger := log.WithComponent("transport.http")
			serveLogger.Error().Err(err).Msg("server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		_ = t.StopServer()
	}()

	listenLogger := log.WithComponent("transport.http")
	listenLogger.Info().Str("addr", ln.Addr().String()).Msg("listening")
	return nil
}

// StopServer implements Transport.
func (t *HTTPTransport) StopServer() error {
	if t.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := t.server.Shutdown(ctx)
	t.server = nil
	return err
}

// Send implements Transport. addr is a full http(s):// base URL.
func (t *HTTPTransport) Send(ctx context.Context, addr string, req Frame) (Frame, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Frame{}, eerr.Wrap(eerr.KindSerializationFailed, "marshal frame", err)
	}

	url := strings.TrimSuffix(addr, "/") + APIPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Frame{}, eerr.Wrap(eerr.KindTransportSendFailed, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Frame{}, eerr.Wrap(eerr.KindRequestTimeout, "send "+url, err)
		}
		return Frame{}, eerr.Wrap(eerr.KindTransportSendFailed, "send "+url, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return Frame{}, eerr.New(eerr.KindTransportSendFailed,
			fmt.Sprintf("peer %s returned status %d", addr, httpResp.StatusCode))
	}

	var resp Frame
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return Frame{}, eerr.Wrap(eerr.KindSerializationFailed, "decode response frame", err)
	}
	return resp, nil
}
