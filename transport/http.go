// SPDX-FileCopyrightText: (C) 2024 the go-mdoc authors
// SPDX-License-Identifier: Apache 2.0

package transport

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/iso-mdoc/go-mdoc/engagement"
	"github.com/iso-mdoc/go-mdoc/protocol"
)

// Long-poll timeout for the mdoc-role client. The reader may hold a request
// open while deciding its next message, so this is generous and there are no
// retries.
const httpResponseTimeout = 2 * time.Minute

// HTTPTransport carries raw CBOR messages in HTTP/1.1 bodies with
// Content-Type application/cbor.
//
// In the mdoc role it is a long-poll client: each outbound message is POSTed
// to the reader's URI and the response body, when non-empty, is the next
// inbound message. In the reader role it runs a single-accept local HTTP
// server whose connection method is recomputed with the bound address.
type HTTPTransport struct {
	*Base
	role   protocol.Role
	method *engagement.HTTP

	// Client used for the mdoc role. Nil indicates that a default client
	// with the long-poll timeout should be used.
	Client *http.Client

	out chan outboundItem

	mu         sync.Mutex
	started    bool
	connected  bool
	ln         net.Listener
	srv        *http.Server
	writerDone chan struct{}
}

var _ DataTransport = (*HTTPTransport)(nil)

// NewHTTP creates an inert HTTP transport. The mdoc role requires a non-empty
// URI in the connection method; the reader role ignores it and advertises the
// bound address after Connect.
func NewHTTP(method *engagement.HTTP, role protocol.Role) (*HTTPTransport, error) {
	if role == protocol.RoleMdoc {
		if _, err := url.ParseRequestURI(method.URI); err != nil {
			return nil, fmt.Errorf("invalid reader URI %q: %w", method.URI, err)
		}
	}
	return &HTTPTransport{
		Base:   NewBase(),
		role:   role,
		method: method,
		out:    make(chan outboundItem, outboundBuffer),
	}, nil
}

// Connect implements DataTransport.
func (t *HTTPTransport) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return ErrConnectAgain
	}
	t.started = true

	switch t.role {
	case protocol.RoleMdoc:
		// Lazily connected: the first SendMessage performs the first
		// request.
		t.writerDone = make(chan struct{})
		go t.clientLoop()
		t.Emit(Event{Kind: EventConnected})
		return nil

	case protocol.RoleMdocReader:
		ln, err := net.Listen("tcp", "localhost:0")
		if err != nil {
			return fmt.Errorf("error binding HTTP listener: %w", err)
		}
		t.ln = ln
		t.method = &engagement.HTTP{URI: fmt.Sprintf("http://%s/mdoc", ln.Addr())}
		t.srv = &http.Server{Handler: http.HandlerFunc(t.serveHTTP)}
		t.writerDone = make(chan struct{})
		close(t.writerDone) // the server role has no writer goroutine
		go func() {
			if err := t.srv.Serve(ln); err != nil && err != http.ErrServerClosed && !t.Inhibited() {
				t.ReportError(fmt.Errorf("HTTP server error: %w", err))
			}
		}()
		return nil

	default:
		return fmt.Errorf("invalid role %d", t.role)
	}
}

// clientLoop POSTs each queued message and queues the response body as the
// next inbound message.
func (t *HTTPTransport) clientLoop() {
	defer close(t.writerDone)
	client := t.Client
	if client == nil {
		client = &http.Client{Timeout: httpResponseTimeout}
	}
	for {
		select {
		case item := <-t.out:
			if item.shutdown {
				return
			}
			if err := t.post(client, item.payload); err != nil {
				return
			}
		case <-t.Done():
			return
		}
	}
}

func (t *HTTPTransport) post(client *http.Client, payload []byte) error {
	resp, err := client.Post(t.method.URI, "application/cbor", bytes.NewReader(payload))
	if err != nil {
		if !t.Inhibited() {
			t.ReportError(fmt.Errorf("error posting message: %w", err))
		}
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("unexpected HTTP response code: %s", resp.Status)
		if !t.Inhibited() {
			t.ReportError(err)
		}
		return err
	}
	if resp.ContentLength < 0 {
		err := fmt.Errorf("content length must be specified in response headers")
		if !t.Inhibited() {
			t.ReportError(err)
		}
		return err
	}
	if resp.ContentLength > protocol.MaxMessageSize {
		err := fmt.Errorf("content too large (%d bytes): %w", resp.ContentLength, ErrMessageTooLarge)
		if !t.Inhibited() {
			t.ReportError(err)
		}
		return err
	}
	if resp.ContentLength == 0 {
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, resp.ContentLength))
	if err != nil {
		if !t.Inhibited() {
			t.ReportError(fmt.Errorf("error reading response body: %w", err))
		}
		return err
	}
	t.EnqueueInbound(body)
	return nil
}

// serveHTTP handles one reader-role exchange: the request body is an inbound
// message, and the response body is the next queued outbound message.
func (t *HTTPTransport) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.ContentLength < 0 || r.ContentLength > protocol.MaxMessageSize {
		http.Error(w, "invalid content length", http.StatusRequestEntityTooLarge)
		if !t.Inhibited() {
			t.ReportError(fmt.Errorf("invalid request content length %d", r.ContentLength))
		}
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, r.ContentLength))
	if err != nil {
		http.Error(w, "error reading body", http.StatusBadRequest)
		return
	}

	t.mu.Lock()
	first := !t.connected
	t.connected = true
	t.mu.Unlock()
	if first {
		t.Emit(Event{Kind: EventConnected})
	}
	if len(body) > 0 {
		t.EnqueueInbound(body)
	}

	// Long poll: hold the response until the next outbound message.
	select {
	case item := <-t.out:
		if item.shutdown {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Content-Type", "application/cbor")
		w.Header().Set("Content-Length", fmt.Sprint(len(item.payload)))
		if _, err := w.Write(item.payload); err != nil && !t.Inhibited() {
			t.ReportError(fmt.Errorf("error writing response: %w", err))
		}
	case <-t.Done():
		w.WriteHeader(http.StatusOK)
	}
}

// SendMessage implements DataTransport.
func (t *HTTPTransport) SendMessage(msg []byte) error {
	if len(msg) == 0 {
		return ErrEmptyMessage
	}
	if t.Inhibited() {
		return ErrClosed
	}
	select {
	case t.out <- outboundItem{payload: msg}:
		return nil
	case <-t.Done():
		return ErrClosed
	}
}

// Close implements DataTransport.
func (t *HTTPTransport) Close() {
	requestShutdown(t.out)
	if !t.Inhibit() {
		return
	}

	t.mu.Lock()
	srv, ln, writerDone := t.srv, t.ln, t.writerDone
	t.srv, t.ln = nil, nil
	t.mu.Unlock()

	if writerDone != nil {
		<-writerDone
	}
	if srv != nil {
		if err := srv.Close(); err != nil {
			slog.Debug("http: error closing server", "error", err)
		}
	} else if ln != nil {
		_ = ln.Close()
	}
}

// ConnectionMethod implements DataTransport.
func (t *HTTPTransport) ConnectionMethod() engagement.ConnectionMethod {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.method
}

// SupportsTransportSpecificTermination implements DataTransport.
func (t *HTTPTransport) SupportsTransportSpecificTermination() bool { return false }

// SendTransportSpecificTermination implements DataTransport.
func (t *HTTPTransport) SendTransportSpecificTermination() error {
	return ErrTerminationNotSupported
}
