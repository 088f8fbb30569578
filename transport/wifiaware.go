// SPDX-FileCopyrightText: (C) 2024 the go-mdoc authors
// SPDX-License-Identifier: Apache 2.0

package transport

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/iso-mdoc/go-mdoc/engagement"
	"github.com/iso-mdoc/go-mdoc/protocol"
)

// SocketProvider yields the connection-oriented socket resulting from the
// Wi-Fi Aware discovery/attach/publish-subscribe handshake and the
// passphrase-protected network request. The NAN stack behind it is out of
// scope; the provider blocks until the data path is up.
type SocketProvider interface {
	Connect() (net.Conn, error)
}

// WifiAwareTransport carries messages in HTTP/1.1-shaped frames over a Wi-Fi
// Aware data path socket. The mdoc role is the listener side and answers
// with response frames; the reader role initiates with request frames.
type WifiAwareTransport struct {
	*Base
	role   protocol.Role
	method *engagement.WifiAware

	// Socket must be set before Connect.
	Socket SocketProvider

	out chan outboundItem

	mu         sync.Mutex
	started    bool
	conn       net.Conn
	writerDone chan struct{}
}

var _ DataTransport = (*WifiAwareTransport)(nil)

// NewWifiAware creates an inert Wi-Fi Aware transport over the injected
// socket provider.
func NewWifiAware(method *engagement.WifiAware, role protocol.Role, socket SocketProvider) *WifiAwareTransport {
	return &WifiAwareTransport{
		Base:   NewBase(),
		role:   role,
		method: method,
		Socket: socket,
		out:    make(chan outboundItem, outboundBuffer),
	}
}

// Connect implements DataTransport.
func (t *WifiAwareTransport) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return ErrConnectAgain
	}
	t.started = true
	if t.Socket == nil {
		return fmt.Errorf("wifi aware transport requires a socket provider")
	}

	go func() {
		t.Emit(Event{Kind: EventConnecting})
		conn, err := t.Socket.Connect()
		if err != nil {
			if !t.Inhibited() {
				t.ReportError(fmt.Errorf("error establishing Wi-Fi Aware data path: %w", err))
			}
			return
		}

		t.mu.Lock()
		if t.Inhibited() {
			t.mu.Unlock()
			_ = conn.Close()
			return
		}
		t.conn = conn
		t.writerDone = make(chan struct{})
		t.mu.Unlock()

		go t.writeLoop(conn)
		go t.readLoop(conn)
		t.Emit(Event{Kind: EventConnected})
	}()
	return nil
}

func (t *WifiAwareTransport) frame(payload []byte) []byte {
	var sb strings.Builder
	if t.role == protocol.RoleMdoc {
		// Listener side answers with response frames.
		sb.WriteString("HTTP/1.1 200 OK\r\n")
	} else {
		sb.WriteString("POST /mdoc HTTP/1.1\r\n")
	}
	fmt.Fprintf(&sb, "Content-Length: %d\r\n", len(payload))
	sb.WriteString("Content-Type: application/CBOR\r\n\r\n")
	return append([]byte(sb.String()), payload...)
}

func (t *WifiAwareTransport) readLoop(conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		msg, err := readHTTPFrame(r)
		if err == io.EOF {
			t.Emit(Event{Kind: EventDisconnected})
			return
		}
		if err != nil {
			if !t.Inhibited() {
				t.ReportError(err)
			}
			return
		}
		t.EnqueueInbound(msg)
	}
}

// readHTTPFrame reads one HTTP/1.1-shaped frame: a start line, headers
// including Content-Length, a blank line, then exactly Content-Length payload
// bytes.
func readHTTPFrame(r *bufio.Reader) ([]byte, error) {
	startLine, err := r.ReadString('\n')
	if err != nil {
		if err == io.EOF && startLine == "" {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("error reading frame start line: %w", err)
	}
	if !strings.HasPrefix(startLine, "HTTP/1.1") && !strings.HasPrefix(startLine, "POST ") {
		return nil, fmt.Errorf("unexpected frame start line %q", strings.TrimSpace(startLine))
	}

	length := -1
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("error reading frame header: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed frame header %q", line)
		}
		if strings.EqualFold(name, "Content-Length") {
			length, err = strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return nil, fmt.Errorf("invalid Content-Length: %w", err)
			}
		}
	}
	if length < 0 {
		return nil, fmt.Errorf("frame is missing Content-Length")
	}
	if length == 0 || length > protocol.MaxMessageSize {
		return nil, fmt.Errorf("invalid frame length %d: %w", length, ErrMessageTooLarge)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("error reading frame payload: %w", err)
	}
	return payload, nil
}

func (t *WifiAwareTransport) writeLoop(conn net.Conn) {
	defer close(t.writerDone)
	write := func(payload []byte) error {
		_, err := conn.Write(t.frame(payload))
		if err != nil && !t.Inhibited() {
			t.ReportError(fmt.Errorf("error writing frame: %w", err))
		}
		return err
	}
	for {
		select {
		case item := <-t.out:
			if item.shutdown {
				return
			}
			if err := write(item.payload); err != nil {
				return
			}
		case <-t.Done():
			for {
				select {
				case item := <-t.out:
					if item.shutdown {
						return
					}
					if err := write(item.payload); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// SendMessage implements DataTransport.
func (t *WifiAwareTransport) SendMessage(msg []byte) error {
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
func (t *WifiAwareTransport) Close() {
	requestShutdown(t.out)
	if !t.Inhibit() {
		return
	}

	t.mu.Lock()
	conn, writerDone := t.conn, t.writerDone
	t.conn = nil
	t.mu.Unlock()

	if writerDone != nil {
		<-writerDone
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			slog.Debug("wifi aware: error closing socket", "error", err)
		}
	}
}

// ConnectionMethod implements DataTransport.
func (t *WifiAwareTransport) ConnectionMethod() engagement.ConnectionMethod { return t.method }

// SupportsTransportSpecificTermination implements DataTransport.
func (t *WifiAwareTransport) SupportsTransportSpecificTermination() bool { return false }

// SendTransportSpecificTermination implements DataTransport.
func (t *WifiAwareTransport) SendTransportSpecificTermination() error {
	return ErrTerminationNotSupported
}
