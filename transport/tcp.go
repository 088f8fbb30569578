// SPDX-FileCopyrightText: (C) 2024 the go-mdoc authors
// SPDX-License-Identifier: Apache 2.0

package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/iso-mdoc/go-mdoc/engagement"
	"github.com/iso-mdoc/go-mdoc/protocol"
)

// TCP wire framing: a 4-byte magic, a big-endian payload length, then the
// payload. Header mismatch or an oversized length is a fatal transport error.
var tcpMagic = [4]byte{'G', 'm', 'D', 'L'}

const tcpHeaderSize = 8

// frameMessage prepends the TCP framing header.
func frameMessage(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyMessage
	}
	if len(payload) > protocol.MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	framed := make([]byte, tcpHeaderSize+len(payload))
	copy(framed, tcpMagic[:])
	binary.BigEndian.PutUint32(framed[4:], uint32(len(payload)))
	copy(framed[tcpHeaderSize:], payload)
	return framed, nil
}

// readFrame reads one framed message. A clean EOF at the header boundary
// returns io.EOF; any other failure is a transport error.
func readFrame(r io.Reader) ([]byte, error) {
	var header [tcpHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("error reading framing header: %w", err)
	}
	if [4]byte(header[:4]) != tcpMagic {
		return nil, fmt.Errorf("invalid framing header % x", header[:4])
	}
	length := binary.BigEndian.Uint32(header[4:])
	if length == 0 || length > protocol.MaxMessageSize {
		return nil, fmt.Errorf("invalid message length %d: %w", length, ErrMessageTooLarge)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("error reading message payload: %w", err)
	}
	return payload, nil
}

// TCPTransport carries messages over a plain TCP connection. The mdoc role
// listens and accepts a single connection; the reader role dials.
type TCPTransport struct {
	*Base
	role   protocol.Role
	method *engagement.TCP

	out chan outboundItem

	mu         sync.Mutex
	started    bool
	ln         net.Listener
	conn       net.Conn
	writerDone chan struct{}
}

var _ DataTransport = (*TCPTransport)(nil)

// NewTCP creates an inert TCP transport. For the mdoc role a zero port binds
// to an ephemeral port, reflected by ConnectionMethod after Connect.
func NewTCP(method *engagement.TCP, role protocol.Role) *TCPTransport {
	return &TCPTransport{
		Base:   NewBase(),
		role:   role,
		method: method,
		out:    make(chan outboundItem, outboundBuffer),
	}
}

// Connect implements DataTransport.
func (t *TCPTransport) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return ErrConnectAgain
	}
	t.started = true

	addr := net.JoinHostPort(t.method.Host, strconv.Itoa(int(t.method.Port)))
	switch t.role {
	case protocol.RoleMdoc:
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", addr, err)
		}
		t.ln = ln
		tcpAddr := ln.Addr().(*net.TCPAddr)
		t.method = &engagement.TCP{Host: t.method.Host, Port: uint16(tcpAddr.Port)}
		go t.accept(ln)
	case protocol.RoleMdocReader:
		go t.dial(addr)
	default:
		return fmt.Errorf("invalid role %d", t.role)
	}
	return nil
}

func (t *TCPTransport) accept(ln net.Listener) {
	t.Emit(Event{Kind: EventConnecting})
	conn, err := ln.Accept()
	if err != nil {
		if !t.Inhibited() {
			t.ReportError(fmt.Errorf("error accepting connection: %w", err))
		}
		return
	}
	t.attach(conn)
}

func (t *TCPTransport) dial(addr string) {
	t.Emit(Event{Kind: EventConnecting})
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.ReportError(fmt.Errorf("error connecting to %s: %w", addr, err))
		return
	}
	t.attach(conn)
}

func (t *TCPTransport) attach(conn net.Conn) {
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
}

func (t *TCPTransport) readLoop(conn net.Conn) {
	for {
		msg, err := readFrame(conn)
		if errors.Is(err, io.EOF) {
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

func (t *TCPTransport) writeLoop(conn net.Conn) {
	defer close(t.writerDone)
	for {
		select {
		case item := <-t.out:
			if item.shutdown {
				return
			}
			if err := t.writeFrame(conn, item.payload); err != nil {
				return
			}
		case <-t.Done():
			// Flush messages queued before close, then stop.
			for {
				select {
				case item := <-t.out:
					if item.shutdown {
						return
					}
					if err := t.writeFrame(conn, item.payload); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (t *TCPTransport) writeFrame(conn net.Conn, payload []byte) error {
	framed, err := frameMessage(payload)
	if err == nil {
		_, err = conn.Write(framed)
	}
	if err != nil && !t.Inhibited() {
		t.ReportError(fmt.Errorf("error writing message: %w", err))
	}
	return err
}

// SendMessage implements DataTransport.
func (t *TCPTransport) SendMessage(msg []byte) error {
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
func (t *TCPTransport) Close() {
	requestShutdown(t.out)
	if !t.Inhibit() {
		return
	}

	t.mu.Lock()
	ln, conn, writerDone := t.ln, t.conn, t.writerDone
	t.ln, t.conn = nil, nil
	t.mu.Unlock()

	if writerDone != nil {
		<-writerDone
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			slog.Debug("tcp: error closing connection", "error", err)
		}
	}
	if ln != nil {
		if err := ln.Close(); err != nil {
			slog.Debug("tcp: error closing listener", "error", err)
		}
	}
}

// ConnectionMethod implements DataTransport.
func (t *TCPTransport) ConnectionMethod() engagement.ConnectionMethod {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.method
}

// SupportsTransportSpecificTermination implements DataTransport.
func (t *TCPTransport) SupportsTransportSpecificTermination() bool { return false }

// SendTransportSpecificTermination implements DataTransport.
func (t *TCPTransport) SendTransportSpecificTermination() error {
	return ErrTerminationNotSupported
}
