// SPDX-FileCopyrightText: (C) 2024 the go-mdoc authors
// SPDX-License-Identifier: Apache 2.0

package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/iso-mdoc/go-mdoc/engagement"
	"github.com/iso-mdoc/go-mdoc/protocol"
)

// UDPTransport carries one framed message per datagram. The datagram framing
// reuses the TCP header; the standard does not pin down a UDP carrier
// profile, so peers must agree on this one out-of-band.
//
// The mdoc role binds a socket and learns the peer address from the first
// datagram; the reader role sends to the advertised host and port.
type UDPTransport struct {
	*Base
	role   protocol.Role
	method *engagement.UDP

	out chan outboundItem

	mu         sync.Mutex
	started    bool
	conn       net.PacketConn
	peer       net.Addr
	peerKnown  chan struct{}
	writerDone chan struct{}
}

var _ DataTransport = (*UDPTransport)(nil)

// Maximum UDP datagram we are willing to assemble. Larger messages do not
// fit the carrier.
const maxDatagramSize = 65507

// NewUDP creates an inert UDP transport.
func NewUDP(method *engagement.UDP, role protocol.Role) *UDPTransport {
	return &UDPTransport{
		Base:      NewBase(),
		role:      role,
		method:    method,
		out:       make(chan outboundItem, outboundBuffer),
		peerKnown: make(chan struct{}),
	}
}

// Connect implements DataTransport.
func (t *UDPTransport) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return ErrConnectAgain
	}
	t.started = true

	addr := net.JoinHostPort(t.method.Host, strconv.Itoa(int(t.method.Port)))
	switch t.role {
	case protocol.RoleMdoc:
		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			return fmt.Errorf("error binding %s: %w", addr, err)
		}
		t.conn = conn
		udpAddr := conn.LocalAddr().(*net.UDPAddr)
		t.method = &engagement.UDP{Host: t.method.Host, Port: uint16(udpAddr.Port)}
	case protocol.RoleMdocReader:
		peer, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return fmt.Errorf("error resolving %s: %w", addr, err)
		}
		conn, err := net.ListenPacket("udp", ":0")
		if err != nil {
			return fmt.Errorf("error binding local socket: %w", err)
		}
		t.conn = conn
		t.peer = peer
		close(t.peerKnown)
	default:
		return fmt.Errorf("invalid role %d", t.role)
	}

	t.writerDone = make(chan struct{})
	go t.writeLoop(t.conn)
	go t.readLoop(t.conn)
	t.Emit(Event{Kind: EventConnected})
	return nil
}

func (t *UDPTransport) readLoop(conn net.PacketConn) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if !t.Inhibited() {
				t.ReportError(fmt.Errorf("error reading datagram: %w", err))
			}
			return
		}

		t.mu.Lock()
		if t.peer == nil {
			t.peer = from
			close(t.peerKnown)
		}
		t.mu.Unlock()

		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		msg, err := readFrameBytes(datagram)
		if err != nil {
			if !t.Inhibited() {
				t.ReportError(err)
			}
			return
		}
		t.EnqueueInbound(msg)
	}
}

func readFrameBytes(datagram []byte) ([]byte, error) {
	r := &sliceReader{data: datagram}
	msg, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	if r.off != len(datagram) {
		return nil, errors.New("trailing bytes after framed datagram")
	}
	return msg, nil
}

type sliceReader struct {
	data []byte
	off  int
}

func (r *sliceReader) Read(p []byte) (int, error) {
	if r.off >= len(r.data) {
		return 0, errors.New("short datagram")
	}
	n := copy(p, r.data[r.off:])
	r.off += n
	return n, nil
}

func (t *UDPTransport) writeLoop(conn net.PacketConn) {
	defer close(t.writerDone)

	// Sends are deferred until the peer address is known.
	select {
	case <-t.peerKnown:
	case <-t.Done():
		return
	}
	t.mu.Lock()
	peer := t.peer
	t.mu.Unlock()

	write := func(payload []byte) error {
		framed, err := frameMessage(payload)
		if err == nil && len(framed) > maxDatagramSize {
			err = fmt.Errorf("message does not fit a datagram: %w", ErrMessageTooLarge)
		}
		if err == nil {
			_, err = conn.WriteTo(framed, peer)
		}
		if err != nil && !t.Inhibited() {
			t.ReportError(fmt.Errorf("error writing datagram: %w", err))
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
func (t *UDPTransport) SendMessage(msg []byte) error {
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
func (t *UDPTransport) Close() {
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
			slog.Debug("udp: error closing socket", "error", err)
		}
	}
}

// ConnectionMethod implements DataTransport.
func (t *UDPTransport) ConnectionMethod() engagement.ConnectionMethod {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.method
}

// SupportsTransportSpecificTermination implements DataTransport.
func (t *UDPTransport) SupportsTransportSpecificTermination() bool { return false }

// SendTransportSpecificTermination implements DataTransport.
func (t *UDPTransport) SendTransportSpecificTermination() error {
	return ErrTerminationNotSupported
}
