// SPDX-FileCopyrightText: (C) 2024 the go-mdoc authors
// SPDX-License-Identifier: Apache 2.0

package ble

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"

	"github.com/iso-mdoc/go-mdoc/engagement"
	"github.com/iso-mdoc/go-mdoc/protocol"
	"github.com/iso-mdoc/go-mdoc/transport"
)

// Messages on the data characteristics are split into chunks of the usable
// MTU. Each chunk starts with a state byte.
const (
	chunkMoreFollows = 0x01
	chunkLast        = 0x00

	// The ATT write header costs 3 bytes of the MTU, and chunks are capped
	// at the maximum attribute value length.
	attHeaderSize = 3
	maxChunkSize  = 512
)

// ChunkSize returns the chunk size for a negotiated MTU, state byte
// included.
func ChunkSize(mtu int) int {
	size := mtu - attHeaderSize
	if size > maxChunkSize {
		size = maxChunkSize
	}
	return size
}

// gattLink selects which radio side establishes the GATT connection.
type gattLink struct {
	central    Central
	peripheral Peripheral
}

// gattTransport exchanges messages over the chunked GATT data
// characteristics.
type gattTransport struct {
	*transport.Base
	role   protocol.Role
	method *engagement.BLE
	link   gattLink

	out chan outbound

	mu         sync.Mutex
	started    bool
	conn       GattConn
	writerDone chan struct{}

	// Reassembly buffer for the inbound data characteristic.
	inbound bytes.Buffer
}

var _ transport.DataTransport = (*gattTransport)(nil)

func newGatt(method *engagement.BLE, role protocol.Role, link gattLink) *gattTransport {
	return &gattTransport{
		Base:   transport.NewBase(),
		role:   role,
		method: method,
		link:   link,
		out:    make(chan outbound, outboundBuffer),
	}
}

// Connect implements transport.DataTransport.
func (t *gattTransport) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return transport.ErrConnectAgain
	}
	t.started = true

	service, err := t.method.ServiceUUID()
	if err != nil {
		return fmt.Errorf("invalid BLE connection method: %w", err)
	}

	go func() {
		t.Emit(transport.Event{Kind: transport.EventConnecting})

		events := gattSink{t}
		var conn GattConn
		var err error
		if t.link.peripheral != nil {
			conn, err = t.link.peripheral.Advertise(service, events)
		} else {
			conn, err = t.link.central.Connect(service, events)
		}
		if err != nil {
			if !t.Inhibited() {
				t.ReportError(fmt.Errorf("error establishing GATT link: %w", err))
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
		t.Emit(transport.Event{Kind: transport.EventConnected})
	}()
	return nil
}

// gattSink adapts platform link events onto the transport without exporting
// the sink methods on the transport itself.
type gattSink struct{ t *gattTransport }

func (s gattSink) ChunkReceived(chunk []byte) {
	t := s.t
	if len(chunk) == 0 || t.Inhibited() {
		return
	}

	t.mu.Lock()
	if t.inbound.Len()+len(chunk)-1 > protocol.MaxMessageSize {
		t.inbound.Reset()
		t.mu.Unlock()
		t.ReportError(fmt.Errorf("reassembled message exceeds %d bytes: %w",
			protocol.MaxMessageSize, transport.ErrMessageTooLarge))
		return
	}
	t.inbound.Write(chunk[1:])
	var msg []byte
	if chunk[0] == chunkLast {
		msg = append([]byte(nil), t.inbound.Bytes()...)
		t.inbound.Reset()
	}
	t.mu.Unlock()

	if msg != nil {
		t.EnqueueInbound(msg)
	}
}

func (s gattSink) PeerDisconnected() {
	if !s.t.Inhibited() {
		s.t.Emit(transport.Event{Kind: transport.EventDisconnected})
	}
}

func (s gattSink) TerminationReceived() {
	if !s.t.Inhibited() {
		s.t.Emit(transport.Event{Kind: transport.EventTransportSpecificTermination})
	}
}

func (t *gattTransport) writeLoop(conn GattConn) {
	defer close(t.writerDone)
	write := func(payload []byte) error {
		if err := t.writeChunked(conn, payload); err != nil {
			if !t.Inhibited() {
				t.ReportError(err)
			}
			return err
		}
		return nil
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

// writeChunked splits the message across data characteristic writes, each
// prefixed with its more-follows state byte.
func (t *gattTransport) writeChunked(conn GattConn, msg []byte) error {
	size := ChunkSize(conn.MTU())
	if size < 2 {
		return fmt.Errorf("negotiated MTU %d leaves no room for payload", conn.MTU())
	}
	payloadPer := size - 1

	for len(msg) > 0 {
		n := payloadPer
		state := byte(chunkMoreFollows)
		if n >= len(msg) {
			n = len(msg)
			state = chunkLast
		}
		chunk := make([]byte, 1+n)
		chunk[0] = state
		copy(chunk[1:], msg[:n])
		if err := conn.WriteChunk(chunk); err != nil {
			return fmt.Errorf("error writing chunk: %w", err)
		}
		msg = msg[n:]
	}
	return nil
}

// SendMessage implements transport.DataTransport.
func (t *gattTransport) SendMessage(msg []byte) error {
	if len(msg) == 0 {
		return transport.ErrEmptyMessage
	}
	if t.Inhibited() {
		return transport.ErrClosed
	}
	select {
	case t.out <- outbound{payload: msg}:
		return nil
	case <-t.Done():
		return transport.ErrClosed
	}
}

// Close implements transport.DataTransport.
func (t *gattTransport) Close() {
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
			slog.Debug("ble: error closing GATT link", "error", err)
		}
	}
}

// ConnectionMethod implements transport.DataTransport.
func (t *gattTransport) ConnectionMethod() engagement.ConnectionMethod { return t.method }

// SupportsTransportSpecificTermination implements transport.DataTransport.
func (t *gattTransport) SupportsTransportSpecificTermination() bool { return true }

// SendTransportSpecificTermination implements transport.DataTransport.
func (t *gattTransport) SendTransportSpecificTermination() error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return transport.ErrClosed
	}
	if err := conn.SendTermination(); err != nil {
		return fmt.Errorf("error sending termination: %w", err)
	}
	return nil
}
