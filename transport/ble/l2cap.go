// SPDX-FileCopyrightText: (C) 2024 the go-mdoc authors
// SPDX-License-Identifier: Apache 2.0

package ble

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/iso-mdoc/go-mdoc/engagement"
	"github.com/iso-mdoc/go-mdoc/protocol"
	"github.com/iso-mdoc/go-mdoc/transport"
)

// Messages on an L2CAP channel carry a big-endian uint32 length prefix.
const l2capHeaderSize = 4

// l2capDrainDelay gives the controller time to flush queued packets before
// the channel is torn down. Closing immediately after the final write loses
// data on some stacks.
const l2capDrainDelay = time.Second

// l2capTransport exchanges messages over a BLE connection-oriented channel.
// The server side is the GATT peripheral of the session; it assigns the PSM
// and republishes it through its connection method.
type l2capTransport struct {
	*transport.Base
	role protocol.Role

	// Exactly one of dialer and listener is set.
	dialer   L2CAPDialer
	listener L2CAPListener

	out chan outbound

	mu         sync.Mutex
	started    bool
	method     *engagement.BLE
	conn       net.Conn
	writerDone chan struct{}
}

var _ transport.DataTransport = (*l2capTransport)(nil)

func newL2CAPClient(method *engagement.BLE, role protocol.Role, dialer L2CAPDialer) *l2capTransport {
	return &l2capTransport{
		Base:   transport.NewBase(),
		role:   role,
		dialer: dialer,
		method: method,
		out:    make(chan outbound, outboundBuffer),
	}
}

func newL2CAPServer(method *engagement.BLE, role protocol.Role, listener L2CAPListener) *l2capTransport {
	return &l2capTransport{
		Base:     transport.NewBase(),
		role:     role,
		listener: listener,
		method:   method,
		out:      make(chan outbound, outboundBuffer),
	}
}

// Connect implements transport.DataTransport.
func (t *l2capTransport) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return transport.ErrConnectAgain
	}
	t.started = true

	if t.dialer != nil {
		if t.method.PSM == nil {
			return errors.New("L2CAP client requires a PSM in the connection method")
		}
		psm, address := *t.method.PSM, t.method.PeripheralServerAddress
		go func() {
			t.Emit(transport.Event{Kind: transport.EventConnecting})
			conn, err := t.dialer.Dial(psm, address)
			if err != nil {
				if !t.Inhibited() {
					t.ReportError(fmt.Errorf("error opening L2CAP channel: %w", err))
				}
				return
			}
			t.attach(conn)
		}()
		return nil
	}

	psm, err := t.listener.Listen()
	if err != nil {
		return fmt.Errorf("error registering L2CAP channel: %w", err)
	}
	updated := *t.method
	updated.PSM = &psm
	t.method = &updated

	go func() {
		t.Emit(transport.Event{Kind: transport.EventConnecting})
		conn, err := t.listener.Accept()
		if err != nil {
			if !t.Inhibited() {
				t.ReportError(fmt.Errorf("error accepting L2CAP channel: %w", err))
			}
			return
		}
		t.attach(conn)
	}()
	return nil
}

func (t *l2capTransport) attach(conn net.Conn) {
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
	t.Emit(transport.Event{Kind: transport.EventConnected})
}

func (t *l2capTransport) readLoop(conn net.Conn) {
	header := make([]byte, l2capHeaderSize)
	for {
		// A clean EOF at the prefix boundary is the peer tearing the channel
		// down; anything mid-message is an error.
		if _, err := io.ReadFull(conn, header); err != nil {
			if err == io.EOF {
				t.Emit(transport.Event{Kind: transport.EventDisconnected})
			} else if !t.Inhibited() {
				t.ReportError(fmt.Errorf("error reading message length: %w", err))
			}
			return
		}
		length := binary.BigEndian.Uint32(header)
		if length == 0 || length > protocol.MaxMessageSize {
			t.ReportError(fmt.Errorf("invalid message length %d: %w", length, transport.ErrMessageTooLarge))
			return
		}

		msg := make([]byte, length)
		if _, err := io.ReadFull(conn, msg); err != nil {
			if !t.Inhibited() {
				t.ReportError(fmt.Errorf("error reading message payload: %w", err))
			}
			return
		}
		t.EnqueueInbound(msg)
	}
}

func (t *l2capTransport) writeLoop(conn net.Conn) {
	defer close(t.writerDone)
	write := func(payload []byte) error {
		frame := make([]byte, l2capHeaderSize+len(payload))
		binary.BigEndian.PutUint32(frame, uint32(len(payload)))
		copy(frame[l2capHeaderSize:], payload)
		_, err := conn.Write(frame)
		if err != nil && !t.Inhibited() {
			t.ReportError(fmt.Errorf("error writing message: %w", err))
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

// SendMessage implements transport.DataTransport.
func (t *l2capTransport) SendMessage(msg []byte) error {
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
func (t *l2capTransport) Close() {
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
		time.Sleep(l2capDrainDelay)
		if err := conn.Close(); err != nil {
			slog.Debug("ble: error closing L2CAP channel", "error", err)
		}
	}
	if t.listener != nil {
		if err := t.listener.Close(); err != nil {
			slog.Debug("ble: error closing L2CAP listener", "error", err)
		}
	}
}

// ConnectionMethod implements transport.DataTransport.
func (t *l2capTransport) ConnectionMethod() engagement.ConnectionMethod {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.method
}

// SupportsTransportSpecificTermination implements transport.DataTransport.
func (t *l2capTransport) SupportsTransportSpecificTermination() bool { return true }

// SendTransportSpecificTermination tears the channel down after draining
// queued messages. The peer observes it as a clean disconnect.
func (t *l2capTransport) SendTransportSpecificTermination() error {
	if t.Inhibited() {
		return transport.ErrClosed
	}
	t.Close()
	return nil
}
