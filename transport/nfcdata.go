// SPDX-FileCopyrightText: (C) 2024 the go-mdoc authors
// SPDX-License-Identifier: Apache 2.0

package transport

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/iso-mdoc/go-mdoc/engagement"
	"github.com/iso-mdoc/go-mdoc/protocol"
)

// Transceiver is the platform NFC link as seen by the reader role: it
// exchanges one command APDU for one response APDU while the tag stays in the
// field. The radio stack behind it is out of scope.
type Transceiver interface {
	Transceive(command []byte) ([]byte, error)
	Close() error
}

// NFC data retrieval APDU instructions per ISO/IEC 18013-5 8.3.3.1.2.
const (
	insEnvelope    = 0xc3
	insGetResponse = 0xc0

	claChaining = 0x10
	claPlain    = 0x00
)

// Default APDU data sizes when the connection method does not constrain them.
const (
	defaultMaxCommandLength  = 0xff
	defaultMaxResponseLength = 0x100
)

// NFCTransport carries messages in ENVELOPE command APDUs with command
// chaining, and reassembles responses via GET RESPONSE. The reader role
// drives an injected Transceiver; the mdoc role is driven by the platform's
// APDU service through ProcessCommand.
type NFCTransport struct {
	*Base
	role   protocol.Role
	method *engagement.NFC

	// Tag must be set before Connect for the reader role.
	Tag Transceiver

	out chan outboundItem

	mu         sync.Mutex
	started    bool
	writerDone chan struct{}

	// mdoc-role reassembly of chained envelopes and chunked responses.
	commandBuf  bytes.Buffer
	responseBuf []byte
}

var _ DataTransport = (*NFCTransport)(nil)

// NewNFC creates an inert NFC data transport.
func NewNFC(method *engagement.NFC, role protocol.Role) *NFCTransport {
	return &NFCTransport{
		Base:   NewBase(),
		role:   role,
		method: method,
		out:    make(chan outboundItem, outboundBuffer),
	}
}

func (t *NFCTransport) maxCommandLength() int {
	if t.method.MaxCommandLength > 0 {
		return int(t.method.MaxCommandLength)
	}
	return defaultMaxCommandLength
}

func (t *NFCTransport) maxResponseLength() int {
	if t.method.MaxResponseLength > 0 {
		return int(t.method.MaxResponseLength)
	}
	return defaultMaxResponseLength
}

// Connect implements DataTransport.
func (t *NFCTransport) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return ErrConnectAgain
	}
	t.started = true

	switch t.role {
	case protocol.RoleMdocReader:
		if t.Tag == nil {
			return errors.New("reader role requires a transceiver")
		}
		t.writerDone = make(chan struct{})
		go t.readerLoop()
	case protocol.RoleMdoc:
		// The mdoc side is passive: the platform APDU service feeds
		// ProcessCommand once the reader selects the data application.
		t.writerDone = make(chan struct{})
		close(t.writerDone)
	default:
		return fmt.Errorf("invalid role %d", t.role)
	}
	t.Emit(Event{Kind: EventConnected})
	return nil
}

// readerLoop sends each queued message as a chained ENVELOPE exchange and
// queues the mdoc's reassembled response.
func (t *NFCTransport) readerLoop() {
	defer close(t.writerDone)
	for {
		select {
		case item := <-t.out:
			if item.shutdown {
				return
			}
			response, err := t.exchange(item.payload)
			if err != nil {
				if !t.Inhibited() {
					t.ReportError(err)
				}
				return
			}
			if len(response) > 0 {
				t.EnqueueInbound(response)
			}
		case <-t.Done():
			return
		}
	}
}

// exchange performs one full message exchange: chained envelopes out,
// GET RESPONSE reassembly in.
func (t *NFCTransport) exchange(msg []byte) ([]byte, error) {
	maxChunk := t.maxCommandLength()
	var response []byte
	for len(msg) > 0 {
		chunk := msg
		if len(chunk) > maxChunk {
			chunk = chunk[:maxChunk]
		}
		msg = msg[len(chunk):]

		cla := byte(claPlain)
		if len(msg) > 0 {
			cla = claChaining
		}
		command := append([]byte{cla, insEnvelope, 0x00, 0x00, byte(len(chunk))}, chunk...)
		if cla == claPlain {
			command = append(command, 0x00) // Le: accept any response length
		}
		resp, err := t.Tag.Transceive(command)
		if err != nil {
			return nil, fmt.Errorf("error transceiving envelope: %w", err)
		}
		if len(resp) < 2 {
			return nil, errors.New("short APDU response")
		}
		sw1, sw2 := resp[len(resp)-2], resp[len(resp)-1]
		response = append(response, resp[:len(resp)-2]...)

		switch {
		case sw1 == 0x90 && sw2 == 0x00:
			// Exchange complete (possibly with response data).
		case sw1 == 0x61:
			// More response data available.
			more, err := t.drainResponse(sw2)
			if err != nil {
				return nil, err
			}
			response = append(response, more...)
		default:
			return nil, fmt.Errorf("unexpected status word %02x%02x", sw1, sw2)
		}
	}
	if len(response) > protocol.MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	return response, nil
}

func (t *NFCTransport) drainResponse(remaining byte) ([]byte, error) {
	var out []byte
	for {
		le := remaining
		resp, err := t.Tag.Transceive([]byte{claPlain, insGetResponse, 0x00, 0x00, le})
		if err != nil {
			return nil, fmt.Errorf("error transceiving GET RESPONSE: %w", err)
		}
		if len(resp) < 2 {
			return nil, errors.New("short GET RESPONSE")
		}
		sw1, sw2 := resp[len(resp)-2], resp[len(resp)-1]
		out = append(out, resp[:len(resp)-2]...)
		switch {
		case sw1 == 0x90 && sw2 == 0x00:
			return out, nil
		case sw1 == 0x61:
			remaining = sw2
		default:
			return nil, fmt.Errorf("unexpected status word %02x%02x", sw1, sw2)
		}
	}
}

// ProcessCommand handles one command APDU on the mdoc side and returns the
// response APDU. It is called by the platform's APDU service after the data
// application has been selected. The response to the final envelope of a
// request blocks until SendMessage supplies the device response.
func (t *NFCTransport) ProcessCommand(command []byte) []byte {
	if t.role != protocol.RoleMdoc {
		return statusWord(0x6d, 0x00)
	}
	if len(command) < 4 {
		return statusWord(0x67, 0x00)
	}
	cla, ins := command[0], command[1]

	switch ins {
	case insEnvelope:
		if len(command) < 5 {
			return statusWord(0x67, 0x00)
		}
		lc := int(command[4])
		if len(command) < 5+lc {
			return statusWord(0x67, 0x00)
		}
		t.commandBuf.Write(command[5 : 5+lc])
		if cla == claChaining {
			return statusWord(0x90, 0x00)
		}
		if t.commandBuf.Len() > protocol.MaxMessageSize {
			t.commandBuf.Reset()
			return statusWord(0x67, 0x00)
		}

		msg := make([]byte, t.commandBuf.Len())
		copy(msg, t.commandBuf.Bytes())
		t.commandBuf.Reset()
		t.EnqueueInbound(msg)

		// Final envelope: respond with the device's next message.
		select {
		case item := <-t.out:
			if item.shutdown {
				return statusWord(0x90, 0x00)
			}
			t.responseBuf = item.payload
			return t.nextResponseChunk()
		case <-t.Done():
			return statusWord(0x90, 0x00)
		}

	case insGetResponse:
		return t.nextResponseChunk()

	default:
		return statusWord(0x6d, 0x00)
	}
}

// nextResponseChunk returns the next chunk of the pending response followed
// by SW 9000, or 61xx when more data remains.
func (t *NFCTransport) nextResponseChunk() []byte {
	maxChunk := t.maxResponseLength() - 2
	chunk := t.responseBuf
	if len(chunk) > maxChunk {
		chunk = chunk[:maxChunk]
	}
	t.responseBuf = t.responseBuf[len(chunk):]

	if len(t.responseBuf) > 0 {
		remaining := len(t.responseBuf)
		if remaining > 0xff {
			remaining = 0x00 // 61 00: more than 255 bytes remain
		}
		return append(chunk, 0x61, byte(remaining))
	}
	return append(chunk, 0x90, 0x00)
}

func statusWord(sw1, sw2 byte) []byte { return []byte{sw1, sw2} }

// SendMessage implements DataTransport.
func (t *NFCTransport) SendMessage(msg []byte) error {
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
func (t *NFCTransport) Close() {
	requestShutdown(t.out)
	if !t.Inhibit() {
		return
	}

	t.mu.Lock()
	writerDone := t.writerDone
	t.mu.Unlock()

	if writerDone != nil {
		<-writerDone
	}
	if t.Tag != nil {
		_ = t.Tag.Close()
	}
}

// ConnectionMethod implements DataTransport.
func (t *NFCTransport) ConnectionMethod() engagement.ConnectionMethod { return t.method }

// SupportsTransportSpecificTermination implements DataTransport.
func (t *NFCTransport) SupportsTransportSpecificTermination() bool { return false }

// SendTransportSpecificTermination implements DataTransport.
func (t *NFCTransport) SendTransportSpecificTermination() error {
	return ErrTerminationNotSupported
}
