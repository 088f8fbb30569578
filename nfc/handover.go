// SPDX-FileCopyrightText: (C) 2024 the go-mdoc authors
// SPDX-License-Identifier: Apache 2.0

package nfc

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/iso-mdoc/go-mdoc/engagement"
	"github.com/iso-mdoc/go-mdoc/protocol"
	"github.com/iso-mdoc/go-mdoc/session"
	"github.com/iso-mdoc/go-mdoc/transport"
)

// Negotiated handover progresses through these states; static handover
// stays in handoverNotStarted and serves the precomputed select message.
type handoverState int

const (
	handoverNotStarted handoverState = iota
	handoverExpectServiceSelect
	handoverExpectHandoverRequest
	handoverExpectHandoverSelect
)

// EventKind enumerates engagement lifecycle events.
type EventKind uint8

const (
	// EventTwoWayEngagementDetected fires once when the reader selects the
	// connection handover TNEP service.
	EventTwoWayEngagementDetected EventKind = iota + 1

	// EventConnecting fires once when the first raced transport reports
	// connection progress.
	EventConnecting

	// EventConnected delivers the winning transport. The helper no longer
	// owns it afterwards.
	EventConnected

	EventError
)

// Event is one engagement lifecycle notification.
type Event struct {
	Kind      EventKind
	Transport transport.DataTransport
	Err       error
}

// EngagementHelper drives mdoc engagement over an NFC Type 4 Tag. The
// platform feeds it the C-APDUs addressed to the tag application through
// ProcessCommand; the helper serves the capability container and NDEF files,
// runs static or negotiated handover, races the offered transports, and
// reports the winner on its event channel.
//
// The device engagement and handover bytes freeze once handover selection
// completes and feed the session transcript unchanged.
type EngagementHelper struct {
	key        *ecdsa.PublicKey
	methods    []engagement.ConnectionMethod
	negotiated bool
	opts       transport.Options

	events chan Event
	done   chan struct{}

	mu           sync.Mutex
	state        handoverState
	selectedFile uint16
	ndefFile     []byte
	writeBuf     []byte

	deviceEngagement []byte
	handover         []byte
	racer            *transport.Racer

	twoWayOnce    sync.Once
	closeOnce     sync.Once
	winnerHanded  atomic.Bool
	racerAttached bool
}

// NewStaticHandover prepares an engagement helper that offers the given
// connection methods through a precomputed handover select message.
func NewStaticHandover(key *ecdsa.PublicKey, methods []engagement.ConnectionMethod, opts transport.Options) *EngagementHelper {
	return newHelper(key, methods, false, opts)
}

// NewNegotiatedHandover prepares an engagement helper that negotiates the
// carrier through the TNEP connection handover service. The methods offered
// by the reader's handover request determine the transports raced.
func NewNegotiatedHandover(key *ecdsa.PublicKey, opts transport.Options) *EngagementHelper {
	return newHelper(key, nil, true, opts)
}

func newHelper(key *ecdsa.PublicKey, methods []engagement.ConnectionMethod, negotiated bool, opts transport.Options) *EngagementHelper {
	return &EngagementHelper{
		key:        key,
		methods:    methods,
		negotiated: negotiated,
		opts:       opts,
		events:     make(chan Event, 4),
		done:       make(chan struct{}),
	}
}

// Events streams engagement lifecycle notifications.
func (h *EngagementHelper) Events() <-chan Event { return h.events }

// DeviceEngagement returns the frozen device engagement bytes, or nil before
// handover selection completes.
func (h *EngagementHelper) DeviceEngagement() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.deviceEngagement
}

// Handover returns the frozen handover CBOR for the session transcript, or
// nil before handover selection completes.
func (h *EngagementHelper) Handover() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handover
}

// Close cancels the engagement. Raced transports are closed unless the
// winner was already handed over through EventConnected.
func (h *EngagementHelper) Close() {
	h.closeOnce.Do(func() { close(h.done) })
	h.mu.Lock()
	racer := h.racer
	h.mu.Unlock()
	if racer != nil && !h.winnerHanded.Load() {
		racer.Abort()
	}
}

func (h *EngagementHelper) emit(ev Event) {
	select {
	case h.events <- ev:
	case <-h.done:
	}
}

// ProcessCommand handles one C-APDU addressed to the NDEF tag application
// and returns the R-APDU.
func (h *EngagementHelper) ProcessCommand(raw []byte) []byte {
	cmd, err := ParseCommand(raw)
	if err != nil {
		return statusOnly(StatusWrongParameters)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	switch cmd.INS {
	case insSelect:
		return h.handleSelect(cmd)
	case insReadBinary:
		return h.handleReadBinary(cmd)
	case insUpdateBinary:
		return h.handleUpdateBinary(cmd)
	default:
		return statusOnly(StatusInstructionNotSupported)
	}
}

func (h *EngagementHelper) handleSelect(cmd Command) []byte {
	switch cmd.P1 {
	case selectByAID:
		if !bytes.Equal(cmd.Data, ndefApplicationID) {
			return statusOnly(StatusFileNotFound)
		}
		return statusOnly(StatusOK)

	case selectByFileID:
		if len(cmd.Data) != 2 {
			return statusOnly(StatusWrongParameters)
		}
		switch id := binary.BigEndian.Uint16(cmd.Data); id {
		case fileCapabilityContainer:
			h.selectedFile = id
			return statusOnly(StatusOK)
		case fileNDEF:
			h.selectedFile = id
			if err := h.onNDEFSelected(); err != nil {
				h.emit(Event{Kind: EventError, Err: err})
				return statusOnly(StatusFileNotFound)
			}
			return statusOnly(StatusOK)
		default:
			return statusOnly(StatusFileNotFound)
		}

	default:
		return statusOnly(StatusWrongParameters)
	}
}

// onNDEFSelected prepares the NDEF file contents. Static handover computes
// the handover select message and starts all offered transports on the first
// selection; negotiated handover serves the TNEP service parameter record
// and arms the service select state.
func (h *EngagementHelper) onNDEFSelected() error {
	if h.negotiated {
		if h.state != handoverNotStarted {
			return nil
		}
		msg, err := Message{serviceParameterRecord(maxNDEFFileSize)}.Encode()
		if err != nil {
			return err
		}
		h.setNDEFFile(msg)
		h.state = handoverExpectServiceSelect
		return nil
	}

	if h.handover != nil {
		return nil
	}
	bound, err := h.startTransports(engagement.Disambiguate(h.methods, protocol.RoleMdoc))
	if err != nil {
		return err
	}
	// Re-advertise dual-mode BLE methods as one carrier.
	combined, err := engagement.Combine(bound)
	if err != nil {
		combined = bound
	}
	selectMsg, err := h.freezeEngagement(combined, nil)
	if err != nil {
		return err
	}
	h.setNDEFFile(selectMsg)
	return nil
}

const maxNDEFFileSize = 0x7fff

// capabilityContainer is the 15-byte Type 4 Tag capability container. The
// write access byte distinguishes negotiated (writable) from static
// (read-only) handover.
func (h *EngagementHelper) capabilityContainer() []byte {
	writeAccess := byte(0xff)
	if h.negotiated {
		writeAccess = 0x00
	}
	return []byte{
		0x00, 0x0f, // CC length
		0x20,       // mapping version 2.0
		0x7f, 0xff, // max R-APDU data size
		0x7f, 0xff, // max C-APDU data size
		0x04, 0x06, // NDEF file control TLV
		0xe1, 0x04, // NDEF file identifier
		0x7f, 0xff, // max NDEF file size
		0x00,        // read access
		writeAccess, // write access
	}
}

// setNDEFFile stores an NDEF message as the readable file contents behind
// the 2-byte NLEN prefix.
func (h *EngagementHelper) setNDEFFile(msg []byte) {
	h.ndefFile = binary.BigEndian.AppendUint16(make([]byte, 0, 2+len(msg)), uint16(len(msg)))
	h.ndefFile = append(h.ndefFile, msg...)
}

func (h *EngagementHelper) handleReadBinary(cmd Command) []byte {
	if cmd.Le < 0 {
		return statusOnly(StatusWrongParameters)
	}
	var file []byte
	switch h.selectedFile {
	case fileCapabilityContainer:
		file = h.capabilityContainer()
	case fileNDEF:
		file = h.ndefFile
	default:
		return statusOnly(StatusFileNotFound)
	}

	offset := cmd.offset()
	if offset > len(file) {
		return statusOnly(StatusWrongParameters)
	}
	if offset+cmd.Le > len(file) {
		return statusOnly(StatusEndOfFile)
	}
	return Response(file[offset:offset+cmd.Le], StatusOK)
}

// handleUpdateBinary implements the Type 4 Tag NDEF write procedure: a
// zero NLEN write resets the accumulation buffer, intermediate writes land
// at offset-2, and a final non-zero NLEN write processes the accumulated
// message.
func (h *EngagementHelper) handleUpdateBinary(cmd Command) []byte {
	if h.selectedFile != fileNDEF {
		return statusOnly(StatusFileNotFound)
	}

	offset := cmd.offset()
	switch {
	case offset == 0 && len(cmd.Data) == 2:
		length := int(binary.BigEndian.Uint16(cmd.Data))
		if length == 0 {
			h.writeBuf = h.writeBuf[:0]
			return statusOnly(StatusOK)
		}
		if length > len(h.writeBuf) {
			return statusOnly(StatusWrongParameters)
		}
		return h.processNDEFWrite(h.writeBuf[:length])

	case offset >= 2:
		end := offset - 2 + len(cmd.Data)
		if end > maxNDEFFileSize {
			return statusOnly(StatusWrongParameters)
		}
		if end > len(h.writeBuf) {
			h.writeBuf = append(h.writeBuf, make([]byte, end-len(h.writeBuf))...)
		}
		copy(h.writeBuf[offset-2:end], cmd.Data)
		return statusOnly(StatusOK)

	default:
		return statusOnly(StatusWrongParameters)
	}
}

func (h *EngagementHelper) processNDEFWrite(msg []byte) []byte {
	switch h.state {
	case handoverExpectServiceSelect:
		records, err := ParseMessage(msg)
		if err != nil || len(records) != 1 {
			h.state = handoverNotStarted
			return statusOnly(StatusWrongParameters)
		}
		name, err := serviceSelectName(records[0])
		if err != nil || name != tnepServiceName {
			h.state = handoverNotStarted
			return statusOnly(StatusWrongParameters)
		}
		status, err := tnepStatusSuccess()
		if err != nil {
			h.state = handoverNotStarted
			return statusOnly(StatusWrongParameters)
		}
		h.setNDEFFile(status)
		h.state = handoverExpectHandoverRequest
		h.twoWayOnce.Do(func() { h.emit(Event{Kind: EventTwoWayEngagementDetected}) })
		return statusOnly(StatusOK)

	case handoverExpectHandoverRequest:
		request, err := ParseHandoverRequest(msg)
		if err != nil {
			h.state = handoverNotStarted
			return statusOnly(StatusWrongParameters)
		}
		candidates := engagement.Disambiguate(request.Methods, protocol.RoleMdoc)

		// No carrier choice is surfaced yet; the first candidate wins.
		bound, err := h.startTransports(candidates[:1])
		if err != nil {
			h.state = handoverNotStarted
			h.emit(Event{Kind: EventError, Err: err})
			return statusOnly(StatusWrongParameters)
		}
		selectMsg, err := h.freezeEngagement(bound, msg)
		if err != nil {
			h.state = handoverNotStarted
			h.emit(Event{Kind: EventError, Err: err})
			return statusOnly(StatusWrongParameters)
		}
		h.setNDEFFile(selectMsg)
		h.state = handoverExpectHandoverSelect
		return statusOnly(StatusOK)

	default:
		return statusOnly(StatusWrongParameters)
	}
}

// startTransports builds a transport per method, starts the race, and
// returns the bound connection methods, which may embed endpoint details
// assigned at connect time.
func (h *EngagementHelper) startTransports(methods []engagement.ConnectionMethod) ([]engagement.ConnectionMethod, error) {
	transports := make([]transport.DataTransport, 0, len(methods))
	for _, m := range methods {
		tr, err := transport.New(m, protocol.RoleMdoc, h.opts)
		if err != nil {
			slog.Debug("nfc: skipping connection method", "type", m.Type(), "error", err)
			continue
		}
		transports = append(transports, tr)
	}
	if len(transports) == 0 {
		return nil, fmt.Errorf("no usable transport among %d connection methods", len(methods))
	}

	racer := transport.NewRacer(transports)
	if err := racer.Start(); err != nil {
		return nil, fmt.Errorf("error starting transports: %w", err)
	}
	h.racer = racer
	h.watchRace(racer)

	bound := make([]engagement.ConnectionMethod, len(transports))
	for i, tr := range transports {
		bound[i] = tr.ConnectionMethod()
	}
	return bound, nil
}

func (h *EngagementHelper) watchRace(racer *transport.Racer) {
	if h.racerAttached {
		return
	}
	h.racerAttached = true
	go func() {
		select {
		case <-racer.Connecting():
			h.emit(Event{Kind: EventConnecting})
		case <-h.done:
			return
		}
		select {
		case winner := <-racer.Winner():
			h.winnerHanded.Store(true)
			select {
			case h.events <- Event{Kind: EventConnected, Transport: winner}:
			case <-h.done:
				// Closed before the winner could be handed over.
				winner.Close()
			}
		case <-h.done:
		}
	}()
}

// freezeEngagement computes the device engagement and handover select
// message for the bound methods and freezes the session handover CBOR.
// request is the raw handover request message for negotiated handover, nil
// for static.
func (h *EngagementHelper) freezeEngagement(methods []engagement.ConnectionMethod, request []byte) ([]byte, error) {
	// Connection methods travel in the handover select carriers, not in the
	// device engagement.
	de, err := engagement.NewDeviceEngagement(h.key, nil, nil)
	if err != nil {
		return nil, err
	}
	deBytes, err := de.Encode()
	if err != nil {
		return nil, err
	}

	selectMsg, err := HandoverSelect(methods, deBytes)
	if err != nil {
		return nil, err
	}
	handover, err := session.NFCHandover(selectMsg, request)
	if err != nil {
		return nil, err
	}

	h.deviceEngagement = deBytes
	h.handover = handover
	return selectMsg, nil
}
