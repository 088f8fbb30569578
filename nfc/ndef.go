// SPDX-FileCopyrightText: (C) 2024 the go-mdoc authors
// SPDX-License-Identifier: Apache 2.0

package nfc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"

	"github.com/iso-mdoc/go-mdoc/engagement"
)

// NDEF record header flags and the TNF field mask.
const (
	flagMessageBegin = 0x80
	flagMessageEnd   = 0x40
	flagChunked      = 0x20
	flagShortRecord  = 0x10
	flagIDPresent    = 0x08
	tnfMask          = 0x07
)

// Type name formats.
const (
	tnfWellKnown = 0x01
	tnfMIME      = 0x02
	tnfExternal  = 0x04
)

// Record is one NDEF record. Chunked records are not supported.
type Record struct {
	TNF     byte
	Type    []byte
	ID      []byte
	Payload []byte
}

// Message is an ordered NDEF message.
type Message []Record

// Encode serializes the message, setting the begin/end flags on the first
// and last records.
func (m Message) Encode() ([]byte, error) {
	if len(m) == 0 {
		return nil, errors.New("cannot encode an empty NDEF message")
	}
	var buf bytes.Buffer
	for i, r := range m {
		header := r.TNF & tnfMask
		if i == 0 {
			header |= flagMessageBegin
		}
		if i == len(m)-1 {
			header |= flagMessageEnd
		}
		short := len(r.Payload) <= 0xff
		if short {
			header |= flagShortRecord
		}
		if len(r.ID) > 0 {
			header |= flagIDPresent
		}
		if len(r.Type) > 0xff || len(r.ID) > 0xff {
			return nil, errors.New("NDEF type or ID field too long")
		}

		buf.WriteByte(header)
		buf.WriteByte(byte(len(r.Type)))
		if short {
			buf.WriteByte(byte(len(r.Payload)))
		} else {
			_ = binary.Write(&buf, binary.BigEndian, uint32(len(r.Payload)))
		}
		if len(r.ID) > 0 {
			buf.WriteByte(byte(len(r.ID)))
		}
		buf.Write(r.Type)
		buf.Write(r.ID)
		buf.Write(r.Payload)
	}
	return buf.Bytes(), nil
}

// ParseMessage decodes an NDEF message into its records.
func ParseMessage(data []byte) (Message, error) {
	var msg Message
	for len(data) > 0 {
		if len(data) < 2 {
			return nil, errors.New("truncated NDEF record header")
		}
		header := data[0]
		if header&flagChunked != 0 {
			return nil, errors.New("chunked NDEF records are not supported")
		}
		typeLen := int(data[1])
		data = data[2:]

		var payloadLen int
		if header&flagShortRecord != 0 {
			if len(data) < 1 {
				return nil, errors.New("truncated NDEF payload length")
			}
			payloadLen = int(data[0])
			data = data[1:]
		} else {
			if len(data) < 4 {
				return nil, errors.New("truncated NDEF payload length")
			}
			payloadLen = int(binary.BigEndian.Uint32(data))
			data = data[4:]
		}

		idLen := 0
		if header&flagIDPresent != 0 {
			if len(data) < 1 {
				return nil, errors.New("truncated NDEF ID length")
			}
			idLen = int(data[0])
			data = data[1:]
		}

		if len(data) < typeLen+idLen+payloadLen {
			return nil, errors.New("truncated NDEF record body")
		}
		r := Record{TNF: header & tnfMask}
		r.Type, data = data[:typeLen:typeLen], data[typeLen:]
		r.ID, data = data[:idLen:idLen], data[idLen:]
		r.Payload, data = data[:payloadLen:payloadLen], data[payloadLen:]
		msg = append(msg, r)

		if header&flagMessageEnd != 0 {
			break
		}
	}
	return msg, nil
}

// isWellKnown reports whether the record has the given well-known type.
func (r Record) isWellKnown(typ string) bool {
	return r.TNF == tnfWellKnown && string(r.Type) == typ
}

// TNEP over the connection handover service (negotiated handover).
const (
	tnepServiceName = "urn:nfc:sn:handover"
	tnepVersion     = 0x10

	// Single-response communication mode, waiting time and extension
	// parameters of the service parameter record.
	tnepCommunicationMode = 0x00
	tnepMinWaitingTime    = 8
	tnepMaxExtensions     = 15
)

// serviceParameterRecord advertises the connection handover TNEP service.
func serviceParameterRecord(maxMessageSize uint16) Record {
	payload := []byte{tnepVersion, byte(len(tnepServiceName))}
	payload = append(payload, tnepServiceName...)
	payload = append(payload, tnepCommunicationMode, tnepMinWaitingTime, tnepMaxExtensions)
	payload = binary.BigEndian.AppendUint16(payload, maxMessageSize)
	return Record{TNF: tnfWellKnown, Type: []byte("Tp"), Payload: payload}
}

// serviceSelectName extracts the service name from a TNEP service select
// record.
func serviceSelectName(r Record) (string, error) {
	if !r.isWellKnown("Ts") {
		return "", errors.New("not a TNEP service select record")
	}
	if len(r.Payload) < 1 || int(r.Payload[0]) != len(r.Payload)-1 {
		return "", errors.New("malformed TNEP service select payload")
	}
	return string(r.Payload[1:]), nil
}

// tnepStatusSuccess is the TNEP status message acknowledging service
// selection.
func tnepStatusSuccess() ([]byte, error) {
	return Message{{TNF: tnfWellKnown, Type: []byte("Te"), Payload: []byte{0x00}}}.Encode()
}

// Connection handover (NFC Forum CH 1.5).
const handoverVersion = 0x15

// deviceEngagementRecordType is the external record carrying the device
// engagement CBOR in a handover select message. Its ID is referenced as
// auxiliary data by each alternative carrier record.
const (
	deviceEngagementRecordType = "iso.org:18013:deviceengagement"
	deviceEngagementRecordID   = "mdoc"
)

// HandoverRequest is a parsed handover request message.
type HandoverRequest struct {
	Methods []engagement.ConnectionMethod
}

// ParseHandoverRequest decodes a handover request message: a well-known "Hr"
// record plus at least one carrier record decodable into a connection
// method. Carrier records of unknown shape are skipped.
func ParseHandoverRequest(data []byte) (*HandoverRequest, error) {
	msg, err := ParseMessage(data)
	if err != nil {
		return nil, fmt.Errorf("error parsing handover request: %w", err)
	}
	if len(msg) < 2 {
		return nil, fmt.Errorf("handover request has %d records, need at least 2", len(msg))
	}

	var sawRequest bool
	var methods []engagement.ConnectionMethod
	for _, r := range msg {
		switch {
		case r.isWellKnown("Hr"):
			if len(r.Payload) < 1 || r.Payload[0] != handoverVersion {
				return nil, fmt.Errorf("unsupported handover version % x", r.Payload[:min(len(r.Payload), 1)])
			}
			sawRequest = true

		case r.TNF == tnfMIME || r.TNF == tnfExternal:
			method, err := methodFromCarrier(r)
			if err != nil {
				slog.Debug("nfc: skipping carrier record", "type", string(r.Type), "error", err)
				continue
			}
			methods = append(methods, method)
		}
	}
	if !sawRequest {
		return nil, errors.New("handover request record missing")
	}
	if len(methods) == 0 {
		return nil, errors.New("handover request carries no usable carrier")
	}
	return &HandoverRequest{Methods: methods}, nil
}

// HandoverSelect builds a handover select message advertising the given
// connection methods and embedding the device engagement CBOR.
func HandoverSelect(methods []engagement.ConnectionMethod, deviceEngagement []byte) ([]byte, error) {
	if len(methods) == 0 {
		return nil, errors.New("handover select requires at least one connection method")
	}

	var acs Message
	var carriers Message
	for i, method := range methods {
		ref := strconv.Itoa(i)
		carrier, err := carrierFor(method, ref)
		if err != nil {
			return nil, err
		}
		carriers = append(carriers, carrier)
		acs = append(acs, alternativeCarrier(ref))
	}
	embedded, err := acs.Encode()
	if err != nil {
		return nil, err
	}

	msg := Message{{
		TNF:     tnfWellKnown,
		Type:    []byte("Hs"),
		Payload: append([]byte{handoverVersion}, embedded...),
	}}
	msg = append(msg, carriers...)
	msg = append(msg, Record{
		TNF:     tnfExternal,
		Type:    []byte(deviceEngagementRecordType),
		ID:      []byte(deviceEngagementRecordID),
		Payload: deviceEngagement,
	})
	return msg.Encode()
}

// alternativeCarrier builds an "ac" record referencing a carrier
// configuration record and the device engagement auxiliary record.
func alternativeCarrier(ref string) Record {
	payload := []byte{0x01} // carrier power state: active
	payload = append(payload, byte(len(ref)))
	payload = append(payload, ref...)
	payload = append(payload, 0x01, byte(len(deviceEngagementRecordID)))
	payload = append(payload, deviceEngagementRecordID...)
	return Record{TNF: tnfWellKnown, Type: []byte("ac"), Payload: payload}
}

// Carrier configuration record types.
const (
	bleOOBRecordType = "application/vnd.bluetooth.le.oob"
	nfcRecordType    = "iso.org:18013:nfc"
)

// LTV types inside a Bluetooth LE OOB block.
const (
	oobTypeServiceUUID = 0x07 // 128-bit UUID, little-endian
	oobTypeMACAddress  = 0x1b // 6 bytes
	oobTypeLERole      = 0x1c
	oobTypePSM         = 0x77 // big-endian uint32
)

// LE role values. The role describes the mdoc's side of the link.
const (
	leRolePeripheral     = 0x00
	leRoleCentral        = 0x01
	leRoleBothPeripheral = 0x02
	leRoleBothCentral    = 0x03
)

// carrierFor encodes a connection method as a carrier configuration record
// with the given ID.
func carrierFor(method engagement.ConnectionMethod, ref string) (Record, error) {
	switch m := method.(type) {
	case *engagement.BLE:
		payload, err := encodeBLEOOB(m)
		if err != nil {
			return Record{}, err
		}
		return Record{TNF: tnfMIME, Type: []byte(bleOOBRecordType), ID: []byte(ref), Payload: payload}, nil

	case *engagement.NFC:
		payload := []byte{0x01}
		payload = binary.BigEndian.AppendUint32(payload, uint32(m.MaxCommandLength))
		payload = binary.BigEndian.AppendUint32(payload, uint32(m.MaxResponseLength))
		return Record{TNF: tnfExternal, Type: []byte(nfcRecordType), ID: []byte(ref), Payload: payload}, nil

	default:
		return Record{}, fmt.Errorf("no carrier record encoding for connection method type %d", method.Type())
	}
}

// methodFromCarrier decodes a carrier configuration record into a connection
// method.
func methodFromCarrier(r Record) (engagement.ConnectionMethod, error) {
	switch string(r.Type) {
	case bleOOBRecordType:
		return decodeBLEOOB(r.Payload)

	case nfcRecordType:
		if len(r.Payload) != 9 || r.Payload[0] != 0x01 {
			return nil, errors.New("malformed NFC carrier payload")
		}
		return &engagement.NFC{
			MaxCommandLength:  uint64(binary.BigEndian.Uint32(r.Payload[1:5])),
			MaxResponseLength: uint64(binary.BigEndian.Uint32(r.Payload[5:9])),
		}, nil

	default:
		return nil, fmt.Errorf("unknown carrier record type %q", string(r.Type))
	}
}

func encodeBLEOOB(m *engagement.BLE) ([]byte, error) {
	var role byte
	var serviceUUID *uuid.UUID
	switch {
	case m.SupportsPeripheralServer && m.SupportsCentralClient:
		role = leRoleBothPeripheral
		serviceUUID = m.PeripheralServerUUID
	case m.SupportsPeripheralServer:
		role = leRolePeripheral
		serviceUUID = m.PeripheralServerUUID
	case m.SupportsCentralClient:
		role = leRoleCentral
		serviceUUID = m.CentralClientUUID
	default:
		return nil, errors.New("BLE method supports no mode")
	}

	payload := []byte{2, oobTypeLERole, role}
	if serviceUUID != nil {
		payload = append(payload, 17, oobTypeServiceUUID)
		payload = append(payload, reverse16(*serviceUUID)...)
	}
	if m.PSM != nil {
		payload = append(payload, 5, oobTypePSM)
		payload = binary.BigEndian.AppendUint32(payload, *m.PSM)
	}
	if len(m.PeripheralServerAddress) == 6 {
		payload = append(payload, 7, oobTypeMACAddress)
		payload = append(payload, m.PeripheralServerAddress...)
	}
	return payload, nil
}

// decodeBLEOOB parses a Bluetooth LE OOB block. Sub-records appear in any
// order; unknown types are skipped by length.
func decodeBLEOOB(payload []byte) (*engagement.BLE, error) {
	m := &engagement.BLE{}
	var serviceUUID *uuid.UUID
	sawRole := false

	for len(payload) > 0 {
		length := int(payload[0])
		if length == 0 || len(payload) < 1+length {
			return nil, errors.New("malformed LE OOB sub-record")
		}
		typ, value := payload[1], payload[2:1+length]
		payload = payload[1+length:]

		switch typ {
		case oobTypeLERole:
			if len(value) != 1 {
				return nil, errors.New("malformed LE role sub-record")
			}
			sawRole = true
			switch value[0] {
			case leRolePeripheral:
				m.SupportsPeripheralServer = true
			case leRoleCentral:
				m.SupportsCentralClient = true
			case leRoleBothPeripheral, leRoleBothCentral:
				m.SupportsPeripheralServer = true
				m.SupportsCentralClient = true
			default:
				return nil, fmt.Errorf("unknown LE role %#x", value[0])
			}

		case oobTypeServiceUUID:
			if len(value) != 16 {
				return nil, errors.New("LE OOB service UUID is not 128-bit")
			}
			var le uuid.UUID
			copy(le[:], value)
			id := reverseUUID(le)
			serviceUUID = &id

		case oobTypePSM:
			if len(value) != 4 {
				return nil, errors.New("malformed PSM sub-record")
			}
			psm := binary.BigEndian.Uint32(value)
			m.PSM = &psm

		case oobTypeMACAddress:
			if len(value) != 6 {
				return nil, errors.New("malformed device address sub-record")
			}
			m.PeripheralServerAddress = append([]byte(nil), value...)

		default:
			// Forward compatible: skip unknown sub-records.
		}
	}

	if !sawRole {
		return nil, errors.New("LE OOB block has no LE role")
	}
	// Dual-role carriers advertise a single UUID for both modes.
	if m.SupportsPeripheralServer {
		m.PeripheralServerUUID = serviceUUID
	}
	if m.SupportsCentralClient {
		m.CentralClientUUID = serviceUUID
	}
	return m, nil
}

// reverse16 returns the UUID bytes in Bluetooth little-endian order.
func reverse16(id uuid.UUID) []byte {
	out := make([]byte, 16)
	for i := range out {
		out[i] = id[15-i]
	}
	return out
}

func reverseUUID(le uuid.UUID) uuid.UUID {
	var id uuid.UUID
	for i := range id {
		id[i] = le[15-i]
	}
	return id
}
