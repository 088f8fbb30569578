// SPDX-FileCopyrightText: (C) 2024 the go-mdoc authors
// SPDX-License-Identifier: Apache 2.0

package engagement

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/iso-mdoc/go-mdoc/protocol"
)

// MethodType identifies a device retrieval method in DeviceEngagement and
// ReaderEngagement.
//
//	DeviceRetrievalMethod = [
//	    type: uint,
//	    version: uint,
//	    RetrievalOptions
//	]
type MethodType uint64

// Retrieval method types. NFC, BLE and Wi-Fi Aware are assigned by
// ISO/IEC 18013-5; HTTP, TCP and UDP use the values established by the
// reference implementation for 18013-7 and test profiles.
const (
	MethodTypeNFC       MethodType = 1
	MethodTypeBLE       MethodType = 2
	MethodTypeWifiAware MethodType = 3
	MethodTypeHTTP      MethodType = 4
	MethodTypeTCP       MethodType = 10
	MethodTypeUDP       MethodType = 11
)

const methodVersion = 1

// ConnectionMethod is an immutable descriptor of a reachable transport
// endpoint, negotiated via device engagement or NFC handover. The variant set
// is closed: it is fixed by the standard.
type ConnectionMethod interface {
	Type() MethodType

	// Equal reports whether the receiver describes the same endpoint as
	// other.
	Equal(other ConnectionMethod) bool
}

// BLE describes a Bluetooth Low Energy endpoint in either or both of the two
// defined modes. A method used to construct a transport must support exactly
// one mode; see Disambiguate.
type BLE struct {
	SupportsPeripheralServer bool
	SupportsCentralClient    bool

	// Per-mode service UUIDs. Only the UUID for a supported mode is encoded.
	PeripheralServerUUID *uuid.UUID
	CentralClientUUID    *uuid.UUID

	// PSM of an L2CAP channel offered instead of GATT characteristics, if
	// any. Peripheral server mode only.
	PSM *uint32

	// 6-byte device address of the peripheral, if known out-of-band.
	PeripheralServerAddress []byte
}

// Type implements ConnectionMethod.
func (m *BLE) Type() MethodType { return MethodTypeBLE }

// Equal implements ConnectionMethod.
func (m *BLE) Equal(other ConnectionMethod) bool {
	o, ok := other.(*BLE)
	if !ok {
		return false
	}
	return m.SupportsPeripheralServer == o.SupportsPeripheralServer &&
		m.SupportsCentralClient == o.SupportsCentralClient &&
		equalUUIDPtr(m.PeripheralServerUUID, o.PeripheralServerUUID) &&
		equalUUIDPtr(m.CentralClientUUID, o.CentralClientUUID) &&
		equalPtr(m.PSM, o.PSM) &&
		bytes.Equal(m.PeripheralServerAddress, o.PeripheralServerAddress)
}

// ServiceUUID returns the service UUID of a single-mode BLE method.
func (m *BLE) ServiceUUID() (uuid.UUID, error) {
	switch {
	case m.SupportsPeripheralServer && !m.SupportsCentralClient:
		if m.PeripheralServerUUID == nil {
			return uuid.UUID{}, errors.New("peripheral server mode has no service UUID")
		}
		return *m.PeripheralServerUUID, nil
	case m.SupportsCentralClient && !m.SupportsPeripheralServer:
		if m.CentralClientUUID == nil {
			return uuid.UUID{}, errors.New("central client mode has no service UUID")
		}
		return *m.CentralClientUUID, nil
	default:
		return uuid.UUID{}, errors.New("BLE method is not single-mode")
	}
}

// NFC describes retrieval over NFC using command/response APDUs.
type NFC struct {
	MaxCommandLength  uint64
	MaxResponseLength uint64
}

// Type implements ConnectionMethod.
func (m *NFC) Type() MethodType { return MethodTypeNFC }

// Equal implements ConnectionMethod.
func (m *NFC) Equal(other ConnectionMethod) bool {
	o, ok := other.(*NFC)
	return ok && *m == *o
}

// WifiAware describes retrieval over a Wi-Fi Aware (NAN) data path.
type WifiAware struct {
	Passphrase     string
	OperatingClass *uint64
	ChannelNumber  *uint64
	SupportedBands []byte
}

// Type implements ConnectionMethod.
func (m *WifiAware) Type() MethodType { return MethodTypeWifiAware }

// Equal implements ConnectionMethod.
func (m *WifiAware) Equal(other ConnectionMethod) bool {
	o, ok := other.(*WifiAware)
	if !ok {
		return false
	}
	return m.Passphrase == o.Passphrase &&
		equalPtr(m.OperatingClass, o.OperatingClass) &&
		equalPtr(m.ChannelNumber, o.ChannelNumber) &&
		bytes.Equal(m.SupportedBands, o.SupportedBands)
}

// HTTP describes retrieval via HTTP, used by 18013-7 flows.
type HTTP struct {
	URI string
}

// Type implements ConnectionMethod.
func (m *HTTP) Type() MethodType { return MethodTypeHTTP }

// Equal implements ConnectionMethod.
func (m *HTTP) Equal(other ConnectionMethod) bool {
	o, ok := other.(*HTTP)
	return ok && *m == *o
}

// TCP describes retrieval over a plain TCP connection, used for testing.
type TCP struct {
	Host string
	Port uint16
}

// Type implements ConnectionMethod.
func (m *TCP) Type() MethodType { return MethodTypeTCP }

// Equal implements ConnectionMethod.
func (m *TCP) Equal(other ConnectionMethod) bool {
	o, ok := other.(*TCP)
	return ok && *m == *o
}

// UDP describes retrieval over UDP datagrams, used for testing.
type UDP struct {
	Host string
	Port uint16
}

// Type implements ConnectionMethod.
func (m *UDP) Type() MethodType { return MethodTypeUDP }

// Equal implements ConnectionMethod.
func (m *UDP) Equal(other ConnectionMethod) bool {
	o, ok := other.(*UDP)
	return ok && *m == *o
}

// Option map keys for each retrieval method type.
type bleOptions struct {
	SupportsPeripheralServer bool    `cbor:"0,keyasint"`
	SupportsCentralClient    bool    `cbor:"1,keyasint"`
	PeripheralServerUUID     []byte  `cbor:"10,keyasint,omitempty"`
	CentralClientUUID        []byte  `cbor:"11,keyasint,omitempty"`
	PSM                      *uint32 `cbor:"12,keyasint,omitempty"`
	PeripheralServerAddress  []byte  `cbor:"20,keyasint,omitempty"`
}

type nfcOptions struct {
	MaxCommandLength  uint64 `cbor:"0,keyasint"`
	MaxResponseLength uint64 `cbor:"1,keyasint"`
}

type wifiAwareOptions struct {
	Passphrase     string  `cbor:"0,keyasint,omitempty"`
	OperatingClass *uint64 `cbor:"1,keyasint,omitempty"`
	ChannelNumber  *uint64 `cbor:"2,keyasint,omitempty"`
	SupportedBands []byte  `cbor:"3,keyasint,omitempty"`
}

type httpOptions struct {
	URI string `cbor:"0,keyasint"`
}

type hostPortOptions struct {
	Host string `cbor:"0,keyasint"`
	Port uint16 `cbor:"1,keyasint"`
}

type retrievalMethod struct {
	_       struct{} `cbor:",toarray"`
	Type    MethodType
	Version uint64
	Options cbor.RawMessage
}

// EncodeMethod encodes a connection method as a DeviceRetrievalMethod array.
func EncodeMethod(m ConnectionMethod) ([]byte, error) {
	var opts any
	switch m := m.(type) {
	case *BLE:
		o := bleOptions{
			SupportsPeripheralServer: m.SupportsPeripheralServer,
			SupportsCentralClient:    m.SupportsCentralClient,
			PSM:                      m.PSM,
			PeripheralServerAddress:  m.PeripheralServerAddress,
		}
		if m.PeripheralServerUUID != nil {
			o.PeripheralServerUUID = m.PeripheralServerUUID[:]
		}
		if m.CentralClientUUID != nil {
			o.CentralClientUUID = m.CentralClientUUID[:]
		}
		opts = o
	case *NFC:
		opts = nfcOptions{MaxCommandLength: m.MaxCommandLength, MaxResponseLength: m.MaxResponseLength}
	case *WifiAware:
		opts = wifiAwareOptions{
			Passphrase:     m.Passphrase,
			OperatingClass: m.OperatingClass,
			ChannelNumber:  m.ChannelNumber,
			SupportedBands: m.SupportedBands,
		}
	case *HTTP:
		opts = httpOptions{URI: m.URI}
	case *TCP:
		opts = hostPortOptions{Host: m.Host, Port: m.Port}
	case *UDP:
		opts = hostPortOptions{Host: m.Host, Port: m.Port}
	default:
		return nil, fmt.Errorf("unsupported connection method %T", m)
	}
	encodedOpts, err := cbor.Marshal(opts)
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(retrievalMethod{
		Type:    m.Type(),
		Version: methodVersion,
		Options: encodedOpts,
	})
}

// DecodeMethod decodes a DeviceRetrievalMethod array into a connection
// method.
func DecodeMethod(data []byte) (ConnectionMethod, error) {
	var rm retrievalMethod
	if err := cbor.Unmarshal(data, &rm); err != nil {
		return nil, fmt.Errorf("error decoding retrieval method: %w", err)
	}
	if rm.Version != methodVersion {
		return nil, fmt.Errorf("unsupported retrieval method version %d", rm.Version)
	}

	switch rm.Type {
	case MethodTypeBLE:
		var o bleOptions
		if err := cbor.Unmarshal(rm.Options, &o); err != nil {
			return nil, fmt.Errorf("error decoding BLE options: %w", err)
		}
		m := &BLE{
			SupportsPeripheralServer: o.SupportsPeripheralServer,
			SupportsCentralClient:    o.SupportsCentralClient,
			PSM:                      o.PSM,
			PeripheralServerAddress:  o.PeripheralServerAddress,
		}
		if len(o.PeripheralServerUUID) > 0 {
			u, err := uuid.FromBytes(o.PeripheralServerUUID)
			if err != nil {
				return nil, fmt.Errorf("invalid peripheral server UUID: %w", err)
			}
			m.PeripheralServerUUID = &u
		}
		if len(o.CentralClientUUID) > 0 {
			u, err := uuid.FromBytes(o.CentralClientUUID)
			if err != nil {
				return nil, fmt.Errorf("invalid central client UUID: %w", err)
			}
			m.CentralClientUUID = &u
		}
		return m, nil

	case MethodTypeNFC:
		var o nfcOptions
		if err := cbor.Unmarshal(rm.Options, &o); err != nil {
			return nil, fmt.Errorf("error decoding NFC options: %w", err)
		}
		return &NFC{MaxCommandLength: o.MaxCommandLength, MaxResponseLength: o.MaxResponseLength}, nil

	case MethodTypeWifiAware:
		var o wifiAwareOptions
		if err := cbor.Unmarshal(rm.Options, &o); err != nil {
			return nil, fmt.Errorf("error decoding Wi-Fi Aware options: %w", err)
		}
		return &WifiAware{
			Passphrase:     o.Passphrase,
			OperatingClass: o.OperatingClass,
			ChannelNumber:  o.ChannelNumber,
			SupportedBands: o.SupportedBands,
		}, nil

	case MethodTypeHTTP:
		var o httpOptions
		if err := cbor.Unmarshal(rm.Options, &o); err != nil {
			return nil, fmt.Errorf("error decoding HTTP options: %w", err)
		}
		return &HTTP{URI: o.URI}, nil

	case MethodTypeTCP, MethodTypeUDP:
		var o hostPortOptions
		if err := cbor.Unmarshal(rm.Options, &o); err != nil {
			return nil, fmt.Errorf("error decoding host/port options: %w", err)
		}
		if rm.Type == MethodTypeTCP {
			return &TCP{Host: o.Host, Port: o.Port}, nil
		}
		return &UDP{Host: o.Host, Port: o.Port}, nil

	default:
		return nil, fmt.Errorf("unsupported retrieval method type %d", rm.Type)
	}
}

// Disambiguate splits every BLE method advertising both central client and
// peripheral server support into two single-mode methods, so one transport
// can be created and raced per mode. Non-BLE methods pass through unchanged.
// role orders the split pair: the mdoc lists its peripheral server variant
// first, the reader the central client variant it would scan for.
func Disambiguate(methods []ConnectionMethod, role protocol.Role) []ConnectionMethod {
	out := make([]ConnectionMethod, 0, len(methods))
	for _, m := range methods {
		ble, ok := m.(*BLE)
		if !ok || !ble.SupportsPeripheralServer || !ble.SupportsCentralClient {
			out = append(out, m)
			continue
		}
		peripheral := &BLE{
			SupportsPeripheralServer: true,
			PeripheralServerUUID:     ble.PeripheralServerUUID,
			PSM:                      ble.PSM,
			PeripheralServerAddress:  ble.PeripheralServerAddress,
		}
		central := &BLE{
			SupportsCentralClient: true,
			CentralClientUUID:     ble.CentralClientUUID,
		}
		if role == protocol.RoleMdoc {
			out = append(out, peripheral, central)
		} else {
			out = append(out, central, peripheral)
		}
	}
	return out
}

// Combine merges single-mode BLE methods back into one dual-mode method for
// efficient advertising. It is the inverse of Disambiguate: it requires the
// two BLE entries to carry equal service UUIDs and errors otherwise. Non-BLE
// methods pass through unchanged.
func Combine(methods []ConnectionMethod) ([]ConnectionMethod, error) {
	var bles []*BLE
	out := make([]ConnectionMethod, 0, len(methods))
	for _, m := range methods {
		if ble, ok := m.(*BLE); ok {
			bles = append(bles, ble)
			continue
		}
		out = append(out, m)
	}
	switch len(bles) {
	case 0:
		return out, nil
	case 1:
		return append(out, bles[0]), nil
	case 2:
		var peripheral, central *BLE
		for _, ble := range bles {
			switch {
			case ble.SupportsPeripheralServer && !ble.SupportsCentralClient:
				peripheral = ble
			case ble.SupportsCentralClient && !ble.SupportsPeripheralServer:
				central = ble
			default:
				return nil, errors.New("cannot combine: BLE method is not single-mode")
			}
		}
		if peripheral == nil || central == nil {
			return nil, errors.New("cannot combine: need one peripheral server and one central client method")
		}
		if !equalUUIDPtr(peripheral.PeripheralServerUUID, central.CentralClientUUID) {
			return nil, errors.New("cannot combine: service UUIDs differ")
		}
		return append(out, &BLE{
			SupportsPeripheralServer: true,
			SupportsCentralClient:    true,
			PeripheralServerUUID:     peripheral.PeripheralServerUUID,
			CentralClientUUID:        central.CentralClientUUID,
			PSM:                      peripheral.PSM,
			PeripheralServerAddress:  peripheral.PeripheralServerAddress,
		}), nil
	default:
		return nil, fmt.Errorf("cannot combine %d BLE methods", len(bles))
	}
}

func equalUUIDPtr(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
