// SPDX-FileCopyrightText: (C) 2024 the go-mdoc authors
// SPDX-License-Identifier: Apache 2.0

package transport

import (
	"fmt"

	"github.com/iso-mdoc/go-mdoc/engagement"
	"github.com/iso-mdoc/go-mdoc/protocol"
)

// Options injects the platform primitives some transports are built on. The
// connection method variant set is closed, so there is no open registration:
// radio-backed variants are wired through typed constructor hooks instead.
type Options struct {
	// BLE constructs the BLE transport for a single-mode BLE method. Set by
	// callers wiring platform GATT/L2CAP primitives (see the ble
	// subpackage).
	BLE func(method *engagement.BLE, role protocol.Role) (DataTransport, error)

	// WifiAware constructs the Wi-Fi Aware transport from a NAN socket
	// provider.
	WifiAware func(method *engagement.WifiAware, role protocol.Role) (DataTransport, error)

	// NFCTag is the transceiver for the reader role of the NFC data
	// transport.
	NFCTag Transceiver
}

// New constructs the transport for a connection method. BLE methods must be
// disambiguated to a single mode first.
func New(method engagement.ConnectionMethod, role protocol.Role, opts Options) (DataTransport, error) {
	switch m := method.(type) {
	case *engagement.BLE:
		if m.SupportsCentralClient == m.SupportsPeripheralServer {
			return nil, ErrAmbiguousBLEMethod
		}
		if opts.BLE == nil {
			return nil, fmt.Errorf("%w: no BLE platform wiring", ErrUnsupportedMethod)
		}
		return opts.BLE(m, role)

	case *engagement.WifiAware:
		if opts.WifiAware == nil {
			return nil, fmt.Errorf("%w: no Wi-Fi Aware platform wiring", ErrUnsupportedMethod)
		}
		return opts.WifiAware(m, role)

	case *engagement.NFC:
		t := NewNFC(m, role)
		t.Tag = opts.NFCTag
		return t, nil

	case *engagement.HTTP:
		return NewHTTP(m, role)

	case *engagement.TCP:
		return NewTCP(m, role), nil

	case *engagement.UDP:
		return NewUDP(m, role), nil

	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedMethod, method)
	}
}
