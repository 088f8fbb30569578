// SPDX-FileCopyrightText: (C) 2024 the go-mdoc authors
// SPDX-License-Identifier: Apache 2.0

// Package ble implements the BLE data transports over injected radio
// primitives. Two channel types are supported: the GATT characteristic
// scheme with its chunked state/data characteristics, and an L2CAP
// connection-oriented channel when the connection method carries a PSM.
//
// The radio itself (scanning, advertising, pairing-free connection setup) is
// platform code and is injected through the Platform struct, keeping this
// package free of HCI details.
package ble

import (
	"errors"
	"fmt"
	"net"

	"github.com/google/uuid"

	"github.com/iso-mdoc/go-mdoc/engagement"
	"github.com/iso-mdoc/go-mdoc/protocol"
	"github.com/iso-mdoc/go-mdoc/transport"
)

// GattConn is an established GATT link to the peer, produced by a Central or
// Peripheral. Inbound traffic is delivered through the GattEvents sink passed
// at connection time.
type GattConn interface {
	// WriteChunk writes one chunk to the outbound data characteristic. The
	// chunk already carries its more-follows prefix byte and fits the
	// negotiated MTU.
	WriteChunk(chunk []byte) error

	// MTU is the negotiated ATT MTU for the link.
	MTU() int

	// SendTermination writes the session termination code to the state
	// characteristic.
	SendTermination() error

	Close() error
}

// GattEvents is the sink the platform delivers link events into.
type GattEvents interface {
	// ChunkReceived delivers one inbound data characteristic chunk,
	// prefix byte included. The slice is not retained.
	ChunkReceived(chunk []byte)

	// PeerDisconnected reports that the link dropped.
	PeerDisconnected()

	// TerminationReceived reports the session termination code on the state
	// characteristic.
	TerminationReceived()
}

// Central scans for a peripheral advertising the service UUID and connects
// to it, blocking until the link is up.
type Central interface {
	Connect(service uuid.UUID, events GattEvents) (GattConn, error)
}

// Peripheral advertises the service UUID and blocks until a central
// connects.
type Peripheral interface {
	Advertise(service uuid.UUID, events GattEvents) (GattConn, error)
}

// L2CAPDialer opens a connection-oriented channel to the peripheral at the
// given PSM. The address is the 6-byte device address from the connection
// method, if known.
type L2CAPDialer interface {
	Dial(psm uint32, address []byte) (net.Conn, error)
}

// L2CAPListener registers a connection-oriented channel server. Listen
// returns the assigned PSM; Accept blocks for the single inbound channel.
type L2CAPListener interface {
	Listen() (psm uint32, err error)
	Accept() (net.Conn, error)
	Close() error
}

// Platform supplies the radio primitives the transports are built on. Only
// the fields for the roles and channel types in use need to be set.
type Platform struct {
	Central    Central
	Peripheral Peripheral

	// L2CAP endpoints. When the connection method carries a PSM and the
	// matching endpoint is set, the L2CAP channel is used instead of GATT
	// characteristics.
	L2CAPDialer   L2CAPDialer
	L2CAPListener L2CAPListener
}

// New constructs the BLE transport for a single-mode connection method.
// The acting radio side follows from the method's mode and the session role:
// in peripheral server mode the mdoc is the peripheral, in central client
// mode the reader is.
func New(method *engagement.BLE, role protocol.Role, platform Platform) (transport.DataTransport, error) {
	if method.SupportsCentralClient == method.SupportsPeripheralServer {
		return nil, transport.ErrAmbiguousBLEMethod
	}

	isPeripheral := (role == protocol.RoleMdoc && method.SupportsPeripheralServer) ||
		(role == protocol.RoleMdocReader && method.SupportsCentralClient)

	if method.PSM != nil || (isPeripheral && platform.L2CAPListener != nil) {
		if isPeripheral {
			if platform.L2CAPListener == nil {
				return nil, errors.New("BLE method offers L2CAP but no listener is wired")
			}
			return newL2CAPServer(method, role, platform.L2CAPListener), nil
		}
		if platform.L2CAPDialer == nil {
			return nil, errors.New("BLE method offers L2CAP but no dialer is wired")
		}
		return newL2CAPClient(method, role, platform.L2CAPDialer), nil
	}

	if isPeripheral {
		if platform.Peripheral == nil {
			return nil, fmt.Errorf("%w: no BLE peripheral wiring", transport.ErrUnsupportedMethod)
		}
		return newGatt(method, role, gattLink{peripheral: platform.Peripheral}), nil
	}
	if platform.Central == nil {
		return nil, fmt.Errorf("%w: no BLE central wiring", transport.ErrUnsupportedMethod)
	}
	return newGatt(method, role, gattLink{central: platform.Central}), nil
}

// outbound is a writer-channel item; shutdown items end the writer without
// touching queued payloads behind them.
type outbound struct {
	payload  []byte
	shutdown bool
}

const outboundBuffer = 64

func requestShutdown(out chan<- outbound) {
	select {
	case out <- outbound{shutdown: true}:
	default:
	}
}
