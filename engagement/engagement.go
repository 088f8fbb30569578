// SPDX-FileCopyrightText: (C) 2024 the go-mdoc authors
// SPDX-License-Identifier: Apache 2.0

// Package engagement implements the DeviceEngagement and ReaderEngagement
// structures of ISO/IEC 18013-5 and 18013-7, the connection method
// descriptors they carry, and the QR engagement encoding.
package engagement

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/iso-mdoc/go-mdoc/session"
)

// Engagement versions. Device engagement without origin infos uses "1.0";
// origin infos and reader engagement were introduced with "1.1".
const (
	versionDeviceEngagement = "1.0"
	versionWithOriginInfos  = "1.1"
	versionReaderEngagement = "1.1"
)

// The only cipher suite identifier defined by 18013-5.
const cipherSuiteIdentifier = 1

// OriginInfo identifies the origin that delivered an engagement, per
// ISO/IEC 18013-7. Only the website variant is defined here.
//
//	OriginInfo = {
//	    "cat": uint,
//	    "type": uint,
//	    "Details": OriginInfoDetails
//	}
type OriginInfo struct {
	Cat     uint64          `cbor:"cat"`
	Type    uint64          `cbor:"type"`
	Details cbor.RawMessage `cbor:"Details"`
}

// Origin info categories and types.
const (
	OriginInfoCatDelivered uint64 = 1
	OriginInfoTypeWebsite  uint64 = 1
)

type originInfoWebsiteDetails struct {
	BaseURL string `cbor:"baseUrl"`
}

// NewOriginInfoWebsite builds the origin info for an engagement delivered by
// a website.
func NewOriginInfoWebsite(baseURL string) (OriginInfo, error) {
	details, err := cbor.Marshal(originInfoWebsiteDetails{BaseURL: baseURL})
	if err != nil {
		return OriginInfo{}, err
	}
	return OriginInfo{
		Cat:     OriginInfoCatDelivered,
		Type:    OriginInfoTypeWebsite,
		Details: details,
	}, nil
}

// BaseURL returns the website URL of a website origin info.
func (o OriginInfo) BaseURL() (string, error) {
	if o.Type != OriginInfoTypeWebsite {
		return "", fmt.Errorf("origin info type %d is not a website", o.Type)
	}
	var details originInfoWebsiteDetails
	if err := cbor.Unmarshal(o.Details, &details); err != nil {
		return "", fmt.Errorf("error decoding origin info details: %w", err)
	}
	return details.BaseURL, nil
}

type security struct {
	_           struct{} `cbor:",toarray"`
	CipherSuite int64
	KeyBytes    session.TaggedEncodedCBOR
}

type engagement struct {
	Version          string            `cbor:"0,keyasint"`
	Security         security          `cbor:"1,keyasint"`
	RetrievalMethods []cbor.RawMessage `cbor:"2,keyasint,omitempty"`
	OriginInfos      []OriginInfo      `cbor:"5,keyasint,omitempty"`
}

// Engagement is a decoded DeviceEngagement or ReaderEngagement.
//
//	DeviceEngagement = {
//	    0: tstr,                     ;; Version
//	    1: Security,
//	    ? 2: DeviceRetrievalMethods,
//	    ? 5: OriginInfos
//	}
//	Security = [ 1, EDeviceKeyBytes ]
type Engagement struct {
	Version string

	// KeyBytes is the encoded COSE_Key of the ephemeral engagement key
	// (EDeviceKey or EReaderKey). The exact bytes must be preserved, as they
	// enter the session transcript.
	KeyBytes []byte

	ConnectionMethods []ConnectionMethod
	OriginInfos       []OriginInfo
}

// Key decodes the ephemeral public key the engagement advertises.
func (e *Engagement) Key() (*ecdsa.PublicKey, error) {
	return session.DecodeKey(e.KeyBytes)
}

// NewDeviceEngagement builds a DeviceEngagement for the given ephemeral key.
// Connection methods are optional for NFC engagement, where they travel in
// the handover messages instead. Origin infos are only set for 18013-7
// reverse engagement.
func NewDeviceEngagement(key *ecdsa.PublicKey, methods []ConnectionMethod, originInfos []OriginInfo) (*Engagement, error) {
	keyBytes, err := session.EncodeKey(key)
	if err != nil {
		return nil, err
	}
	version := versionDeviceEngagement
	if len(originInfos) > 0 {
		version = versionWithOriginInfos
	}
	return &Engagement{
		Version:           version,
		KeyBytes:          keyBytes,
		ConnectionMethods: methods,
		OriginInfos:       originInfos,
	}, nil
}

// NewReaderEngagement builds a ReaderEngagement for 18013-7 reverse
// engagement.
func NewReaderEngagement(key *ecdsa.PublicKey, methods []ConnectionMethod) (*Engagement, error) {
	keyBytes, err := session.EncodeKey(key)
	if err != nil {
		return nil, err
	}
	if len(methods) == 0 {
		return nil, errors.New("reader engagement requires at least one connection method")
	}
	return &Engagement{
		Version:           versionReaderEngagement,
		KeyBytes:          keyBytes,
		ConnectionMethods: methods,
	}, nil
}

// Encode encodes the engagement. The result is what gets wrapped into
// DeviceEngagementBytes or ReaderEngagementBytes.
func (e *Engagement) Encode() ([]byte, error) {
	enc := engagement{
		Version: e.Version,
		Security: security{
			CipherSuite: cipherSuiteIdentifier,
			KeyBytes:    e.KeyBytes,
		},
		OriginInfos: e.OriginInfos,
	}
	for _, m := range e.ConnectionMethods {
		encoded, err := EncodeMethod(m)
		if err != nil {
			return nil, err
		}
		enc.RetrievalMethods = append(enc.RetrievalMethods, encoded)
	}
	return cbor.Marshal(enc)
}

// Decode decodes a DeviceEngagement or ReaderEngagement.
func Decode(data []byte) (*Engagement, error) {
	var enc engagement
	if err := cbor.Unmarshal(data, &enc); err != nil {
		return nil, fmt.Errorf("error decoding engagement: %w", err)
	}
	if enc.Security.CipherSuite != cipherSuiteIdentifier {
		return nil, fmt.Errorf("unsupported cipher suite identifier %d", enc.Security.CipherSuite)
	}
	e := &Engagement{
		Version:     enc.Version,
		KeyBytes:    enc.Security.KeyBytes,
		OriginInfos: enc.OriginInfos,
	}
	for _, encoded := range enc.RetrievalMethods {
		m, err := DecodeMethod(encoded)
		if err != nil {
			return nil, err
		}
		e.ConnectionMethods = append(e.ConnectionMethods, m)
	}
	return e, nil
}
