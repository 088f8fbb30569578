// SPDX-FileCopyrightText: (C) 2024 the go-mdoc authors
// SPDX-License-Identifier: Apache 2.0

package session

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/veraison/go-cose"
)

// EncodeKey encodes an ephemeral session public key (EDeviceKey or
// EReaderKey) as an untagged COSE_Key.
func EncodeKey(key *ecdsa.PublicKey) ([]byte, error) {
	coseKey, err := cose.NewKeyFromPublic(key)
	if err != nil {
		return nil, fmt.Errorf("error converting to COSE_Key: %w", err)
	}
	return coseKey.MarshalCBOR()
}

// DecodeKey decodes an untagged COSE_Key into an EC public key.
func DecodeKey(data []byte) (*ecdsa.PublicKey, error) {
	var coseKey cose.Key
	if err := coseKey.UnmarshalCBOR(data); err != nil {
		return nil, fmt.Errorf("error decoding COSE_Key: %w", err)
	}
	pub, err := coseKey.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("error converting COSE_Key: %w", err)
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("expected an EC2 key, got %T", pub)
	}
	return ecPub, nil
}
