// SPDX-FileCopyrightText: (C) 2024 the go-mdoc authors
// SPDX-License-Identifier: Apache 2.0

package engagement

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// QR engagement wraps the encoded DeviceEngagement in a URI rendered as a QR
// code, per ISO/IEC 18013-5 8.2.2.3.
const qrScheme = "mdoc:"

// EncodeQR returns the mdoc URI carrying an encoded DeviceEngagement.
func EncodeQR(deviceEngagement []byte) string {
	return qrScheme + base64.RawURLEncoding.EncodeToString(deviceEngagement)
}

// DecodeQR extracts the encoded DeviceEngagement from an mdoc URI.
func DecodeQR(uri string) ([]byte, error) {
	if !strings.HasPrefix(uri, qrScheme) {
		return nil, fmt.Errorf("not an mdoc URI: %q", uri)
	}
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(uri, qrScheme))
	if err != nil {
		return nil, fmt.Errorf("error decoding mdoc URI: %w", err)
	}
	return data, nil
}
