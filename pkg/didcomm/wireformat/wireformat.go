/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package wireformat reads routing information from packed envelopes
// without attempting decryption. The envelope encryption format itself is
// owned by the packer service; this package only understands enough of the
// outer structure to name the intended recipients.
package wireformat

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidEnvelope indicates that the raw message is not a packed
// envelope this format understands.
var ErrInvalidEnvelope = errors.New("invalid packed envelope")

// WireFormat determines the candidate recipient keys of a packed envelope.
type WireFormat interface {
	RecipientKeys(envelope []byte) ([]string, error)
}

// PackedFormat reads recipient key IDs from the base64url JWE protected
// header of a packed message.
type PackedFormat struct{}

// NewPackedFormat returns a PackedFormat.
func NewPackedFormat() *PackedFormat {
	return &PackedFormat{}
}

// RecipientKeys returns the recipient kids named in the envelope's
// protected header.
func (f *PackedFormat) RecipientKeys(envelope []byte) ([]string, error) {
	var env struct {
		Protected string `json:"protected"`
	}

	if err := json.Unmarshal(envelope, &env); err != nil {
		return nil, fmt.Errorf("%w: parse envelope: %s", ErrInvalidEnvelope, err)
	}

	if env.Protected == "" {
		return nil, fmt.Errorf("%w: missing protected header", ErrInvalidEnvelope)
	}

	raw, err := decodeB64URL(env.Protected)
	if err != nil {
		return nil, fmt.Errorf("%w: decode protected header: %s", ErrInvalidEnvelope, err)
	}

	var protected struct {
		Recipients []struct {
			Header struct {
				KID string `json:"kid"`
			} `json:"header"`
		} `json:"recipients"`
	}

	if err := json.Unmarshal(raw, &protected); err != nil {
		return nil, fmt.Errorf("%w: parse protected header: %s", ErrInvalidEnvelope, err)
	}

	var keys []string

	for _, recipient := range protected.Recipients {
		if recipient.Header.KID != "" {
			keys = append(keys, recipient.Header.KID)
		}
	}

	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no recipients in protected header", ErrInvalidEnvelope)
	}

	return keys, nil
}

// decodeB64URL accepts both padded and unpadded base64url, since peers
// differ on which they emit.
func decodeB64URL(s string) ([]byte, error) {
	if decoded, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return decoded, nil
	}

	return base64.URLEncoding.DecodeString(s)
}
