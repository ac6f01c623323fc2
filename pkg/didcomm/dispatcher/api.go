/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package dispatcher defines the outbound message routing boundary.
// Implementations own transports, retries and timeouts; protocol services
// hand over a message and a target connection and nothing more.
package dispatcher

// Outbound delivers a protocol message to the peer on the other end of the
// identified connection.
type Outbound interface {
	SendToConnection(msg interface{}, connectionID string) error
}
