/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package didcomm provides test doubles for the messaging boundaries.
package didcomm

import "sync"

// SentMessage is one message captured by MockOutbound.
type SentMessage struct {
	Msg          interface{}
	ConnectionID string
}

// MockOutbound records every message handed to it for delivery.
type MockOutbound struct {
	mu      sync.Mutex
	sent    []SentMessage
	SendErr error
}

// SendToConnection captures the message, or fails with SendErr if set.
func (m *MockOutbound) SendToConnection(msg interface{}, connectionID string) error {
	if m.SendErr != nil {
		return m.SendErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.sent = append(m.sent, SentMessage{Msg: msg, ConnectionID: connectionID})

	return nil
}

// Sent returns the messages captured so far.
func (m *MockOutbound) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]SentMessage, len(m.sent))
	copy(out, m.sent)

	return out
}

// MockWireFormat returns fixed recipient keys for any envelope.
type MockWireFormat struct {
	RecipientKeysValue []string
	RecipientKeysErr   error
}

// RecipientKeys returns the configured keys or error.
func (m *MockWireFormat) RecipientKeys([]byte) ([]string, error) {
	return m.RecipientKeysValue, m.RecipientKeysErr
}
