/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package wallet defines the key-management boundary consumed by the
// protocol services. Only DID/verkey creation is modelled here; envelope
// crypto lives behind its own collaborator.
package wallet

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/btcsuite/btcutil/base58"
)

// didLength is the number of verkey bytes used to derive the DID.
const didLength = 16

// DIDInfo describes a DID held in the wallet along with its verification key.
type DIDInfo struct {
	DID      string                 `json:"did"`
	VerKey   string                 `json:"verkey"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Creator creates local DIDs and exposes the agent's public DID, if any.
type Creator interface {
	CreateLocalDID(metadata map[string]interface{}) (*DIDInfo, error)
	GetPublicDID() (*DIDInfo, error)
}

// LocalCreator is an in-process Creator backed by freshly generated
// ed25519 keys.
type LocalCreator struct {
	mu        sync.RWMutex
	publicDID *DIDInfo
}

// NewLocalCreator returns a LocalCreator with no public DID set.
func NewLocalCreator() *LocalCreator {
	return &LocalCreator{}
}

// CreateLocalDID generates an ed25519 key pair and derives the DID from the
// first 16 bytes of the base58 verkey.
func (c *LocalCreator) CreateLocalDID(metadata map[string]interface{}) (*DIDInfo, error) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}

	return &DIDInfo{
		DID:      base58.Encode(pub[:didLength]),
		VerKey:   base58.Encode(pub),
		Metadata: metadata,
	}, nil
}

// GetPublicDID returns the configured public DID, or nil if none is set.
func (c *LocalCreator) GetPublicDID() (*DIDInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.publicDID, nil
}

// SetPublicDID sets the agent's public DID.
func (c *LocalCreator) SetPublicDID(info *DIDInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.publicDID = info
}
