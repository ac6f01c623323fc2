/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package multitenant

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hyperledger/aries-framework-go/component/storageutil/mem"
	"github.com/hyperledger/aries-framework-go/spi/storage"
)

// ErrProfileNotProvisioned is returned when a tenant profile is opened
// without provisioning and its backing store does not exist yet.
var ErrProfileNotProvisioned = errors.New("tenant profile not provisioned")

// Profile is a live handle on one tenant: its effective settings and its
// opened storage partition.
type Profile struct {
	WalletID string
	Settings map[string]interface{}
	Storage  storage.Provider
}

// ProfileOpener opens and destroys the storage partitions backing tenant
// profiles.
type ProfileOpener interface {
	// Open returns the tenant's storage partition. With provision set the
	// partition is created if missing; provisioning an existing partition
	// is a no-op. Without provision a missing partition fails with
	// ErrProfileNotProvisioned.
	Open(walletID string, settings map[string]interface{}, provision bool) (storage.Provider, error)

	// Remove destroys the tenant's storage partition.
	Remove(walletID string) error
}

// MemProfileOpener keeps every tenant partition in memory. It is the
// default opener and the one used in tests.
type MemProfileOpener struct {
	mu         sync.Mutex
	partitions map[string]*mem.Provider
}

// NewMemProfileOpener returns an opener with no partitions.
func NewMemProfileOpener() *MemProfileOpener {
	return &MemProfileOpener{partitions: map[string]*mem.Provider{}}
}

// Open implements ProfileOpener.
func (o *MemProfileOpener) Open(walletID string, _ map[string]interface{},
	provision bool) (storage.Provider, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if partition, ok := o.partitions[walletID]; ok {
		return partition, nil
	}

	if !provision {
		return nil, fmt.Errorf("wallet %s: %w", walletID, ErrProfileNotProvisioned)
	}

	partition := mem.NewProvider()
	o.partitions[walletID] = partition

	return partition, nil
}

// Remove implements ProfileOpener.
func (o *MemProfileOpener) Remove(walletID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	partition, ok := o.partitions[walletID]
	if !ok {
		return nil
	}

	delete(o.partitions, walletID)

	if err := partition.Close(); err != nil {
		return fmt.Errorf("close tenant partition: %w", err)
	}

	return nil
}
