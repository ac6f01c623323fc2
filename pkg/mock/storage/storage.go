/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package storage

import (
	mockstore "github.com/hyperledger/aries-framework-go/component/storageutil/mock/storage"
	"github.com/hyperledger/aries-framework-go/spi/storage"
)

// MockStoreProvider mock store provider.
type MockStoreProvider = mockstore.MockStoreProvider

// MockStore mock store with per-operation error injection.
type MockStore = mockstore.MockStore

// DBEntry is a value plus optional tags that are associated with some key.
type DBEntry = mockstore.DBEntry

// NewMockStoreProvider new store provider instance.
func NewMockStoreProvider() *MockStoreProvider {
	return mockstore.NewMockStoreProvider()
}

// NewCustomMockStoreProvider new mock store provider instance from an
// existing store.
func NewCustomMockStoreProvider(customStore storage.Store) *MockStoreProvider {
	return mockstore.NewCustomMockStoreProvider(customStore)
}
