/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package provider mocks the dependency bundle the protocol services are
// initialized from.
package provider

import (
	"github.com/hyperledger/aries-framework-go/spi/storage"

	"github.com/openclave/cloudagent/pkg/didcomm/dispatcher"
	"github.com/openclave/cloudagent/pkg/wallet"
)

// Provider mocks the dependencies needed for service initialization.
type Provider struct {
	StorageProviderValue    storage.Provider
	OutboundDispatcherValue dispatcher.Outbound
	RouterEndpointValue     string
	WalletValue             wallet.Creator
}

// StorageProvider returns the mock storage provider.
func (p *Provider) StorageProvider() storage.Provider {
	return p.StorageProviderValue
}

// OutboundDispatcher returns the mock outbound dispatcher.
func (p *Provider) OutboundDispatcher() dispatcher.Outbound {
	return p.OutboundDispatcherValue
}

// RouterEndpoint returns the configured router endpoint.
func (p *Provider) RouterEndpoint() string {
	return p.RouterEndpointValue
}

// Wallet returns the mock wallet.
func (p *Provider) Wallet() wallet.Creator {
	return p.WalletValue
}
