/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package multitenant hosts many tenant wallets inside one agent process:
// tenant record storage, per-tenant profile lifecycle, auth token issuance,
// and recipient-key based resolution of inbound messages to tenants.
package multitenant

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Key management modes. A managed wallet's key is stored by the agent; an
// unmanaged wallet's key is supplied by the tenant on every request and is
// never persisted.
const (
	KeyManagementModeManaged   = "managed"
	KeyManagementModeUnmanaged = "unmanaged"
)

// settingPrefix namespaces wallet configuration inside profile settings.
const settingPrefix = "wallet."

// WalletConfig is the tenant-supplied wallet configuration.
type WalletConfig struct {
	Name        string `json:"name,omitempty" mapstructure:"name"`
	Key         string `json:"key,omitempty" mapstructure:"key"`
	StorageType string `json:"storage_type,omitempty" mapstructure:"storage_type"`
}

// Settings renders the configuration as profile settings, each key under
// the wallet. prefix.
func (c *WalletConfig) Settings() (map[string]interface{}, error) {
	raw := map[string]interface{}{}

	if err := mapstructure.Decode(c, &raw); err != nil {
		return nil, fmt.Errorf("decode wallet config: %w", err)
	}

	settings := make(map[string]interface{}, len(raw))

	for name, value := range raw {
		settings[settingPrefix+name] = value
	}

	return settings, nil
}

// WalletRecord is one tenant hosted by this agent.
type WalletRecord struct {
	WalletID          string       `json:"wallet_id"`
	KeyManagementMode string       `json:"key_management_mode"`
	WalletConfig      WalletConfig `json:"settings"`
}

// Name returns the tenant's wallet name.
func (r *WalletRecord) Name() string {
	return r.WalletConfig.Name
}

// RequiresExternalKey reports whether operations on this wallet need the
// tenant to supply the wallet key.
func (r *WalletRecord) RequiresExternalKey() bool {
	return r.KeyManagementMode == KeyManagementModeUnmanaged
}
