/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package connection

import "github.com/bluele/gcache"

// Target is a resolved delivery address for a connection: where to send and
// which keys to encrypt for.
type Target struct {
	ServiceEndpoint string   `json:"serviceEndpoint,omitempty"`
	RecipientKeys   []string `json:"recipientKeys,omitempty"`
	RoutingKeys     []string `json:"routingKeys,omitempty"`
}

// TargetCache memoizes resolved connection targets by connection ID. It
// implements Invalidator so a Recorder drops an entry whenever its
// connection record is saved, before any caller can route against it.
// The underlying gcache is thread safe, no need of locks.
type TargetCache struct {
	gstore gcache.Cache
}

// NewTargetCache returns an empty target cache.
func NewTargetCache() *TargetCache {
	return &TargetCache{gstore: gcache.New(0).Build()}
}

// Put caches the resolved targets for a connection.
func (t *TargetCache) Put(connectionID string, targets []*Target) {
	if err := t.gstore.Set(connectionID, targets); err != nil {
		logger.Errorf("failed to cache connection targets: %s", err)
	}
}

// Get returns the cached targets for a connection, and whether an entry was
// present.
func (t *TargetCache) Get(connectionID string) ([]*Target, bool) {
	cached, err := t.gstore.Get(connectionID)
	if err != nil {
		return nil, false
	}

	targets, ok := cached.([]*Target)

	return targets, ok
}

// InvalidateConnection drops the cached targets for a connection.
func (t *TargetCache) InvalidateConnection(connectionID string) {
	t.gstore.Remove(connectionID)
}
