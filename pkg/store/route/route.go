/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package route maintains the recipient-key routing table: one rule per
// recipient key, mapping it to the connection or tenant wallet that owns
// it. Mediated forwarding and multi-tenant message resolution both read
// this table.
package route

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/hyperledger/aries-framework-go/component/log"
	"github.com/hyperledger/aries-framework-go/spi/storage"

	"github.com/openclave/cloudagent/pkg/internal/keylock"
)

const (
	// Namespace is the name of the route store.
	Namespace      = "route"
	keyPattern     = "%s_%s"
	routeKeyPrefix = "route"
)

// Route roles: the mediator holds server-side routes for its clients, an
// agent using a mediator holds the client-side mirror.
const (
	RoleServer = "server"
	RoleClient = "client"
)

// Tag names indexed for route lookup.
const (
	tagConnectionID = "connection_id"
	tagRole         = "role"
	tagRecipientKey = "recipient_key"
	tagWalletID     = "wallet_id"
)

// Keylist update actions and per-item results.
const (
	ActionCreate = "create"
	ActionDelete = "delete"

	ResultSuccess     = "success"
	ResultNoChange    = "no_change"
	ResultClientError = "client_error"
	ResultServerError = "server_error"
)

var logger = log.New("cloudagent/store/route")

var (
	// ErrRouteNotFound is returned when no route exists for a recipient
	// key. Probing keys that belong to no local party is routine, so
	// callers treat this as a normal negative result.
	ErrRouteNotFound = errors.New("route record not found")
	// ErrRouteConflict is returned when a recipient key is already routed
	// to a different owner.
	ErrRouteConflict = errors.New("recipient key already routed to another owner")
)

// Record is a single recipient-key-to-owner routing rule.
type Record struct {
	RecordID     string `json:"record_id"`
	Role         string `json:"role"`
	ConnectionID string `json:"connection_id,omitempty"`
	WalletID     string `json:"wallet_id,omitempty"`
	RecipientKey string `json:"recipient_key"`
}

// Update is one requested routing table mutation.
type Update struct {
	RecipientKey string
	Action       string
}

// Updated is the applied result of one Update.
type Updated struct {
	RecipientKey string
	Action       string
	Result       string
}

// Option configures a route being created.
type Option func(*Record)

// WithConnectionID assigns the route to the connection that owns it.
func WithConnectionID(connectionID string) Option {
	return func(r *Record) {
		r.ConnectionID = connectionID
	}
}

// WithWalletID marks the route as also identifying a tenant wallet.
func WithWalletID(walletID string) Option {
	return func(r *Record) {
		r.WalletID = walletID
	}
}

// WithRole overrides the default server role.
func WithRole(role string) Option {
	return func(r *Record) {
		r.Role = role
	}
}

type provider interface {
	StorageProvider() storage.Provider
}

// Manager owns the routing table. Mutations for a given recipient key are
// serialized on a per-key lock scoped to the underlying store, so managers
// opened over the same table share one lock set.
type Manager struct {
	store    storage.Store
	keyLocks *keylock.Set
}

// Table lock sets keyed by the opened store. The lock must live with the
// table, not the manager instance: two components each holding their own
// manager over one store still race on the same keys otherwise.
var (
	tableLocksMu sync.Mutex
	tableLocks   = map[storage.Store]*keylock.Set{}
)

func locksFor(store storage.Store) *keylock.Set {
	tableLocksMu.Lock()
	defer tableLocksMu.Unlock()

	locks, ok := tableLocks[store]
	if !ok {
		locks = keylock.New()
		tableLocks[store] = locks
	}

	return locks
}

// New returns a route manager over the provider's storage.
func New(p provider) (*Manager, error) {
	store, err := p.StorageProvider().OpenStore(Namespace)
	if err != nil {
		return nil, fmt.Errorf("open route store: %w", err)
	}

	err = p.StorageProvider().SetStoreConfig(Namespace, storage.StoreConfiguration{
		TagNames: []string{routeKeyPrefix, tagConnectionID, tagRole, tagRecipientKey, tagWalletID},
	})
	if err != nil {
		return nil, fmt.Errorf("set route store config: %w", err)
	}

	return &Manager{store: store, keyLocks: locksFor(store)}, nil
}

// CreateRoute adds a routing rule for the recipient key. Creating an
// identical rule again returns the existing record; a key already owned by
// a different party fails with ErrRouteConflict.
func (m *Manager) CreateRoute(recipientKey string, options ...Option) (*Record, error) {
	record, _, err := m.createRoute(recipientKey, options...)

	return record, err
}

func (m *Manager) createRoute(recipientKey string, options ...Option) (*Record, bool, error) {
	if recipientKey == "" {
		return nil, false, errors.New("recipient key is mandatory")
	}

	record := &Record{
		RecordID:     uuid.New().String(),
		Role:         RoleServer,
		RecipientKey: recipientKey,
	}

	for _, option := range options {
		option(record)
	}

	unlock := m.keyLocks.Lock(recipientKey)
	defer unlock()

	existing, err := m.getByKey(recipientKey)
	if err == nil {
		if existing.ConnectionID == record.ConnectionID && existing.WalletID == record.WalletID &&
			existing.Role == record.Role {
			return existing, false, nil
		}

		return nil, false, fmt.Errorf("recipient key %s: %w", recipientKey, ErrRouteConflict)
	}

	if !errors.Is(err, ErrRouteNotFound) {
		return nil, false, err
	}

	if err := m.save(record); err != nil {
		return nil, false, err
	}

	logger.Debugf("created route for recipient key %s", recipientKey)

	return record, true, nil
}

// GetRecipient returns the routing rule for the recipient key, or
// ErrRouteNotFound when the key is unmapped.
func (m *Manager) GetRecipient(recipientKey string) (*Record, error) {
	return m.getByKey(recipientKey)
}

// GetRoutes returns the routes owned by the given connection.
func (m *Manager) GetRoutes(connectionID string) ([]*Record, error) {
	return m.queryByTag(tagConnectionID, connectionID)
}

// GetRoutesByRole returns all routes with the given role.
func (m *Manager) GetRoutesByRole(role string) ([]*Record, error) {
	return m.queryByTag(tagRole, role)
}

// GetWalletRoutes returns the routes identifying the given tenant wallet.
func (m *Manager) GetWalletRoutes(walletID string) ([]*Record, error) {
	return m.queryByTag(tagWalletID, walletID)
}

// DeleteRoute removes the routing rule for the recipient key, provided the
// given connection owns it. An unmapped or foreign-owned key fails with
// ErrRouteNotFound.
func (m *Manager) DeleteRoute(recipientKey, connectionID string) error {
	_, err := m.deleteRoute(recipientKey, connectionID)

	return err
}

func (m *Manager) deleteRoute(recipientKey, connectionID string) (bool, error) {
	unlock := m.keyLocks.Lock(recipientKey)
	defer unlock()

	existing, err := m.getByKey(recipientKey)
	if err != nil {
		return false, err
	}

	if existing.ConnectionID != connectionID {
		return false, fmt.Errorf("recipient key %s not owned by connection %s: %w",
			recipientKey, connectionID, ErrRouteNotFound)
	}

	if err := m.store.Delete(dataKey(recipientKey)); err != nil {
		return false, fmt.Errorf("delete route record: %w", err)
	}

	return true, nil
}

// DeleteWalletRoutes removes every route identifying the given tenant
// wallet. Used as a cascade when the wallet is deleted.
func (m *Manager) DeleteWalletRoutes(walletID string) error {
	records, err := m.GetWalletRoutes(walletID)
	if err != nil {
		return err
	}

	for _, record := range records {
		unlock := m.keyLocks.Lock(record.RecipientKey)

		err := m.store.Delete(dataKey(record.RecipientKey))

		unlock()

		if err != nil {
			return fmt.Errorf("delete route record: %w", err)
		}
	}

	return nil
}

// UpdateRoutes applies a batch of keylist mutations scoped to the given
// connection and reports a per-item result. Collaborator failures are
// reported as server errors on the item, ownership conflicts as client
// errors, and redundant mutations as no change.
func (m *Manager) UpdateRoutes(connectionID string, updates []Update) []Updated {
	results := make([]Updated, 0, len(updates))

	for _, update := range updates {
		result := Updated{
			RecipientKey: update.RecipientKey,
			Action:       update.Action,
		}

		switch update.Action {
		case ActionCreate:
			result.Result = m.applyCreate(connectionID, update.RecipientKey)
		case ActionDelete:
			result.Result = m.applyDelete(connectionID, update.RecipientKey)
		default:
			result.Result = ResultClientError
		}

		results = append(results, result)
	}

	return results
}

func (m *Manager) applyCreate(connectionID, recipientKey string) string {
	_, created, err := m.createRoute(recipientKey, WithConnectionID(connectionID))

	switch {
	case errors.Is(err, ErrRouteConflict):
		return ResultClientError
	case err != nil:
		logger.Errorf("failed to create route for key %s: %s", recipientKey, err)

		return ResultServerError
	case !created:
		return ResultNoChange
	default:
		return ResultSuccess
	}
}

func (m *Manager) applyDelete(connectionID, recipientKey string) string {
	_, err := m.deleteRoute(recipientKey, connectionID)

	switch {
	case errors.Is(err, ErrRouteNotFound):
		return ResultNoChange
	case err != nil:
		logger.Errorf("failed to delete route for key %s: %s", recipientKey, err)

		return ResultServerError
	default:
		return ResultSuccess
	}
}

func (m *Manager) getByKey(recipientKey string) (*Record, error) {
	src, err := m.store.Get(dataKey(recipientKey))
	if err != nil {
		if errors.Is(err, storage.ErrDataNotFound) {
			return nil, fmt.Errorf("recipient key %s: %w", recipientKey, ErrRouteNotFound)
		}

		return nil, fmt.Errorf("get route record: %w", err)
	}

	var record Record

	if err := json.Unmarshal(src, &record); err != nil {
		return nil, fmt.Errorf("unmarshal route record: %w", err)
	}

	return &record, nil
}

func (m *Manager) save(record *Record) error {
	src, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal route record: %w", err)
	}

	tags := []storage.Tag{
		{Name: routeKeyPrefix},
		{Name: tagRecipientKey, Value: record.RecipientKey},
		{Name: tagRole, Value: record.Role},
	}

	if record.ConnectionID != "" {
		tags = append(tags, storage.Tag{Name: tagConnectionID, Value: record.ConnectionID})
	}

	if record.WalletID != "" {
		tags = append(tags, storage.Tag{Name: tagWalletID, Value: record.WalletID})
	}

	if err := m.store.Put(dataKey(record.RecipientKey), src, tags...); err != nil {
		return fmt.Errorf("save route record: %w", err)
	}

	return nil
}

func (m *Manager) queryByTag(name, value string) ([]*Record, error) {
	itr, err := m.store.Query(name + ":" + value)
	if err != nil {
		return nil, fmt.Errorf("query route store: %w", err)
	}

	defer storage.Close(itr, logger)

	var records []*Record

	more, err := itr.Next()
	if err != nil {
		return nil, fmt.Errorf("next route record: %w", err)
	}

	for more {
		src, err := itr.Value()
		if err != nil {
			return nil, fmt.Errorf("route record value: %w", err)
		}

		var record Record

		if err := json.Unmarshal(src, &record); err != nil {
			return nil, fmt.Errorf("unmarshal route record: %w", err)
		}

		records = append(records, &record)

		more, err = itr.Next()
		if err != nil {
			return nil, fmt.Errorf("next route record: %w", err)
		}
	}

	return records, nil
}

func dataKey(recipientKey string) string {
	return fmt.Sprintf(keyPattern, routeKeyPrefix, recipientKey)
}
