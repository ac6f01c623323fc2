/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package connection

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hyperledger/aries-framework-go/component/log"
	"github.com/hyperledger/aries-framework-go/spi/storage"
)

const (
	// Namespace is the name of the connection store.
	Namespace       = "connection"
	keyPattern      = "%s_%s"
	connKeyPrefix   = "conn"
	invKeyPrefix    = "conninv"
	reqKeyPrefix    = "connreq"
	keySeparator    = "_"
	errMsgInvalidID = "connection ID is mandatory"
)

// Tag names indexed for connection lookup. Peer agents' retrieval patterns
// depend on this exact set.
const (
	tagMyDID         = "my_did"
	tagTheirDID      = "their_did"
	tagRequestID     = "request_id"
	tagInvitationKey = "invitation_key"
)

var logger = log.New("cloudagent/store/connection")

var (
	// ErrConnectionNotFound is returned when no connection record matches.
	ErrConnectionNotFound = errors.New("connection record not found")
	// ErrMultipleResults is returned when a single-result tag lookup is
	// ambiguous.
	ErrMultipleResults = errors.New("multiple connection records match tag filter")
)

type provider interface {
	StorageProvider() storage.Provider
}

// KeyPrefix is a builder for storage keys.
type KeyPrefix func(...string) string

// NewLookup returns a read-only connection store with query features.
func NewLookup(p provider) (*Lookup, error) {
	store, err := p.StorageProvider().OpenStore(Namespace)
	if err != nil {
		return nil, fmt.Errorf("open connection store: %w", err)
	}

	err = p.StorageProvider().SetStoreConfig(Namespace, storage.StoreConfiguration{
		TagNames: []string{connKeyPrefix, tagMyDID, tagTheirDID, tagRequestID, tagInvitationKey},
	})
	if err != nil {
		return nil, fmt.Errorf("set connection store config: %w", err)
	}

	return &Lookup{store: store}, nil
}

// Lookup provides connection record query features.
type Lookup struct {
	store storage.Store
}

// GetConnectionRecord returns the connection record for the given ID.
func (c *Lookup) GetConnectionRecord(connectionID string) (*Record, error) {
	if connectionID == "" {
		return nil, errors.New(errMsgInvalidID)
	}

	var rec Record

	err := getAndUnmarshal(getConnectionKeyPrefix()(connectionID), &rec, c.store)
	if err != nil {
		if errors.Is(err, storage.ErrDataNotFound) {
			return nil, fmt.Errorf("connection ID %s: %w", connectionID, ErrConnectionNotFound)
		}

		return nil, err
	}

	return &rec, nil
}

// QueryConnectionRecords returns all connection records in the store.
func (c *Lookup) QueryConnectionRecords() ([]*Record, error) {
	return c.queryByTag(connKeyPrefix, "")
}

// GetConnectionRecordByDIDs returns the single connection record matching
// theirDID. A non-empty myDID or theirRole narrows the match in memory;
// theirRole may use either nomenclature.
func (c *Lookup) GetConnectionRecordByDIDs(theirDID, myDID, theirRole string) (*Record, error) {
	role, err := resolveRoleFilter(theirRole)
	if err != nil {
		return nil, err
	}

	records, err := c.queryByTag(tagTheirDID, theirDID)
	if err != nil {
		return nil, err
	}

	var matches []*Record

	for _, record := range records {
		if myDID != "" && record.MyDID != myDID {
			continue
		}

		if theirRole != "" && !role.Matches(record.TheirRole) {
			continue
		}

		matches = append(matches, record)
	}

	return single(matches, fmt.Sprintf("their DID %s", theirDID))
}

// GetConnectionRecordByInvitationKey returns the single connection record
// in the invitation state that was created from the given invitation key.
// A non-empty theirRole narrows the match in memory.
func (c *Lookup) GetConnectionRecordByInvitationKey(invitationKey, theirRole string) (*Record, error) {
	role, err := resolveRoleFilter(theirRole)
	if err != nil {
		return nil, err
	}

	records, err := c.queryByTag(tagInvitationKey, invitationKey)
	if err != nil {
		return nil, err
	}

	var matches []*Record

	for _, record := range records {
		if !StateInvitation.Matches(record.State) {
			continue
		}

		if theirRole != "" && !role.Matches(record.TheirRole) {
			continue
		}

		matches = append(matches, record)
	}

	return single(matches, fmt.Sprintf("invitation key %s", invitationKey))
}

// GetConnectionRecordByRequestID returns the single connection record
// established by the given connection request.
func (c *Lookup) GetConnectionRecordByRequestID(requestID string) (*Record, error) {
	records, err := c.queryByTag(tagRequestID, requestID)
	if err != nil {
		return nil, err
	}

	return single(records, fmt.Sprintf("request ID %s", requestID))
}

// GetInvitation unmarshals the invitation attached to the given connection
// into target.
func (c *Lookup) GetInvitation(connectionID string, target interface{}) error {
	if connectionID == "" {
		return errors.New(errMsgInvalidID)
	}

	err := getAndUnmarshal(getInvitationKeyPrefix()(connectionID), target, c.store)
	if errors.Is(err, storage.ErrDataNotFound) {
		return fmt.Errorf("invitation for connection %s: %w", connectionID, ErrConnectionNotFound)
	}

	return err
}

// GetRequest unmarshals the connection request attached to the given
// connection into target.
func (c *Lookup) GetRequest(connectionID string, target interface{}) error {
	if connectionID == "" {
		return errors.New(errMsgInvalidID)
	}

	err := getAndUnmarshal(getRequestKeyPrefix()(connectionID), target, c.store)
	if errors.Is(err, storage.ErrDataNotFound) {
		return fmt.Errorf("request for connection %s: %w", connectionID, ErrConnectionNotFound)
	}

	return err
}

func (c *Lookup) queryByTag(name, value string) ([]*Record, error) {
	expression := name
	if value != "" {
		expression += ":" + value
	}

	itr, err := c.store.Query(expression)
	if err != nil {
		return nil, fmt.Errorf("query connection store: %w", err)
	}

	defer storage.Close(itr, logger)

	var records []*Record

	more, err := itr.Next()
	if err != nil {
		return nil, fmt.Errorf("next connection record: %w", err)
	}

	for more {
		src, err := itr.Value()
		if err != nil {
			return nil, fmt.Errorf("connection record value: %w", err)
		}

		var record Record

		if err := json.Unmarshal(src, &record); err != nil {
			return nil, fmt.Errorf("unmarshal connection record: %w", err)
		}

		records = append(records, &record)

		more, err = itr.Next()
		if err != nil {
			return nil, fmt.Errorf("next connection record: %w", err)
		}
	}

	return records, nil
}

func resolveRoleFilter(label string) (Role, error) {
	if label == "" {
		return Role{}, nil
	}

	role, ok := RoleFromLabel(label)
	if !ok {
		return Role{}, fmt.Errorf("unrecognized role label %q", label)
	}

	return role, nil
}

func single(records []*Record, filterDesc string) (*Record, error) {
	switch len(records) {
	case 0:
		return nil, fmt.Errorf("%s: %w", filterDesc, ErrConnectionNotFound)
	case 1:
		return records[0], nil
	default:
		return nil, fmt.Errorf("%s: %w", filterDesc, ErrMultipleResults)
	}
}

func getAndUnmarshal(key string, target interface{}, store storage.Store) error {
	src, err := store.Get(key)
	if err != nil {
		return err
	}

	return json.Unmarshal(src, target)
}

func getConnectionKeyPrefix() KeyPrefix {
	return func(key ...string) string {
		return fmt.Sprintf(keyPattern, connKeyPrefix, strings.Join(key, keySeparator))
	}
}

func getInvitationKeyPrefix() KeyPrefix {
	return func(key ...string) string {
		return fmt.Sprintf(keyPattern, invKeyPrefix, strings.Join(key, keySeparator))
	}
}

func getRequestKeyPrefix() KeyPrefix {
	return func(key ...string) string {
		return fmt.Sprintf(keyPattern, reqKeyPrefix, strings.Join(key, keySeparator))
	}
}
