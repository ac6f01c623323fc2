/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package connection

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hyperledger/aries-framework-go/spi/storage"
)

// Invalidator is notified after a connection record is saved or removed,
// so derived data keyed by the connection ID can be dropped. Stale derived
// routing data is a correctness bug, not a performance concern, so
// invalidation is part of the save contract.
type Invalidator interface {
	InvalidateConnection(connectionID string)
}

// NewRecorder returns a read-write connection store. Registered
// invalidators fire after every successful save or removal.
func NewRecorder(p provider, invalidators ...Invalidator) (*Recorder, error) {
	lookup, err := NewLookup(p)
	if err != nil {
		return nil, fmt.Errorf("create connection recorder: %w", err)
	}

	return &Recorder{Lookup: lookup, invalidators: invalidators}, nil
}

// Recorder is a read-write connection store, adding write features on top
// of the query features from Lookup.
type Recorder struct {
	*Lookup
	invalidators []Invalidator
}

// SaveConnectionRecord saves the given connection record and invalidates
// derived data cached against its connection ID.
func (c *Recorder) SaveConnectionRecord(record *Record) error {
	if record.ConnectionID == "" {
		return errors.New(errMsgInvalidID)
	}

	if _, ok := StateFromLabel(record.State); !ok {
		return fmt.Errorf("unrecognized state label %q", record.State)
	}

	if record.TheirRole != "" {
		if _, ok := RoleFromLabel(record.TheirRole); !ok {
			return fmt.Errorf("unrecognized role label %q", record.TheirRole)
		}
	}

	src, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal connection record: %w", err)
	}

	err = c.store.Put(getConnectionKeyPrefix()(record.ConnectionID), src, recordTags(record)...)
	if err != nil {
		return fmt.Errorf("save connection record: %w", err)
	}

	c.invalidate(record.ConnectionID)

	return nil
}

// SaveInvitation persists the invitation that produced the given
// connection, as an attachment separate from the hot record.
func (c *Recorder) SaveInvitation(connectionID string, invitation interface{}) error {
	if connectionID == "" {
		return errors.New(errMsgInvalidID)
	}

	return marshalAndSave(getInvitationKeyPrefix()(connectionID), invitation, c.store)
}

// SaveRequest persists the connection request that produced the given
// connection, as an attachment separate from the hot record.
func (c *Recorder) SaveRequest(connectionID string, request interface{}) error {
	if connectionID == "" {
		return errors.New(errMsgInvalidID)
	}

	return marshalAndSave(getRequestKeyPrefix()(connectionID), request, c.store)
}

// RemoveConnectionRecord deletes the connection record and its attached
// invitation and request, and invalidates derived cached data.
func (c *Recorder) RemoveConnectionRecord(connectionID string) error {
	if _, err := c.GetConnectionRecord(connectionID); err != nil {
		return err
	}

	if err := c.store.Delete(getConnectionKeyPrefix()(connectionID)); err != nil {
		return fmt.Errorf("delete connection record: %w", err)
	}

	for _, key := range []string{
		getInvitationKeyPrefix()(connectionID),
		getRequestKeyPrefix()(connectionID),
	} {
		if err := c.store.Delete(key); err != nil {
			return fmt.Errorf("delete connection attachment: %w", err)
		}
	}

	c.invalidate(connectionID)

	return nil
}

func (c *Recorder) invalidate(connectionID string) {
	for _, invalidator := range c.invalidators {
		invalidator.InvalidateConnection(connectionID)
	}
}

func recordTags(record *Record) []storage.Tag {
	tags := []storage.Tag{{Name: connKeyPrefix}}

	for name, value := range map[string]string{
		tagMyDID:         record.MyDID,
		tagTheirDID:      record.TheirDID,
		tagRequestID:     record.RequestID,
		tagInvitationKey: record.InvitationKey,
	} {
		if value != "" {
			tags = append(tags, storage.Tag{Name: name, Value: value})
		}
	}

	return tags
}

func marshalAndSave(key string, value interface{}, store storage.Store) error {
	src, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	return store.Put(key, src)
}
