/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package mediator

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hyperledger/aries-framework-go/spi/storage"
)

// Mediation roles.
const (
	RoleMediator = "mediator"
	RoleClient   = "client"
)

// Mediation states. A mediator-side record starts in request-received, the
// client-side mirror in request-sent; both end in granted or denied.
const (
	StateRequestReceived = "request_received"
	StateRequestSent     = "request_sent"
	StateGranted         = "granted"
	StateDenied          = "denied"
)

const (
	mediationKeyPrefix = "mediation"

	tagConnectionID = "connection_id"
	tagRole         = "role"
	tagState        = "state"
)

var (
	// ErrMediationNotFound is returned when no mediation record matches.
	ErrMediationNotFound = errors.New("mediation record not found")
	// ErrMediationAlreadyExists is returned when a second mediation record
	// is created for the same connection.
	ErrMediationAlreadyExists = errors.New("mediation record already exists for connection")
)

// StateError reports an operation attempted from an illegal mediation
// state: either a caller bug or an out-of-order peer message.
type StateError struct {
	MediationID string
	Expected    string
	Actual      string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("mediation %s: expected state %s, actual state %s",
		e.MediationID, e.Expected, e.Actual)
}

// Record tracks one mediation relationship, as mediator for a client or as
// a client of a mediator.
type Record struct {
	MediationID    string   `json:"mediation_id"`
	Role           string   `json:"role"`
	ConnectionID   string   `json:"connection_id"`
	State          string   `json:"state"`
	MediatorTerms  []string `json:"mediator_terms,omitempty"`
	RecipientTerms []string `json:"recipient_terms,omitempty"`
	RecipientKeys  []string `json:"recipient_keys,omitempty"`
	RoutingKeys    []string `json:"routing_keys,omitempty"`
	Endpoint       string   `json:"endpoint,omitempty"`
}

// SetState transitions the record, validating the state label.
func (r *Record) SetState(state string) error {
	switch state {
	case StateRequestReceived, StateRequestSent, StateGranted, StateDenied:
		r.State = state

		return nil
	default:
		return fmt.Errorf("invalid mediation state %q", state)
	}
}

func (c *Coordinator) saveRecord(record *Record) error {
	src, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal mediation record: %w", err)
	}

	tags := []storage.Tag{
		{Name: mediationKeyPrefix},
		{Name: tagConnectionID, Value: record.ConnectionID},
		{Name: tagRole, Value: record.Role},
		{Name: tagState, Value: record.State},
	}

	if err := c.store.Put(mediationDataKey(record.MediationID), src, tags...); err != nil {
		return fmt.Errorf("save mediation record: %w", err)
	}

	return nil
}

// GetRecord returns the mediation record with the given ID.
func (c *Coordinator) GetRecord(mediationID string) (*Record, error) {
	src, err := c.store.Get(mediationDataKey(mediationID))
	if err != nil {
		if errors.Is(err, storage.ErrDataNotFound) {
			return nil, fmt.Errorf("mediation ID %s: %w", mediationID, ErrMediationNotFound)
		}

		return nil, fmt.Errorf("get mediation record: %w", err)
	}

	var record Record

	if err := json.Unmarshal(src, &record); err != nil {
		return nil, fmt.Errorf("unmarshal mediation record: %w", err)
	}

	return &record, nil
}

// GetRecordForConnection returns the mediation record associated with the
// given connection.
func (c *Coordinator) GetRecordForConnection(connectionID string) (*Record, error) {
	records, err := c.queryRecords(tagConnectionID, connectionID)
	if err != nil {
		return nil, err
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("connection %s: %w", connectionID, ErrMediationNotFound)
	}

	return records[0], nil
}

func (c *Coordinator) existsForConnection(connectionID string) (bool, error) {
	records, err := c.queryRecords(tagConnectionID, connectionID)
	if err != nil {
		return false, err
	}

	return len(records) > 0, nil
}

func (c *Coordinator) queryRecords(name, value string) ([]*Record, error) {
	itr, err := c.store.Query(name + ":" + value)
	if err != nil {
		return nil, fmt.Errorf("query mediation store: %w", err)
	}

	defer storage.Close(itr, logger)

	var records []*Record

	more, err := itr.Next()
	if err != nil {
		return nil, fmt.Errorf("next mediation record: %w", err)
	}

	for more {
		src, err := itr.Value()
		if err != nil {
			return nil, fmt.Errorf("mediation record value: %w", err)
		}

		var record Record

		if err := json.Unmarshal(src, &record); err != nil {
			return nil, fmt.Errorf("unmarshal mediation record: %w", err)
		}

		records = append(records, &record)

		more, err = itr.Next()
		if err != nil {
			return nil, fmt.Errorf("next mediation record: %w", err)
		}
	}

	return records, nil
}

func mediationDataKey(mediationID string) string {
	return mediationKeyPrefix + "_" + mediationID
}
