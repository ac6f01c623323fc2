/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package mediator implements the coordinate-mediation protocol: the
// request/grant/deny exchange and the keylist-update exchange, for both the
// mediator role and the client role. All routing state lives in the route
// store; this package translates protocol messages into routing table
// mutations and back.
package mediator

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/hyperledger/aries-framework-go/component/log"
	"github.com/hyperledger/aries-framework-go/spi/storage"

	"github.com/openclave/cloudagent/pkg/didcomm/dispatcher"
	"github.com/openclave/cloudagent/pkg/internal/keylock"
	"github.com/openclave/cloudagent/pkg/store/route"
	"github.com/openclave/cloudagent/pkg/wallet"
)

const (
	// routingDIDKey is the storage key of the mediator's routing DID. The
	// DID is provisioned once and reused for every grant.
	routingDIDKey = "routing_did"

	grantPollInterval = time.Second
)

var logger = log.New("cloudagent/mediator")

// Provider contains the dependencies of the mediation coordinator.
type Provider interface {
	StorageProvider() storage.Provider
	OutboundDispatcher() dispatcher.Outbound
	RouterEndpoint() string
	Wallet() wallet.Creator
}

// Coordinator handles mediation coordination. Every read-modify-save of a
// mediation record is serialized on a lock scoped to the record ID, so
// concurrent handlers cannot double-apply a transition.
type Coordinator struct {
	store       storage.Store
	routes      *route.Manager
	outbound    dispatcher.Outbound
	endpoint    string
	wallet      wallet.Creator
	recordLocks *keylock.Set
}

// Option configures a coordinator being created.
type Option func(*options)

type options struct {
	routes *route.Manager
}

// WithRouteManager shares an existing routing table with the coordinator
// instead of opening one over the provider's storage. Components operating
// on one table should hold the same manager.
func WithRouteManager(routes *route.Manager) Option {
	return func(o *options) {
		o.routes = routes
	}
}

// New returns a mediation coordinator built atop the provider's routing
// table.
func New(prov Provider, opts ...Option) (*Coordinator, error) {
	o := &options{}

	for _, opt := range opts {
		opt(o)
	}

	store, err := prov.StorageProvider().OpenStore(Coordination)
	if err != nil {
		return nil, fmt.Errorf("open mediation store: %w", err)
	}

	err = prov.StorageProvider().SetStoreConfig(Coordination, storage.StoreConfiguration{
		TagNames: []string{mediationKeyPrefix, tagConnectionID, tagRole, tagState},
	})
	if err != nil {
		return nil, fmt.Errorf("set mediation store config: %w", err)
	}

	routes := o.routes
	if routes == nil {
		routes, err = route.New(prov)
		if err != nil {
			return nil, err
		}
	}

	return &Coordinator{
		store:       store,
		routes:      routes,
		outbound:    prov.OutboundDispatcher(),
		endpoint:    prov.RouterEndpoint(),
		wallet:      prov.Wallet(),
		recordLocks: keylock.New(),
	}, nil
}

// Routes returns the routing table the coordinator operates on.
func (c *Coordinator) Routes() *route.Manager {
	return c.routes
}

// ReceiveRequest records an inbound mediation request from the peer on the
// given connection. At most one mediation record may exist per connection;
// a second request fails with ErrMediationAlreadyExists.
func (c *Coordinator) ReceiveRequest(connectionID string, request *Request) (*Record, error) {
	unlock := c.recordLocks.Lock("conn_" + connectionID)
	defer unlock()

	exists, err := c.existsForConnection(connectionID)
	if err != nil {
		return nil, err
	}

	if exists {
		return nil, fmt.Errorf("connection %s: %w", connectionID, ErrMediationAlreadyExists)
	}

	record := &Record{
		MediationID:    uuid.New().String(),
		Role:           RoleMediator,
		ConnectionID:   connectionID,
		State:          StateRequestReceived,
		MediatorTerms:  request.MediatorTerms,
		RecipientTerms: request.RecipientTerms,
	}

	if err := c.saveRecord(record); err != nil {
		return nil, err
	}

	logger.Debugf("mediation request received on connection %s", connectionID)

	return record, nil
}

// GrantRequest grants a received mediation request, provisioning the
// routing DID on first use, and returns the grant message carrying this
// agent's endpoint and routing key. The state guard runs before the
// routing DID is touched, so an illegal grant has no side effects.
func (c *Coordinator) GrantRequest(mediationID string) (*Record, *Grant, error) {
	unlock := c.recordLocks.Lock(mediationID)
	defer unlock()

	record, err := c.GetRecord(mediationID)
	if err != nil {
		return nil, nil, err
	}

	if record.Role != RoleMediator {
		return nil, nil, fmt.Errorf("mediation %s has role %s, operation requires %s",
			mediationID, record.Role, RoleMediator)
	}

	if record.State != StateRequestReceived {
		return nil, nil, &StateError{
			MediationID: mediationID,
			Expected:    StateRequestReceived,
			Actual:      record.State,
		}
	}

	routingDID, err := c.routingDID()
	if err != nil {
		return nil, nil, err
	}

	if err := record.SetState(StateGranted); err != nil {
		return nil, nil, err
	}

	if err := c.saveRecord(record); err != nil {
		return nil, nil, err
	}

	grant := &Grant{
		Type:        GrantMsgType,
		ID:          uuid.New().String(),
		Endpoint:    c.endpoint,
		RoutingKeys: []string{routingDID.VerKey},
	}

	return record, grant, nil
}

// DenyRequest denies a received mediation request and returns the deny
// message echoing the negotiated terms.
func (c *Coordinator) DenyRequest(mediationID string) (*Record, *Deny, error) {
	record, err := c.transition(mediationID, RoleMediator, StateRequestReceived, StateDenied, nil)
	if err != nil {
		return nil, nil, err
	}

	deny := &Deny{
		Type:           DenyMsgType,
		ID:             uuid.New().String(),
		MediatorTerms:  record.MediatorTerms,
		RecipientTerms: record.RecipientTerms,
	}

	return record, deny, nil
}

// UpdateKeylist applies inbound keylist update rules as routing table
// mutations scoped to the record's connection and reports the outcome in
// the keylist-update vocabulary.
func (c *Coordinator) UpdateKeylist(record *Record, rules []UpdateRule) (*KeylistUpdateResponse, error) {
	updates := make([]route.Update, 0, len(rules))

	for _, rule := range rules {
		action, err := ruleToAction(rule.Action)
		if err != nil {
			return nil, err
		}

		updates = append(updates, route.Update{
			RecipientKey: rule.RecipientKey,
			Action:       action,
		})
	}

	updated := c.routes.UpdateRoutes(record.ConnectionID, updates)

	response := &KeylistUpdateResponse{
		Type: KeylistUpdateResponseMsgType,
		ID:   uuid.New().String(),
	}

	for _, result := range updated {
		rule, err := actionToRule(result.Action)
		if err != nil {
			return nil, err
		}

		response.Updated = append(response.Updated, UpdatedRule{
			RecipientKey: result.RecipientKey,
			Action:       rule,
			Result:       result.Result,
		})
	}

	return response, nil
}

// HandleKeylistUpdate applies an inbound keylist update and sends the
// response back over the record's connection.
func (c *Coordinator) HandleKeylistUpdate(record *Record, msg *KeylistUpdate) error {
	response, err := c.UpdateKeylist(record, msg.Updates)
	if err != nil {
		return err
	}

	return c.outbound.SendToConnection(response, record.ConnectionID)
}

// GetKeylist returns the routes this agent keeps for the record's
// connection.
func (c *Coordinator) GetKeylist(record *Record) ([]*route.Record, error) {
	return c.routes.GetRoutes(record.ConnectionID)
}

// CreateKeylistQueryResponse renders route records as a keylist message.
func (c *Coordinator) CreateKeylistQueryResponse(records []*route.Record) *Keylist {
	keylist := &Keylist{
		Type: KeylistMsgType,
		ID:   uuid.New().String(),
	}

	for _, record := range records {
		keylist.Keys = append(keylist.Keys, KeylistKey{RecipientKey: record.RecipientKey})
	}

	return keylist
}

// PrepareRequest creates a client-side mediation record and the outbound
// mediation request as one unit: if the pair cannot be completed, the
// persisted record is rolled back.
func (c *Coordinator) PrepareRequest(connectionID string,
	mediatorTerms, recipientTerms []string) (*Record, *Request, error) {
	unlock := c.recordLocks.Lock("conn_" + connectionID)
	defer unlock()

	exists, err := c.existsForConnection(connectionID)
	if err != nil {
		return nil, nil, err
	}

	if exists {
		return nil, nil, fmt.Errorf("connection %s: %w", connectionID, ErrMediationAlreadyExists)
	}

	record := &Record{
		MediationID:    uuid.New().String(),
		Role:           RoleClient,
		ConnectionID:   connectionID,
		State:          StateRequestSent,
		MediatorTerms:  mediatorTerms,
		RecipientTerms: recipientTerms,
	}

	request := &Request{
		Type:           RequestMsgType,
		ID:             uuid.New().String(),
		MediatorTerms:  mediatorTerms,
		RecipientTerms: recipientTerms,
	}

	if err := c.saveRecord(record); err != nil {
		return nil, nil, err
	}

	return record, request, nil
}

// RequestGranted transitions the client-side record on receipt of the
// mediator's grant, storing the granted endpoint and routing keys.
func (c *Coordinator) RequestGranted(mediationID string, grant *Grant) (*Record, error) {
	return c.transition(mediationID, RoleClient, StateRequestSent, StateGranted, func(record *Record) {
		record.Endpoint = grant.Endpoint
		record.RoutingKeys = grant.RoutingKeys
	})
}

// RequestDenied transitions the client-side record on receipt of the
// mediator's deny.
func (c *Coordinator) RequestDenied(mediationID string, deny *Deny) (*Record, error) {
	return c.transition(mediationID, RoleClient, StateRequestSent, StateDenied, func(record *Record) {
		record.MediatorTerms = deny.MediatorTerms
		record.RecipientTerms = deny.RecipientTerms
	})
}

// AddKey appends an add rule to msg, creating the message if msg is nil,
// so several key changes can be batched into one wire message.
func (c *Coordinator) AddKey(recipientKey string, msg *KeylistUpdate) *KeylistUpdate {
	return appendRule(recipientKey, RuleAdd, msg)
}

// RemoveKey appends a remove rule to msg, creating the message if msg is
// nil.
func (c *Coordinator) RemoveKey(recipientKey string, msg *KeylistUpdate) *KeylistUpdate {
	return appendRule(recipientKey, RuleRemove, msg)
}

// PrepareKeylistQuery builds a keylist query message.
func (c *Coordinator) PrepareKeylistQuery(filter map[string]interface{}, limit, offset int) *KeylistQuery {
	return &KeylistQuery{
		Type:     KeylistQueryMsgType,
		ID:       uuid.New().String(),
		Filter:   filter,
		Paginate: &Paginate{Limit: limit, Offset: offset},
	}
}

// GetMyKeylist returns the routes this agent owns as a mediation client,
// optionally scoped to one connection.
func (c *Coordinator) GetMyKeylist(connectionID string) ([]*route.Record, error) {
	if connectionID == "" {
		return c.routes.GetRoutesByRole(route.RoleClient)
	}

	records, err := c.routes.GetRoutes(connectionID)
	if err != nil {
		return nil, err
	}

	var mine []*route.Record

	for _, record := range records {
		if record.Role == route.RoleClient {
			mine = append(mine, record)
		}
	}

	return mine, nil
}

// AwaitGrant polls the client-side record until the mediator's response
// arrives or the timeout elapses. A denied request stops the wait.
func (c *Coordinator) AwaitGrant(mediationID string, timeout time.Duration) (*Record, error) {
	var record *Record

	err := backoff.Retry(func() error {
		var err error

		record, err = c.GetRecord(mediationID)
		if err != nil {
			return backoff.Permanent(err)
		}

		switch record.State {
		case StateGranted:
			return nil
		case StateDenied:
			return backoff.Permanent(fmt.Errorf("mediation %s was denied", mediationID))
		default:
			return fmt.Errorf("mediation %s not granted yet", mediationID)
		}
	}, backoff.WithMaxRetries(backoff.NewConstantBackOff(grantPollInterval),
		uint64(timeout/grantPollInterval)))
	if err != nil {
		return nil, err
	}

	return record, nil
}

// routingDID returns the mediator's routing DID, creating and persisting
// it on first use. The first caller wins; every later call reuses the
// stored DID.
func (c *Coordinator) routingDID() (*wallet.DIDInfo, error) {
	unlock := c.recordLocks.Lock(routingDIDKey)
	defer unlock()

	src, err := c.store.Get(routingDIDKey)
	if err == nil {
		var info wallet.DIDInfo

		if err := json.Unmarshal(src, &info); err != nil {
			return nil, fmt.Errorf("unmarshal routing DID: %w", err)
		}

		return &info, nil
	}

	if !errors.Is(err, storage.ErrDataNotFound) {
		return nil, fmt.Errorf("get routing DID: %w", err)
	}

	info, err := c.wallet.CreateLocalDID(map[string]interface{}{"type": routingDIDKey})
	if err != nil {
		return nil, fmt.Errorf("create routing DID: %w", err)
	}

	src, err = json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("marshal routing DID: %w", err)
	}

	if err := c.store.Put(routingDIDKey, src); err != nil {
		return nil, fmt.Errorf("save routing DID: %w", err)
	}

	logger.Debugf("provisioned routing DID %s", info.DID)

	return info, nil
}

// transition reloads the record under its lock, guards the expected state
// and role, applies mutate, and saves.
func (c *Coordinator) transition(mediationID, role, from, to string,
	mutate func(*Record)) (*Record, error) {
	unlock := c.recordLocks.Lock(mediationID)
	defer unlock()

	record, err := c.GetRecord(mediationID)
	if err != nil {
		return nil, err
	}

	if record.Role != role {
		return nil, fmt.Errorf("mediation %s has role %s, operation requires %s",
			mediationID, record.Role, role)
	}

	if record.State != from {
		return nil, &StateError{MediationID: mediationID, Expected: from, Actual: record.State}
	}

	if mutate != nil {
		mutate(record)
	}

	if err := record.SetState(to); err != nil {
		return nil, err
	}

	if err := c.saveRecord(record); err != nil {
		return nil, err
	}

	return record, nil
}

func appendRule(recipientKey, action string, msg *KeylistUpdate) *KeylistUpdate {
	if msg == nil {
		msg = &KeylistUpdate{
			Type: KeylistUpdateMsgType,
			ID:   uuid.New().String(),
		}
	}

	msg.Updates = append(msg.Updates, UpdateRule{RecipientKey: recipientKey, Action: action})

	return msg
}

// ruleToAction translates a keylist update rule into a routing table
// action. actionToRule is its exact inverse.
func ruleToAction(rule string) (string, error) {
	switch rule {
	case RuleAdd:
		return route.ActionCreate, nil
	case RuleRemove:
		return route.ActionDelete, nil
	default:
		return "", fmt.Errorf("unrecognized keylist update rule %q", rule)
	}
}

func actionToRule(action string) (string, error) {
	switch action {
	case route.ActionCreate:
		return RuleAdd, nil
	case route.ActionDelete:
		return RuleRemove, nil
	default:
		return "", fmt.Errorf("unrecognized route action %q", action)
	}
}
