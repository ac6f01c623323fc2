/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package mediator

// constants for coordinate-mediation spec types.
const (
	// Coordination is the name of the coordinate-mediation protocol.
	Coordination = "coordinatemediation"

	// CoordinationSpec defines the coordinate-mediation spec.
	CoordinationSpec = "https://didcomm.org/coordinate-mediation/1.0/"

	// RequestMsgType defines the mediation request message type.
	RequestMsgType = CoordinationSpec + "mediate-request"

	// GrantMsgType defines the mediation grant message type.
	GrantMsgType = CoordinationSpec + "mediate-grant"

	// DenyMsgType defines the mediation deny message type.
	DenyMsgType = CoordinationSpec + "mediate-deny"

	// KeylistUpdateMsgType defines the keylist update message type.
	KeylistUpdateMsgType = CoordinationSpec + "keylist-update"

	// KeylistUpdateResponseMsgType defines the keylist update response message type.
	KeylistUpdateResponseMsgType = CoordinationSpec + "keylist-update-response"

	// KeylistQueryMsgType defines the keylist query message type.
	KeylistQueryMsgType = CoordinationSpec + "keylist-query"

	// KeylistMsgType defines the keylist message type.
	KeylistMsgType = CoordinationSpec + "keylist"
)

// Keylist update rule actions.
// https://github.com/hyperledger/aries-rfcs/tree/master/features/0211-route-coordination#keylist-update
const (
	RuleAdd    = "add"
	RuleRemove = "remove"
)

// Request is the mediate-request message: an agent asking this agent to
// mediate for it.
type Request struct {
	Type           string   `json:"@type,omitempty"`
	ID             string   `json:"@id,omitempty"`
	MediatorTerms  []string `json:"mediator_terms,omitempty"`
	RecipientTerms []string `json:"recipient_terms,omitempty"`
}

// Grant is the mediate-grant message carrying the mediator's endpoint and
// routing keys.
type Grant struct {
	Type        string   `json:"@type,omitempty"`
	ID          string   `json:"@id,omitempty"`
	Endpoint    string   `json:"endpoint,omitempty"`
	RoutingKeys []string `json:"routing_keys,omitempty"`
}

// Deny is the mediate-deny message echoing the negotiated terms.
type Deny struct {
	Type           string   `json:"@type,omitempty"`
	ID             string   `json:"@id,omitempty"`
	MediatorTerms  []string `json:"mediator_terms,omitempty"`
	RecipientTerms []string `json:"recipient_terms,omitempty"`
}

// KeylistUpdate is the keylist-update message batching add/remove rules.
type KeylistUpdate struct {
	Type    string       `json:"@type,omitempty"`
	ID      string       `json:"@id,omitempty"`
	Updates []UpdateRule `json:"updates,omitempty"`
}

// UpdateRule is one add/remove rule inside a keylist update.
type UpdateRule struct {
	RecipientKey string `json:"recipient_key,omitempty"`
	Action       string `json:"action,omitempty"`
}

// KeylistUpdateResponse is the keylist-update-response message.
type KeylistUpdateResponse struct {
	Type    string        `json:"@type,omitempty"`
	ID      string        `json:"@id,omitempty"`
	Updated []UpdatedRule `json:"updated,omitempty"`
}

// UpdatedRule reports the outcome of one rule from a keylist update.
type UpdatedRule struct {
	RecipientKey string `json:"recipient_key,omitempty"`
	Action       string `json:"action,omitempty"`
	Result       string `json:"result,omitempty"`
}

// KeylistQuery is the keylist-query message.
type KeylistQuery struct {
	Type     string                 `json:"@type,omitempty"`
	ID       string                 `json:"@id,omitempty"`
	Filter   map[string]interface{} `json:"filter,omitempty"`
	Paginate *Paginate              `json:"paginate,omitempty"`
}

// Paginate bounds a keylist query.
type Paginate struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// Keylist is the keylist message listing the keys this mediator routes for
// a client.
type Keylist struct {
	Type       string       `json:"@type,omitempty"`
	ID         string       `json:"@id,omitempty"`
	Keys       []KeylistKey `json:"keys,omitempty"`
	Pagination *Paginate    `json:"pagination,omitempty"`
}

// KeylistKey is one routed recipient key in a keylist.
type KeylistKey struct {
	RecipientKey string `json:"recipient_key,omitempty"`
}
