/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package connection

import "github.com/google/uuid"

// Accept policies for inbound protocol steps on a connection.
const (
	AcceptManual = "manual"
	AcceptAuto   = "auto"
)

// Invitation modes.
const (
	InvitationModeOnce   = "once"
	InvitationModeMulti  = "multi"
	InvitationModeStatic = "static"
)

// Routing states of a connection.
const (
	RoutingStateNone    = "none"
	RoutingStateRequest = "request"
	RoutingStateActive  = "active"
	RoutingStateError   = "error"
)

// Role collates the equivalent role names of the connection protocol and
// the DID exchange protocol. Either label identifies the same role.
type Role struct {
	connection  string
	didExchange string
}

// Connection roles. The requester initiates by accepting an invitation, the
// responder issued it.
var (
	RoleRequester = Role{connection: "invitee", didExchange: "requester"}
	RoleResponder = Role{connection: "inviter", didExchange: "responder"}
)

// RoleFromLabel resolves a role from either nomenclature. The second return
// is false for an unrecognized label.
func RoleFromLabel(label string) (Role, bool) {
	for _, role := range []Role{RoleRequester, RoleResponder} {
		if role.Matches(label) {
			return role, true
		}
	}

	return Role{}, false
}

// Connection returns the connection protocol name for the role.
func (r Role) Connection() string { return r.connection }

// DIDExchange returns the DID exchange protocol name for the role.
func (r Role) DIDExchange() string { return r.didExchange }

// Matches reports whether label names this role in either nomenclature.
func (r Role) Matches(label string) bool {
	return label != "" && (label == r.connection || label == r.didExchange)
}

// Flip returns the interlocutor role. Used only when this agent must assume
// the counter-role, e.g. while relaying a routed connection.
func (r Role) Flip() Role {
	if r == RoleResponder {
		return RoleRequester
	}

	return RoleResponder
}

// State collates the equivalent state names of the connection protocol and
// the DID exchange protocol.
type State struct {
	connection  string
	didExchange string
}

// Connection states, in protocol order. StateAbandoned is the terminal
// error state.
var (
	StateInit       = State{connection: "init", didExchange: "start"}
	StateInvitation = State{connection: "invitation", didExchange: "invitation"}
	StateRequest    = State{connection: "request", didExchange: "request"}
	StateResponse   = State{connection: "response", didExchange: "response"}
	StateCompleted  = State{connection: "active", didExchange: "completed"}
	StateAbandoned  = State{connection: "error", didExchange: "abandoned"}
)

func allStates() []State {
	return []State{StateInit, StateInvitation, StateRequest, StateResponse, StateCompleted, StateAbandoned}
}

// StateFromLabel resolves a state from either nomenclature. The second
// return is false for an unrecognized label.
func StateFromLabel(label string) (State, bool) {
	for _, state := range allStates() {
		if state.Matches(label) {
			return state, true
		}
	}

	return State{}, false
}

// Connection returns the connection protocol name for the state.
func (s State) Connection() string { return s.connection }

// DIDExchange returns the DID exchange protocol name for the state.
func (s State) DIDExchange() string { return s.didExchange }

// Matches reports whether label names this state in either nomenclature.
func (s State) Matches(label string) bool {
	return label != "" && (label == s.connection || label == s.didExchange)
}

// Record holds the state of a single pairwise connection. State and
// TheirRole carry labels resolvable through StateFromLabel/RoleFromLabel,
// in either nomenclature.
type Record struct {
	ConnectionID          string   `json:"connection_id"`
	MyDID                 string   `json:"my_did,omitempty"`
	TheirDID              string   `json:"their_did,omitempty"`
	TheirLabel            string   `json:"their_label,omitempty"`
	TheirRole             string   `json:"their_role,omitempty"`
	State                 string   `json:"state"`
	InvitationKey         string   `json:"invitation_key,omitempty"`
	RequestID             string   `json:"request_id,omitempty"`
	InboundConnectionID   string   `json:"inbound_connection_id,omitempty"`
	RoutingState          string   `json:"routing_state,omitempty"`
	Accept                string   `json:"accept,omitempty"`
	InvitationMode        string   `json:"invitation_mode,omitempty"`
	Alias                 string   `json:"alias,omitempty"`
	ErrorMsg              string   `json:"error_msg,omitempty"`
	MyTransactionRoles    []string `json:"my_transaction_roles,omitempty"`
	TheirTransactionRoles []string `json:"their_transaction_roles,omitempty"`
}

// NewRecord returns a Record in the init state with default policies. An
// empty connectionID is replaced with a fresh identifier. Transaction role
// lists are allocated per record, never shared.
func NewRecord(connectionID string) *Record {
	if connectionID == "" {
		connectionID = uuid.New().String()
	}

	return &Record{
		ConnectionID:          connectionID,
		State:                 StateInit.Connection(),
		RoutingState:          RoutingStateNone,
		Accept:                AcceptManual,
		InvitationMode:        InvitationModeOnce,
		MyTransactionRoles:    []string{},
		TheirTransactionRoles: []string{},
	}
}

// IsReady reports whether the connection can carry protocol traffic. It is
// a pure predicate over the record's state.
func (r *Record) IsReady() bool {
	state, ok := StateFromLabel(r.State)

	return ok && (state == StateResponse || state == StateCompleted)
}

// IsMultiUseInvitation reports whether the originating invitation may be
// accepted more than once.
func (r *Record) IsMultiUseInvitation() bool {
	return r.InvitationMode == InvitationModeMulti
}
