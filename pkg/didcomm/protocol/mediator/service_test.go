/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package mediator

import (
	"errors"
	"testing"
	"time"

	"github.com/hyperledger/aries-framework-go/component/storageutil/mem"
	"github.com/hyperledger/aries-framework-go/spi/storage"
	"github.com/stretchr/testify/require"

	mockdidcomm "github.com/openclave/cloudagent/pkg/mock/didcomm"
	mockprovider "github.com/openclave/cloudagent/pkg/mock/provider"
	mockstorage "github.com/openclave/cloudagent/pkg/mock/storage"
	"github.com/openclave/cloudagent/pkg/store/route"
	"github.com/openclave/cloudagent/pkg/wallet"
)

const testEndpoint = "https://router.example.com"

func newCoordinator(t *testing.T) (*Coordinator, *mockdidcomm.MockOutbound) {
	t.Helper()

	outbound := &mockdidcomm.MockOutbound{}

	coordinator, err := New(&mockprovider.Provider{
		StorageProviderValue:    mem.NewProvider(),
		OutboundDispatcherValue: outbound,
		RouterEndpointValue:     testEndpoint,
		WalletValue:             wallet.NewLocalCreator(),
	})
	require.NoError(t, err)

	return coordinator, outbound
}

func TestNew(t *testing.T) {
	t.Run("open store error", func(t *testing.T) {
		storeProv := mockstorage.NewMockStoreProvider()
		storeProv.ErrOpenStoreHandle = errors.New("open failed")

		_, err := New(&mockprovider.Provider{StorageProviderValue: storeProv})
		require.Error(t, err)
		require.Contains(t, err.Error(), "open mediation store")
	})

	t.Run("set store config error", func(t *testing.T) {
		storeProv := mockstorage.NewMockStoreProvider()
		storeProv.ErrSetStoreConfig = errors.New("config failed")

		_, err := New(&mockprovider.Provider{StorageProviderValue: storeProv})
		require.Error(t, err)
		require.Contains(t, err.Error(), "set mediation store config")
	})

	t.Run("shared route manager", func(t *testing.T) {
		storeProv := mem.NewProvider()

		shared, err := route.New(&mockprovider.Provider{StorageProviderValue: storeProv})
		require.NoError(t, err)

		coordinator, err := New(&mockprovider.Provider{
			StorageProviderValue:    storeProv,
			OutboundDispatcherValue: &mockdidcomm.MockOutbound{},
			RouterEndpointValue:     testEndpoint,
			WalletValue:             wallet.NewLocalCreator(),
		}, WithRouteManager(shared))
		require.NoError(t, err)
		require.Same(t, shared, coordinator.Routes())
	})
}

func TestReceiveRequest(t *testing.T) {
	t.Run("creates mediator-side record", func(t *testing.T) {
		coordinator, _ := newCoordinator(t)

		record, err := coordinator.ReceiveRequest("conn-1", &Request{
			Type:          RequestMsgType,
			MediatorTerms: []string{"no-spam"},
		})
		require.NoError(t, err)
		require.Equal(t, RoleMediator, record.Role)
		require.Equal(t, StateRequestReceived, record.State)
		require.Equal(t, []string{"no-spam"}, record.MediatorTerms)

		got, err := coordinator.GetRecordForConnection("conn-1")
		require.NoError(t, err)
		require.Equal(t, record.MediationID, got.MediationID)
	})

	t.Run("single mediation per connection", func(t *testing.T) {
		coordinator, _ := newCoordinator(t)

		_, err := coordinator.ReceiveRequest("conn-1", &Request{})
		require.NoError(t, err)

		_, err = coordinator.ReceiveRequest("conn-1", &Request{})
		require.ErrorIs(t, err, ErrMediationAlreadyExists)
	})
}

func TestGrantRequest(t *testing.T) {
	t.Run("grants and transitions", func(t *testing.T) {
		coordinator, _ := newCoordinator(t)

		record, err := coordinator.ReceiveRequest("conn-1", &Request{})
		require.NoError(t, err)

		granted, grant, err := coordinator.GrantRequest(record.MediationID)
		require.NoError(t, err)
		require.Equal(t, StateGranted, granted.State)
		require.Equal(t, GrantMsgType, grant.Type)
		require.NotEmpty(t, grant.ID)
		require.Equal(t, testEndpoint, grant.Endpoint)
		require.Len(t, grant.RoutingKeys, 1)
	})

	t.Run("routing DID created once and reused across grants", func(t *testing.T) {
		coordinator, _ := newCoordinator(t)

		first, err := coordinator.ReceiveRequest("conn-1", &Request{})
		require.NoError(t, err)

		second, err := coordinator.ReceiveRequest("conn-2", &Request{})
		require.NoError(t, err)

		_, firstGrant, err := coordinator.GrantRequest(first.MediationID)
		require.NoError(t, err)

		_, secondGrant, err := coordinator.GrantRequest(second.MediationID)
		require.NoError(t, err)

		require.Equal(t, firstGrant.RoutingKeys, secondGrant.RoutingKeys)
	})

	t.Run("double grant is a state error", func(t *testing.T) {
		coordinator, _ := newCoordinator(t)

		record, err := coordinator.ReceiveRequest("conn-1", &Request{})
		require.NoError(t, err)

		_, _, err = coordinator.GrantRequest(record.MediationID)
		require.NoError(t, err)

		_, _, err = coordinator.GrantRequest(record.MediationID)

		stateErr := &StateError{}
		require.ErrorAs(t, err, &stateErr)
		require.Equal(t, StateRequestReceived, stateErr.Expected)
		require.Equal(t, StateGranted, stateErr.Actual)
	})

	t.Run("unknown mediation", func(t *testing.T) {
		coordinator, _ := newCoordinator(t)

		_, _, err := coordinator.GrantRequest("missing")
		require.ErrorIs(t, err, ErrMediationNotFound)
	})

	t.Run("illegal grant provisions no routing DID", func(t *testing.T) {
		coordinator, _ := newCoordinator(t)

		record, err := coordinator.ReceiveRequest("conn-1", &Request{})
		require.NoError(t, err)

		_, _, err = coordinator.DenyRequest(record.MediationID)
		require.NoError(t, err)

		_, _, err = coordinator.GrantRequest(record.MediationID)

		stateErr := &StateError{}
		require.ErrorAs(t, err, &stateErr)

		_, err = coordinator.store.Get(routingDIDKey)
		require.ErrorIs(t, err, storage.ErrDataNotFound)
	})
}

func TestDenyRequest(t *testing.T) {
	coordinator, _ := newCoordinator(t)

	record, err := coordinator.ReceiveRequest("conn-1", &Request{
		MediatorTerms:  []string{"m-term"},
		RecipientTerms: []string{"r-term"},
	})
	require.NoError(t, err)

	denied, deny, err := coordinator.DenyRequest(record.MediationID)
	require.NoError(t, err)
	require.Equal(t, StateDenied, denied.State)
	require.Equal(t, DenyMsgType, deny.Type)
	require.Equal(t, []string{"m-term"}, deny.MediatorTerms)
	require.Equal(t, []string{"r-term"}, deny.RecipientTerms)

	// A denied request cannot be granted afterwards.
	_, _, err = coordinator.GrantRequest(record.MediationID)

	stateErr := &StateError{}
	require.ErrorAs(t, err, &stateErr)
}

func TestUpdateKeylist(t *testing.T) {
	t.Run("add and remove round trip", func(t *testing.T) {
		coordinator, _ := newCoordinator(t)

		record, err := coordinator.ReceiveRequest("conn-1", &Request{})
		require.NoError(t, err)

		response, err := coordinator.UpdateKeylist(record, []UpdateRule{
			{RecipientKey: "key-1", Action: RuleAdd},
			{RecipientKey: "key-2", Action: RuleAdd},
		})
		require.NoError(t, err)
		require.Equal(t, []UpdatedRule{
			{RecipientKey: "key-1", Action: RuleAdd, Result: route.ResultSuccess},
			{RecipientKey: "key-2", Action: RuleAdd, Result: route.ResultSuccess},
		}, response.Updated)

		keylist, err := coordinator.GetKeylist(record)
		require.NoError(t, err)
		require.Len(t, keylist, 2)

		response, err = coordinator.UpdateKeylist(record, []UpdateRule{
			{RecipientKey: "key-1", Action: RuleRemove},
			{RecipientKey: "key-2", Action: RuleRemove},
		})
		require.NoError(t, err)
		require.Equal(t, []UpdatedRule{
			{RecipientKey: "key-1", Action: RuleRemove, Result: route.ResultSuccess},
			{RecipientKey: "key-2", Action: RuleRemove, Result: route.ResultSuccess},
		}, response.Updated)

		// The routing table is back to its initial state.
		keylist, err = coordinator.GetKeylist(record)
		require.NoError(t, err)
		require.Empty(t, keylist)
	})

	t.Run("redundant and foreign mutations", func(t *testing.T) {
		coordinator, _ := newCoordinator(t)

		record, err := coordinator.ReceiveRequest("conn-1", &Request{})
		require.NoError(t, err)

		other, err := coordinator.ReceiveRequest("conn-2", &Request{})
		require.NoError(t, err)

		_, err = coordinator.UpdateKeylist(other, []UpdateRule{
			{RecipientKey: "taken", Action: RuleAdd},
		})
		require.NoError(t, err)

		response, err := coordinator.UpdateKeylist(record, []UpdateRule{
			{RecipientKey: "missing", Action: RuleRemove},
			{RecipientKey: "taken", Action: RuleAdd},
		})
		require.NoError(t, err)
		require.Equal(t, route.ResultNoChange, response.Updated[0].Result)
		require.Equal(t, route.ResultClientError, response.Updated[1].Result)
	})

	t.Run("unknown rule rejected", func(t *testing.T) {
		coordinator, _ := newCoordinator(t)

		record, err := coordinator.ReceiveRequest("conn-1", &Request{})
		require.NoError(t, err)

		_, err = coordinator.UpdateKeylist(record, []UpdateRule{
			{RecipientKey: "key-1", Action: "rotate"},
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "unrecognized keylist update rule")
	})
}

func TestHandleKeylistUpdate(t *testing.T) {
	coordinator, outbound := newCoordinator(t)

	record, err := coordinator.ReceiveRequest("conn-1", &Request{})
	require.NoError(t, err)

	err = coordinator.HandleKeylistUpdate(record, &KeylistUpdate{
		Type:    KeylistUpdateMsgType,
		Updates: []UpdateRule{{RecipientKey: "key-1", Action: RuleAdd}},
	})
	require.NoError(t, err)

	sent := outbound.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, "conn-1", sent[0].ConnectionID)

	response, ok := sent[0].Msg.(*KeylistUpdateResponse)
	require.True(t, ok)
	require.Equal(t, KeylistUpdateResponseMsgType, response.Type)
	require.Len(t, response.Updated, 1)
	require.Equal(t, route.ResultSuccess, response.Updated[0].Result)
}

func TestClientFlow(t *testing.T) {
	t.Run("request then granted", func(t *testing.T) {
		coordinator, _ := newCoordinator(t)

		record, request, err := coordinator.PrepareRequest("conn-1",
			[]string{"m-term"}, []string{"r-term"})
		require.NoError(t, err)
		require.Equal(t, RoleClient, record.Role)
		require.Equal(t, StateRequestSent, record.State)
		require.Equal(t, RequestMsgType, request.Type)
		require.Equal(t, []string{"m-term"}, request.MediatorTerms)

		granted, err := coordinator.RequestGranted(record.MediationID, &Grant{
			Endpoint:    testEndpoint,
			RoutingKeys: []string{"router-key"},
		})
		require.NoError(t, err)
		require.Equal(t, StateGranted, granted.State)
		require.Equal(t, testEndpoint, granted.Endpoint)
		require.Equal(t, []string{"router-key"}, granted.RoutingKeys)
	})

	t.Run("request then denied", func(t *testing.T) {
		coordinator, _ := newCoordinator(t)

		record, _, err := coordinator.PrepareRequest("conn-1", nil, nil)
		require.NoError(t, err)

		denied, err := coordinator.RequestDenied(record.MediationID, &Deny{
			MediatorTerms: []string{"refused"},
		})
		require.NoError(t, err)
		require.Equal(t, StateDenied, denied.State)
		require.Equal(t, []string{"refused"}, denied.MediatorTerms)
	})

	t.Run("single mediation per connection", func(t *testing.T) {
		coordinator, _ := newCoordinator(t)

		_, _, err := coordinator.PrepareRequest("conn-1", nil, nil)
		require.NoError(t, err)

		_, _, err = coordinator.PrepareRequest("conn-1", nil, nil)
		require.ErrorIs(t, err, ErrMediationAlreadyExists)
	})

	t.Run("grant on a mediator-side record is rejected", func(t *testing.T) {
		coordinator, _ := newCoordinator(t)

		record, err := coordinator.ReceiveRequest("conn-1", &Request{})
		require.NoError(t, err)

		_, err = coordinator.RequestGranted(record.MediationID, &Grant{})
		require.Error(t, err)
		require.Contains(t, err.Error(), "role")
	})
}

func TestKeylistMessageBuilders(t *testing.T) {
	coordinator, _ := newCoordinator(t)

	t.Run("add and remove batch into one message", func(t *testing.T) {
		msg := coordinator.AddKey("key-1", nil)
		require.Equal(t, KeylistUpdateMsgType, msg.Type)
		require.NotEmpty(t, msg.ID)

		msg = coordinator.AddKey("key-2", msg)
		msg = coordinator.RemoveKey("key-3", msg)

		require.Equal(t, []UpdateRule{
			{RecipientKey: "key-1", Action: RuleAdd},
			{RecipientKey: "key-2", Action: RuleAdd},
			{RecipientKey: "key-3", Action: RuleRemove},
		}, msg.Updates)
	})

	t.Run("keylist query", func(t *testing.T) {
		query := coordinator.PrepareKeylistQuery(map[string]interface{}{"role": "client"}, 10, 20)
		require.Equal(t, KeylistQueryMsgType, query.Type)
		require.Equal(t, 10, query.Paginate.Limit)
		require.Equal(t, 20, query.Paginate.Offset)
	})

	t.Run("keylist response", func(t *testing.T) {
		keylist := coordinator.CreateKeylistQueryResponse([]*route.Record{
			{RecipientKey: "key-1"},
			{RecipientKey: "key-2"},
		})
		require.Equal(t, KeylistMsgType, keylist.Type)
		require.Equal(t, []KeylistKey{
			{RecipientKey: "key-1"},
			{RecipientKey: "key-2"},
		}, keylist.Keys)
	})
}

func TestGetMyKeylist(t *testing.T) {
	coordinator, _ := newCoordinator(t)

	_, err := coordinator.Routes().CreateRoute("client-key",
		route.WithConnectionID("conn-1"), route.WithRole(route.RoleClient))
	require.NoError(t, err)

	_, err = coordinator.Routes().CreateRoute("server-key",
		route.WithConnectionID("conn-1"))
	require.NoError(t, err)

	t.Run("all client routes", func(t *testing.T) {
		records, err := coordinator.GetMyKeylist("")
		require.NoError(t, err)
		require.Len(t, records, 1)
		require.Equal(t, "client-key", records[0].RecipientKey)
	})

	t.Run("scoped to connection", func(t *testing.T) {
		records, err := coordinator.GetMyKeylist("conn-1")
		require.NoError(t, err)
		require.Len(t, records, 1)
		require.Equal(t, "client-key", records[0].RecipientKey)

		records, err = coordinator.GetMyKeylist("conn-2")
		require.NoError(t, err)
		require.Empty(t, records)
	})
}

func TestAwaitGrant(t *testing.T) {
	t.Run("already granted", func(t *testing.T) {
		coordinator, _ := newCoordinator(t)

		record, _, err := coordinator.PrepareRequest("conn-1", nil, nil)
		require.NoError(t, err)

		_, err = coordinator.RequestGranted(record.MediationID, &Grant{Endpoint: testEndpoint})
		require.NoError(t, err)

		granted, err := coordinator.AwaitGrant(record.MediationID, time.Second)
		require.NoError(t, err)
		require.Equal(t, StateGranted, granted.State)
	})

	t.Run("denied stops the wait", func(t *testing.T) {
		coordinator, _ := newCoordinator(t)

		record, _, err := coordinator.PrepareRequest("conn-1", nil, nil)
		require.NoError(t, err)

		_, err = coordinator.RequestDenied(record.MediationID, &Deny{})
		require.NoError(t, err)

		_, err = coordinator.AwaitGrant(record.MediationID, time.Minute)
		require.Error(t, err)
		require.Contains(t, err.Error(), "denied")
	})

	t.Run("times out while pending", func(t *testing.T) {
		coordinator, _ := newCoordinator(t)

		record, _, err := coordinator.PrepareRequest("conn-1", nil, nil)
		require.NoError(t, err)

		_, err = coordinator.AwaitGrant(record.MediationID, 0)
		require.Error(t, err)
		require.Contains(t, err.Error(), "not granted")
	})

	t.Run("unknown mediation", func(t *testing.T) {
		coordinator, _ := newCoordinator(t)

		_, err := coordinator.AwaitGrant("missing", time.Second)
		require.ErrorIs(t, err, ErrMediationNotFound)
	})
}
