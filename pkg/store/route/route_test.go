/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package route

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/hyperledger/aries-framework-go/component/storageutil/mem"
	"github.com/hyperledger/aries-framework-go/spi/storage"
	"github.com/stretchr/testify/require"

	mockstorage "github.com/openclave/cloudagent/pkg/mock/storage"
)

func newManager(t *testing.T) *Manager {
	t.Helper()

	manager, err := New(&mockProviderOf{mem.NewProvider()})
	require.NoError(t, err)

	return manager
}

func TestNew(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		manager, err := New(&mockProviderOf{mem.NewProvider()})
		require.NoError(t, err)
		require.NotNil(t, manager)
	})

	t.Run("open store error", func(t *testing.T) {
		storeProv := mockstorage.NewMockStoreProvider()
		storeProv.ErrOpenStoreHandle = errors.New("open failed")

		_, err := New(&mockProviderOf{storeProv})
		require.Error(t, err)
		require.Contains(t, err.Error(), "open route store")
	})

	t.Run("set store config error", func(t *testing.T) {
		storeProv := mockstorage.NewMockStoreProvider()
		storeProv.ErrSetStoreConfig = errors.New("config failed")

		_, err := New(&mockProviderOf{storeProv})
		require.Error(t, err)
		require.Contains(t, err.Error(), "set route store config")
	})
}

func TestCreateRoute(t *testing.T) {
	t.Run("creates and retrieves", func(t *testing.T) {
		manager := newManager(t)

		record, err := manager.CreateRoute("key-1", WithConnectionID("conn-1"))
		require.NoError(t, err)
		require.Equal(t, RoleServer, record.Role)
		require.Equal(t, "conn-1", record.ConnectionID)

		got, err := manager.GetRecipient("key-1")
		require.NoError(t, err)
		require.Equal(t, record.RecordID, got.RecordID)
	})

	t.Run("empty recipient key rejected", func(t *testing.T) {
		manager := newManager(t)

		_, err := manager.CreateRoute("")
		require.EqualError(t, err, "recipient key is mandatory")
	})

	t.Run("identical rule is idempotent", func(t *testing.T) {
		manager := newManager(t)

		first, err := manager.CreateRoute("key-1", WithConnectionID("conn-1"))
		require.NoError(t, err)

		second, err := manager.CreateRoute("key-1", WithConnectionID("conn-1"))
		require.NoError(t, err)
		require.Equal(t, first.RecordID, second.RecordID)
	})

	t.Run("foreign owner conflicts", func(t *testing.T) {
		manager := newManager(t)

		_, err := manager.CreateRoute("key-1", WithConnectionID("conn-1"))
		require.NoError(t, err)

		_, err = manager.CreateRoute("key-1", WithConnectionID("conn-2"))
		require.ErrorIs(t, err, ErrRouteConflict)
	})

	t.Run("wallet route", func(t *testing.T) {
		manager := newManager(t)

		record, err := manager.CreateRoute("key-1", WithWalletID("w1"), WithRole(RoleClient))
		require.NoError(t, err)
		require.Equal(t, "w1", record.WalletID)
		require.Equal(t, RoleClient, record.Role)
	})
}

func TestManagersShareTableLocks(t *testing.T) {
	prov := &mockProviderOf{mem.NewProvider()}

	first, err := New(prov)
	require.NoError(t, err)

	second, err := New(prov)
	require.NoError(t, err)

	// The per-key lock belongs to the table, so two managers over the same
	// store serialize mutations of one key.
	require.Same(t, first.keyLocks, second.keyLocks)

	other, err := New(&mockProviderOf{mem.NewProvider()})
	require.NoError(t, err)
	require.NotSame(t, first.keyLocks, other.keyLocks)
}

func TestConcurrentCreateAcrossManagers(t *testing.T) {
	prov := &mockProviderOf{mem.NewProvider()}

	first, err := New(prov)
	require.NoError(t, err)

	second, err := New(prov)
	require.NoError(t, err)

	// Racing creates of one key through separate managers must yield
	// exactly one owner; the loser sees the conflict instead of holding a
	// record the table does not back.
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("key-%d", i)

		var (
			wg         sync.WaitGroup
			errA, errB error
		)

		wg.Add(2)

		go func() {
			defer wg.Done()

			_, errA = first.CreateRoute(key, WithConnectionID("conn-a"))
		}()

		go func() {
			defer wg.Done()

			_, errB = second.CreateRoute(key, WithConnectionID("conn-b"))
		}()

		wg.Wait()

		require.NotEqual(t, errA == nil, errB == nil, key)

		winner := "conn-a"

		if errA != nil {
			require.ErrorIs(t, errA, ErrRouteConflict, key)

			winner = "conn-b"
		} else {
			require.ErrorIs(t, errB, ErrRouteConflict, key)
		}

		got, err := first.GetRecipient(key)
		require.NoError(t, err)
		require.Equal(t, winner, got.ConnectionID, key)
	}
}

func TestGetRecipient(t *testing.T) {
	manager := newManager(t)

	_, err := manager.GetRecipient("unmapped")
	require.ErrorIs(t, err, ErrRouteNotFound)
}

func TestQueries(t *testing.T) {
	manager := newManager(t)

	_, err := manager.CreateRoute("key-1", WithConnectionID("conn-1"))
	require.NoError(t, err)

	_, err = manager.CreateRoute("key-2", WithConnectionID("conn-1"))
	require.NoError(t, err)

	_, err = manager.CreateRoute("key-3", WithConnectionID("conn-2"), WithWalletID("w1"),
		WithRole(RoleClient))
	require.NoError(t, err)

	byConn, err := manager.GetRoutes("conn-1")
	require.NoError(t, err)
	require.Len(t, byConn, 2)

	byRole, err := manager.GetRoutesByRole(RoleClient)
	require.NoError(t, err)
	require.Len(t, byRole, 1)
	require.Equal(t, "key-3", byRole[0].RecipientKey)

	byWallet, err := manager.GetWalletRoutes("w1")
	require.NoError(t, err)
	require.Len(t, byWallet, 1)
	require.Equal(t, "key-3", byWallet[0].RecipientKey)
}

func TestDeleteRoute(t *testing.T) {
	t.Run("owner deletes", func(t *testing.T) {
		manager := newManager(t)

		_, err := manager.CreateRoute("key-1", WithConnectionID("conn-1"))
		require.NoError(t, err)

		require.NoError(t, manager.DeleteRoute("key-1", "conn-1"))

		_, err = manager.GetRecipient("key-1")
		require.ErrorIs(t, err, ErrRouteNotFound)
	})

	t.Run("unmapped key", func(t *testing.T) {
		manager := newManager(t)

		err := manager.DeleteRoute("key-1", "conn-1")
		require.ErrorIs(t, err, ErrRouteNotFound)
	})

	t.Run("foreign owner cannot delete", func(t *testing.T) {
		manager := newManager(t)

		_, err := manager.CreateRoute("key-1", WithConnectionID("conn-1"))
		require.NoError(t, err)

		err = manager.DeleteRoute("key-1", "conn-2")
		require.ErrorIs(t, err, ErrRouteNotFound)

		// The rule is untouched.
		_, err = manager.GetRecipient("key-1")
		require.NoError(t, err)
	})
}

func TestDeleteWalletRoutes(t *testing.T) {
	manager := newManager(t)

	_, err := manager.CreateRoute("key-1", WithWalletID("w1"))
	require.NoError(t, err)

	_, err = manager.CreateRoute("key-2", WithWalletID("w1"))
	require.NoError(t, err)

	_, err = manager.CreateRoute("key-3", WithWalletID("w2"))
	require.NoError(t, err)

	require.NoError(t, manager.DeleteWalletRoutes("w1"))

	_, err = manager.GetRecipient("key-1")
	require.ErrorIs(t, err, ErrRouteNotFound)

	_, err = manager.GetRecipient("key-2")
	require.ErrorIs(t, err, ErrRouteNotFound)

	// Other wallets keep their routes.
	_, err = manager.GetRecipient("key-3")
	require.NoError(t, err)
}

func TestUpdateRoutes(t *testing.T) {
	t.Run("result vocabulary", func(t *testing.T) {
		manager := newManager(t)

		_, err := manager.CreateRoute("taken", WithConnectionID("other-conn"))
		require.NoError(t, err)

		results := manager.UpdateRoutes("conn-1", []Update{
			{RecipientKey: "key-1", Action: ActionCreate},
			{RecipientKey: "key-1", Action: ActionCreate},
			{RecipientKey: "taken", Action: ActionCreate},
			{RecipientKey: "key-1", Action: ActionDelete},
			{RecipientKey: "never-existed", Action: ActionDelete},
			{RecipientKey: "key-2", Action: "rotate"},
		})

		require.Equal(t, []Updated{
			{RecipientKey: "key-1", Action: ActionCreate, Result: ResultSuccess},
			{RecipientKey: "key-1", Action: ActionCreate, Result: ResultNoChange},
			{RecipientKey: "taken", Action: ActionCreate, Result: ResultClientError},
			{RecipientKey: "key-1", Action: ActionDelete, Result: ResultSuccess},
			{RecipientKey: "never-existed", Action: ActionDelete, Result: ResultNoChange},
			{RecipientKey: "key-2", Action: "rotate", Result: ResultClientError},
		}, results)
	})

	t.Run("create then delete restores the table", func(t *testing.T) {
		manager := newManager(t)

		manager.UpdateRoutes("conn-1", []Update{{RecipientKey: "key-1", Action: ActionCreate}})
		manager.UpdateRoutes("conn-1", []Update{{RecipientKey: "key-1", Action: ActionDelete}})

		_, err := manager.GetRecipient("key-1")
		require.ErrorIs(t, err, ErrRouteNotFound)
	})

	t.Run("store failure reported as server error", func(t *testing.T) {
		store := &mockstorage.MockStore{
			Store:  map[string]mockstorage.DBEntry{},
			ErrPut: errors.New("disk full"),
		}

		manager, err := New(&mockProviderOf{mockstorage.NewCustomMockStoreProvider(store)})
		require.NoError(t, err)

		results := manager.UpdateRoutes("conn-1", []Update{
			{RecipientKey: "key-1", Action: ActionCreate},
		})
		require.Equal(t, ResultServerError, results[0].Result)
	})
}

type mockProviderOf struct {
	storeProv storage.Provider
}

func (p *mockProviderOf) StorageProvider() storage.Provider {
	return p.storeProv
}
