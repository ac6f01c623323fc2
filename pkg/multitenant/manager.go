/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package multitenant

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bluele/gcache"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/hyperledger/aries-framework-go/component/log"
	"github.com/hyperledger/aries-framework-go/spi/storage"

	"github.com/openclave/cloudagent/pkg/didcomm/wireformat"
	"github.com/openclave/cloudagent/pkg/internal/keylock"
	"github.com/openclave/cloudagent/pkg/store/route"
)

const (
	// Namespace is the name of the tenant record store.
	Namespace = "multitenant"

	walletKeyPrefix = "walletrec"
	tagWalletName   = "wallet_name"

	claimWalletID  = "wallet_id"
	claimWalletKey = "wallet_key"
	claimIssuedAt  = "iat"
)

var logger = log.New("cloudagent/multitenant")

var (
	// ErrWalletNotFound is returned when no tenant record matches.
	ErrWalletNotFound = errors.New("wallet record not found")
	// ErrWalletNameExists is returned when a wallet name collides with the
	// base wallet or another tenant.
	ErrWalletNameExists = errors.New("wallet name already in use")
	// ErrWalletKeyMissing is returned when an unmanaged wallet operation is
	// attempted without the tenant-supplied key.
	ErrWalletKeyMissing = errors.New("unmanaged wallet requires a wallet key")
	// ErrNoWireFormat is returned when message-to-tenant resolution has no
	// wire format to extract recipient keys with.
	ErrNoWireFormat = errors.New("no wire format configured for router")
)

type provider interface {
	StorageProvider() storage.Provider
}

// Config carries the deployment-level settings of the tenant manager.
type Config struct {
	// TokenSecret signs tenant auth tokens.
	TokenSecret []byte
	// BaseWalletName is the name of the agent's own wallet. Tenant names
	// must not collide with it.
	BaseWalletName string
	// ProfileOpener opens tenant storage partitions. Defaults to the
	// in-memory opener.
	ProfileOpener ProfileOpener
	// WireFormat extracts recipient keys during message resolution when the
	// caller supplies none.
	WireFormat wireformat.WireFormat
	// Routes shares an existing routing table with the manager instead of
	// opening one over the provider's storage. Components operating on one
	// table should hold the same manager.
	Routes *route.Manager
}

// Manager hosts tenant wallets. Live profiles are memoized per tenant; a
// tenant's cache entry is built and evicted under a lock scoped to that
// tenant, so lookups for different tenants never block each other.
type Manager struct {
	store       storage.Store
	routes      *route.Manager
	profiles    gcache.Cache
	tenantLocks *keylock.Set
	opener      ProfileOpener
	config      Config
}

// NewManager returns a tenant manager over the provider's storage.
func NewManager(prov provider, config Config) (*Manager, error) {
	store, err := prov.StorageProvider().OpenStore(Namespace)
	if err != nil {
		return nil, fmt.Errorf("open tenant store: %w", err)
	}

	err = prov.StorageProvider().SetStoreConfig(Namespace, storage.StoreConfiguration{
		TagNames: []string{walletKeyPrefix, tagWalletName},
	})
	if err != nil {
		return nil, fmt.Errorf("set tenant store config: %w", err)
	}

	routes := config.Routes
	if routes == nil {
		routes, err = route.New(prov)
		if err != nil {
			return nil, err
		}
	}

	opener := config.ProfileOpener
	if opener == nil {
		opener = NewMemProfileOpener()
	}

	return &Manager{
		store:       store,
		routes:      routes,
		profiles:    gcache.New(0).Build(),
		tenantLocks: keylock.New(),
		opener:      opener,
		config:      config,
	}, nil
}

// Routes returns the routing table the manager resolves tenants against.
func (m *Manager) Routes() *route.Manager {
	return m.routes
}

// GetWalletProfile returns the live profile for a tenant, building it on
// first access and serving the memoized handle afterwards. With provision
// set the backing store is initialized if missing.
func (m *Manager) GetWalletProfile(record *WalletRecord, extraSettings map[string]interface{},
	provision bool) (*Profile, error) {
	unlock := m.tenantLocks.Lock(record.WalletID)
	defer unlock()

	if cached, err := m.profiles.Get(record.WalletID); err == nil {
		if profile, ok := cached.(*Profile); ok {
			return profile, nil
		}
	}

	settings, err := record.WalletConfig.Settings()
	if err != nil {
		return nil, err
	}

	for name, value := range extraSettings {
		settings[name] = value
	}

	partition, err := m.opener.Open(record.WalletID, settings, provision)
	if err != nil {
		return nil, fmt.Errorf("open tenant profile: %w", err)
	}

	profile := &Profile{
		WalletID: record.WalletID,
		Settings: settings,
		Storage:  partition,
	}

	if err := m.profiles.Set(record.WalletID, profile); err != nil {
		logger.Errorf("failed to cache tenant profile: %s", err)
	}

	return profile, nil
}

// CreateWallet provisions a new tenant. The wallet name, if given, must be
// unique across the base wallet and all tenants. An unmanaged wallet's key
// is used for provisioning but stripped from the persisted record.
func (m *Manager) CreateWallet(config WalletConfig, keyManagementMode string,
	extraSettings map[string]interface{}) (*WalletRecord, error) {
	switch keyManagementMode {
	case KeyManagementModeManaged, KeyManagementModeUnmanaged:
	default:
		return nil, fmt.Errorf("invalid key management mode %q", keyManagementMode)
	}

	if config.Name != "" {
		if err := m.checkNameAvailable(config.Name); err != nil {
			return nil, err
		}
	}

	record := &WalletRecord{
		WalletID:          uuid.New().String(),
		KeyManagementMode: keyManagementMode,
		WalletConfig:      config,
	}

	if record.RequiresExternalKey() {
		record.WalletConfig.Key = ""
	}

	if err := m.saveRecord(record); err != nil {
		return nil, err
	}

	// Provision with the full configuration, including any key the
	// persisted record does not carry.
	provisionRecord := &WalletRecord{
		WalletID:          record.WalletID,
		KeyManagementMode: keyManagementMode,
		WalletConfig:      config,
	}

	if _, err := m.GetWalletProfile(provisionRecord, extraSettings, true); err != nil {
		// Release the record and its name reservation rather than leave a
		// tenant that was never provisioned.
		if deleteErr := m.store.Delete(walletDataKey(record.WalletID)); deleteErr != nil {
			logger.Errorf("failed to delete unprovisioned wallet %s: %s",
				record.WalletID, deleteErr)
		}

		return nil, err
	}

	logger.Debugf("created %s wallet %s", keyManagementMode, record.WalletID)

	return record, nil
}

// RemoveWallet deletes a tenant: its cached profile, its routes, its
// storage partition, and finally its record. The cache entry is evicted
// before the partition is destroyed so no concurrent caller is handed a
// profile over a store being torn down.
func (m *Manager) RemoveWallet(walletID, walletKey string) error {
	record, err := m.GetWallet(walletID)
	if err != nil {
		return err
	}

	if record.RequiresExternalKey() && walletKey == "" {
		return fmt.Errorf("wallet %s: %w", walletID, ErrWalletKeyMissing)
	}

	unlock := m.tenantLocks.Lock(walletID)
	defer unlock()

	m.profiles.Remove(walletID)

	if err := m.routes.DeleteWalletRoutes(walletID); err != nil {
		return err
	}

	if err := m.opener.Remove(walletID); err != nil {
		return fmt.Errorf("remove tenant partition: %w", err)
	}

	if err := m.store.Delete(walletDataKey(walletID)); err != nil {
		return fmt.Errorf("delete tenant record: %w", err)
	}

	logger.Debugf("removed wallet %s", walletID)

	return nil
}

// CreateAuthToken issues the signed token a tenant presents on subsequent
// requests. Unmanaged tenants must supply their wallet key, which the
// token carries in place of any persisted copy.
func (m *Manager) CreateAuthToken(record *WalletRecord, walletKey string) (string, error) {
	claims := jwt.MapClaims{
		claimWalletID: record.WalletID,
		claimIssuedAt: time.Now().Unix(),
	}

	if record.RequiresExternalKey() {
		if walletKey == "" {
			return "", fmt.Errorf("wallet %s: %w", record.WalletID, ErrWalletKeyMissing)
		}

		claims[claimWalletKey] = walletKey
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.config.TokenSecret)
	if err != nil {
		return "", fmt.Errorf("sign auth token: %w", err)
	}

	return token, nil
}

// ValidateAuthToken verifies a tenant auth token and returns the tenant
// record plus the wallet key the token carries for unmanaged tenants.
func (m *Manager) ValidateAuthToken(token string) (*WalletRecord, string, error) {
	parsed, err := jwt.Parse(token, func(*jwt.Token) (interface{}, error) {
		return m.config.TokenSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, "", fmt.Errorf("parse auth token: %w", err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, "", errors.New("auth token claims have unexpected type")
	}

	walletID, ok := claims[claimWalletID].(string)
	if !ok || walletID == "" {
		return nil, "", errors.New("auth token missing wallet_id claim")
	}

	record, err := m.GetWallet(walletID)
	if err != nil {
		return nil, "", err
	}

	walletKey, _ := claims[claimWalletKey].(string)

	if record.RequiresExternalKey() && walletKey == "" {
		return nil, "", fmt.Errorf("wallet %s: %w", walletID, ErrWalletKeyMissing)
	}

	return record, walletKey, nil
}

// AddWalletRoute maps a recipient key to a tenant so inbound messages for
// that key resolve to it.
func (m *Manager) AddWalletRoute(walletID, recipientKey string) (*route.Record, error) {
	if _, err := m.GetWallet(walletID); err != nil {
		return nil, err
	}

	return m.routes.CreateRoute(recipientKey, route.WithWalletID(walletID))
}

// GetWalletsByMessage resolves an opaque inbound envelope to the tenants
// that own one of its recipient keys. Keys mapped to no tenant are
// skipped. A nil wireFormat falls back to the configured one; having
// neither fails with ErrNoWireFormat.
func (m *Manager) GetWalletsByMessage(messageBody []byte,
	wireFmt wireformat.WireFormat) ([]*WalletRecord, error) {
	if wireFmt == nil {
		wireFmt = m.config.WireFormat
	}

	if wireFmt == nil {
		return nil, ErrNoWireFormat
	}

	recipientKeys, err := wireFmt.RecipientKeys(messageBody)
	if err != nil {
		return nil, fmt.Errorf("extract recipient keys: %w", err)
	}

	var records []*WalletRecord

	seen := map[string]struct{}{}

	for _, recipientKey := range recipientKeys {
		routeRecord, err := m.routes.GetRecipient(recipientKey)
		if err != nil {
			if errors.Is(err, route.ErrRouteNotFound) {
				continue
			}

			return nil, err
		}

		if routeRecord.WalletID == "" {
			continue
		}

		if _, ok := seen[routeRecord.WalletID]; ok {
			continue
		}

		seen[routeRecord.WalletID] = struct{}{}

		record, err := m.GetWallet(routeRecord.WalletID)
		if err != nil {
			if errors.Is(err, ErrWalletNotFound) {
				logger.Warnf("route for key %s names missing wallet %s",
					recipientKey, routeRecord.WalletID)

				continue
			}

			return nil, err
		}

		records = append(records, record)
	}

	return records, nil
}

// GetWallet returns the tenant record with the given ID.
func (m *Manager) GetWallet(walletID string) (*WalletRecord, error) {
	src, err := m.store.Get(walletDataKey(walletID))
	if err != nil {
		if errors.Is(err, storage.ErrDataNotFound) {
			return nil, fmt.Errorf("wallet ID %s: %w", walletID, ErrWalletNotFound)
		}

		return nil, fmt.Errorf("get tenant record: %w", err)
	}

	var record WalletRecord

	if err := json.Unmarshal(src, &record); err != nil {
		return nil, fmt.Errorf("unmarshal tenant record: %w", err)
	}

	return &record, nil
}

// GetWallets returns all tenant records.
func (m *Manager) GetWallets() ([]*WalletRecord, error) {
	itr, err := m.store.Query(walletKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("query tenant store: %w", err)
	}

	defer storage.Close(itr, logger)

	var records []*WalletRecord

	more, err := itr.Next()
	if err != nil {
		return nil, fmt.Errorf("next tenant record: %w", err)
	}

	for more {
		src, err := itr.Value()
		if err != nil {
			return nil, fmt.Errorf("tenant record value: %w", err)
		}

		var record WalletRecord

		if err := json.Unmarshal(src, &record); err != nil {
			return nil, fmt.Errorf("unmarshal tenant record: %w", err)
		}

		records = append(records, &record)

		more, err = itr.Next()
		if err != nil {
			return nil, fmt.Errorf("next tenant record: %w", err)
		}
	}

	return records, nil
}

func (m *Manager) checkNameAvailable(name string) error {
	if name == m.config.BaseWalletName {
		return fmt.Errorf("wallet name %q: %w", name, ErrWalletNameExists)
	}

	itr, err := m.store.Query(tagWalletName + ":" + name)
	if err != nil {
		return fmt.Errorf("query tenant store: %w", err)
	}

	defer storage.Close(itr, logger)

	more, err := itr.Next()
	if err != nil {
		return fmt.Errorf("next tenant record: %w", err)
	}

	if more {
		return fmt.Errorf("wallet name %q: %w", name, ErrWalletNameExists)
	}

	return nil
}

func (m *Manager) saveRecord(record *WalletRecord) error {
	src, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal tenant record: %w", err)
	}

	tags := []storage.Tag{{Name: walletKeyPrefix}}

	if record.Name() != "" {
		tags = append(tags, storage.Tag{Name: tagWalletName, Value: record.Name()})
	}

	if err := m.store.Put(walletDataKey(record.WalletID), src, tags...); err != nil {
		return fmt.Errorf("save tenant record: %w", err)
	}

	return nil
}

func walletDataKey(walletID string) string {
	return walletKeyPrefix + "_" + walletID
}
