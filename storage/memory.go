package storage

import (
	"context"
	"fmt"
	"sync"

	"auto-focus.app/licensing/models"
)

type Database map[string]models.Customer

// MemoryStorage keeps everything in maps. Used by tests and local development.
type MemoryStorage struct {
	Data          Database
	Licenses      map[string]models.License // by license ID
	Subscriptions map[string]models.Subscription

	mu sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		Data:          make(Database),
		Licenses:      make(map[string]models.License),
		Subscriptions: make(map[string]models.Subscription),
	}
}

func (m *MemoryStorage) init() {
	if m.Data == nil {
		m.Data = make(Database)
	}
	if m.Licenses == nil {
		m.Licenses = make(map[string]models.License)
	}
	if m.Subscriptions == nil {
		m.Subscriptions = make(map[string]models.Subscription)
	}
}

func (m *MemoryStorage) GetCustomer(ctx context.Context, id string) (*models.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	customer, exists := m.Data[id]
	if !exists {
		return nil, nil
	}
	return &customer, nil
}

func (m *MemoryStorage) FindCustomerByEmailAddress(ctx context.Context, emailAddress string) (*models.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, customer := range m.Data {
		if customer.Email == emailAddress {
			return &customer, nil
		}
	}
	return nil, nil
}

func (m *MemoryStorage) FindCustomerByStripeID(ctx context.Context, stripeCustomerID string) (*models.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if stripeCustomerID == "" {
		return nil, nil
	}
	for _, customer := range m.Data {
		if customer.StripeCustomerID == stripeCustomerID {
			return &customer, nil
		}
	}
	return nil, nil
}

func (m *MemoryStorage) SaveCustomer(ctx context.Context, customer *models.Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.init()
	m.Data[customer.ID] = *customer
	return nil
}

func (m *MemoryStorage) GetLicense(ctx context.Context, id string) (*models.License, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	license, exists := m.Licenses[id]
	if !exists {
		return nil, nil
	}
	return &license, nil
}

func (m *MemoryStorage) FindLicenseByKey(ctx context.Context, key string) (*models.License, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, license := range m.Licenses {
		if license.Key == key {
			return &license, nil
		}
	}
	return nil, nil
}

func (m *MemoryStorage) FindLicensesByCustomer(ctx context.Context, customerID string) ([]*models.License, error) {
	return m.filterLicenses(func(l *models.License) bool { return l.CustomerID == customerID }), nil
}

func (m *MemoryStorage) FindLicensesBySubscription(ctx context.Context, subscriptionID string) ([]*models.License, error) {
	if subscriptionID == "" {
		return nil, nil
	}
	return m.filterLicenses(func(l *models.License) bool { return l.SubscriptionID == subscriptionID }), nil
}

func (m *MemoryStorage) FindLicensesBySession(ctx context.Context, sessionID string) ([]*models.License, error) {
	if sessionID == "" {
		return nil, nil
	}
	return m.filterLicenses(func(l *models.License) bool { return l.StripeSessionID == sessionID }), nil
}

func (m *MemoryStorage) filterLicenses(match func(*models.License) bool) []*models.License {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var licenses []*models.License
	for _, license := range m.Licenses {
		licenseCopy := license
		if match(&licenseCopy) {
			licenses = append(licenses, &licenseCopy)
		}
	}
	SortByPurchase(licenses)
	return licenses
}

func (m *MemoryStorage) SaveLicense(ctx context.Context, license *models.License) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.init()
	if err := m.checkLicense(license); err != nil {
		return err
	}
	m.Licenses[license.ID] = *license
	return nil
}

func (m *MemoryStorage) ApplyLicenseChanges(ctx context.Context, changes LicenseChanges) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.init()

	// Validate the whole set before touching the map.
	pending := make(map[string]string, len(changes.Insert))
	for _, license := range changes.Insert {
		if err := m.checkLicense(license); err != nil {
			return err
		}
		if id, taken := pending[license.Key]; taken && id != license.ID {
			return fmt.Errorf("%w: %s", ErrDuplicateLicenseKey, license.Key)
		}
		pending[license.Key] = license.ID
	}
	for _, license := range changes.Update {
		if _, exists := m.Licenses[license.ID]; !exists {
			return fmt.Errorf("%w: %s", ErrLicenseNotFound, license.ID)
		}
	}

	for _, license := range changes.Insert {
		m.Licenses[license.ID] = *license
	}
	for _, license := range changes.Update {
		m.Licenses[license.ID] = *license
	}
	return nil
}

// checkLicense must be called with the write lock held.
func (m *MemoryStorage) checkLicense(license *models.License) error {
	if _, exists := m.Data[license.CustomerID]; !exists {
		return fmt.Errorf("%w: %s", ErrCustomerNotFound, license.CustomerID)
	}
	for id, existing := range m.Licenses {
		if existing.Key == license.Key && id != license.ID {
			return fmt.Errorf("%w: %s", ErrDuplicateLicenseKey, license.Key)
		}
	}
	return nil
}

func (m *MemoryStorage) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	subscription, exists := m.Subscriptions[id]
	if !exists {
		return nil, nil
	}
	subscription.Items = append([]models.SubscriptionItem(nil), subscription.Items...)
	return &subscription, nil
}

func (m *MemoryStorage) SaveSubscription(ctx context.Context, subscription *models.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.init()
	if _, exists := m.Data[subscription.CustomerID]; !exists {
		return fmt.Errorf("%w: %s", ErrCustomerNotFound, subscription.CustomerID)
	}
	stored := *subscription
	stored.Items = append([]models.SubscriptionItem(nil), subscription.Items...)
	m.Subscriptions[subscription.ID] = stored
	return nil
}

func (m *MemoryStorage) Close() error {
	return nil
}
