package storage

import (
	"context"
	"errors"
	"sort"

	"auto-focus.app/licensing/models"
)

var (
	ErrDuplicateLicenseKey = errors.New("license key already exists")
	ErrLicenseNotFound     = errors.New("license not found")
	ErrCustomerNotFound    = errors.New("customer not found")
)

// Storage persists customers, licenses and the subscription mirror. Lookups
// return nil, nil when nothing matches.
type Storage interface {
	GetCustomer(ctx context.Context, id string) (*models.Customer, error)
	FindCustomerByEmailAddress(ctx context.Context, emailAddress string) (*models.Customer, error)
	FindCustomerByStripeID(ctx context.Context, stripeCustomerID string) (*models.Customer, error)
	SaveCustomer(ctx context.Context, customer *models.Customer) error

	GetLicense(ctx context.Context, id string) (*models.License, error)
	FindLicenseByKey(ctx context.Context, key string) (*models.License, error)
	FindLicensesByCustomer(ctx context.Context, customerID string) ([]*models.License, error)
	// FindLicensesBySubscription returns licenses oldest purchase first.
	FindLicensesBySubscription(ctx context.Context, subscriptionID string) ([]*models.License, error)
	FindLicensesBySession(ctx context.Context, sessionID string) ([]*models.License, error)
	SaveLicense(ctx context.Context, license *models.License) error
	// ApplyLicenseChanges writes every insert and update or none of them.
	ApplyLicenseChanges(ctx context.Context, changes LicenseChanges) error

	GetSubscription(ctx context.Context, id string) (*models.Subscription, error)
	SaveSubscription(ctx context.Context, subscription *models.Subscription) error

	Close() error
}

// Pinger is implemented by backends with a remote connection to check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// LicenseChanges is one atomic unit of license mutations.
type LicenseChanges struct {
	Insert []*models.License
	Update []*models.License
}

func (c LicenseChanges) Empty() bool {
	return len(c.Insert) == 0 && len(c.Update) == 0
}

// Licenses returns every license touched by the change set.
func (c LicenseChanges) Licenses() []*models.License {
	all := make([]*models.License, 0, len(c.Insert)+len(c.Update))
	all = append(all, c.Insert...)
	return append(all, c.Update...)
}

// SortByPurchase orders licenses oldest purchase first, breaking ties by key so
// the order is stable across backends.
func SortByPurchase(licenses []*models.License) {
	sort.SliceStable(licenses, func(i, j int) bool {
		a, b := licenses[i], licenses[j]
		if !a.PurchasedAt.Equal(b.PurchasedAt) {
			return a.PurchasedAt.Before(b.PurchasedAt)
		}
		return a.Key < b.Key
	})
}
