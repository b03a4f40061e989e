package licensing

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"auto-focus.app/licensing/internal/billing"
	"auto-focus.app/licensing/internal/testutil"
	"auto-focus.app/licensing/models"
	"auto-focus.app/licensing/storage"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 1, 20, 10, 0, 0, 0, time.UTC)

type testEnv struct {
	store      storage.Storage
	provider   *testutil.FakeProvider
	notifier   *testutil.RecordingDispatcher
	reconciler *Reconciler
	service    *Service
	clock      time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, testutil.TestStorage())
}

func newTestEnvWith(t *testing.T, store storage.Storage) *testEnv {
	t.Helper()
	env := &testEnv{
		store:    store,
		provider: testutil.NewFakeProvider(),
		notifier: &testutil.RecordingDispatcher{},
		clock:    testNow,
	}
	env.reconciler = NewReconciler(env.store, env.provider, nil, env.notifier)
	env.reconciler.SetClock(func() time.Time { return env.clock })
	env.service = NewService(env.reconciler)
	return env
}

var backends = map[string]func(t *testing.T) storage.Storage{
	"memory": func(t *testing.T) storage.Storage { return testutil.TestStorage() },
	"sqlite": func(t *testing.T) storage.Storage {
		s, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "licensing.db"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	},
}

// forEachBackend runs fn once per storage backend with a fresh environment.
func forEachBackend(t *testing.T, fn func(t *testing.T, env *testEnv)) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			fn(t, newTestEnvWith(t, open(t)))
		})
	}
}

func (e *testEnv) customer(t *testing.T, id string) *models.Customer {
	t.Helper()
	c := testutil.CreateTestCustomer(id, id+"@example.com")
	require.NoError(t, e.store.SaveCustomer(context.Background(), &c))
	return &c
}

// subscription stores a mirror and the matching provider state with quantity
// seats purchased one day apart starting at testNow minus quantity days.
func (e *testEnv) subscription(t *testing.T, id, owner string, seats int, quantity int64) []*models.License {
	t.Helper()
	sub := &models.Subscription{
		ID:                 id,
		CustomerID:         owner,
		StripeCustomerID:   "cus_" + owner,
		Plan:               "monthly",
		Status:             models.SubscriptionActive,
		CurrentPeriodStart: testNow.AddDate(0, 0, -5),
		CurrentPeriodEnd:   testNow.AddDate(0, 1, -5),
		Items:              []models.SubscriptionItem{{ItemID: "si_" + id, PriceID: "price_monthly", Quantity: quantity}},
	}
	require.NoError(t, e.store.SaveSubscription(context.Background(), sub))
	e.provider.Put(sub)

	var licenses []*models.License
	for n := 0; n < seats; n++ {
		purchased := testNow.AddDate(0, 0, -seats+n)
		licenses = append(licenses, testutil.SeatLicense(fmt.Sprintf("%s-seat-%d", id, n), owner, id, purchased))
	}
	if len(licenses) > 0 {
		require.NoError(t, e.store.ApplyLicenseChanges(context.Background(), storage.LicenseChanges{Insert: licenses}))
	}
	return licenses
}

func (e *testEnv) licenses(t *testing.T, subscriptionID string) []*models.License {
	t.Helper()
	licenses, err := e.store.FindLicensesBySubscription(context.Background(), subscriptionID)
	require.NoError(t, err)
	return licenses
}

func countActive(licenses []*models.License) int {
	n := 0
	for _, l := range licenses {
		if l.IsActive() {
			n++
		}
	}
	return n
}

func decode[T any](t *testing.T, raw string) *T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(raw), &v))
	return &v
}

func subscriptionEvent(t *testing.T, id, customer, status string, quantity int64) *billing.Subscription {
	return decode[billing.Subscription](t, fmt.Sprintf(`{
		"id": %q,
		"customer": %q,
		"status": %q,
		"items": {"data": [{
			"id": "si_%s",
			"quantity": %d,
			"current_period_start": %d,
			"current_period_end": %d,
			"price": {"id": "price_monthly", "recurring": {"interval": "month", "interval_count": 1}}
		}]}
	}`, id, customer, status, id, quantity, testNow.AddDate(0, 0, -5).Unix(), testNow.AddDate(0, 1, -5).Unix()))
}

func invoiceEvent(t *testing.T, id, subscriptionID string, periodStart time.Time) *billing.Invoice {
	return decode[billing.Invoice](t, fmt.Sprintf(`{
		"id": %q,
		"customer": "cus_owner",
		"created": %d,
		"parent": {"subscription_details": {"subscription": %q}},
		"lines": {"data": [{"quantity": 1, "period": {"start": %d, "end": %d}}]}
	}`, id, periodStart.Add(time.Hour).Unix(), subscriptionID, periodStart.Unix(), periodStart.AddDate(0, 1, 0).Unix()))
}

// flakyStore fails selected writes of an otherwise working store.
type flakyStore struct {
	storage.Storage
	duplicateCommits int
	commitErr        error
	saveSubErr       error
	commits          int
}

func (f *flakyStore) ApplyLicenseChanges(ctx context.Context, changes storage.LicenseChanges) error {
	f.commits++
	if f.duplicateCommits > 0 {
		f.duplicateCommits--
		return storage.ErrDuplicateLicenseKey
	}
	if f.commitErr != nil {
		return f.commitErr
	}
	return f.Storage.ApplyLicenseChanges(ctx, changes)
}

func (f *flakyStore) SaveSubscription(ctx context.Context, sub *models.Subscription) error {
	if f.saveSubErr != nil {
		return f.saveSubErr
	}
	return f.Storage.SaveSubscription(ctx, sub)
}
