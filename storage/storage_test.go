package storage_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"auto-focus.app/licensing/internal/testutil"
	"auto-focus.app/licensing/models"
	"auto-focus.app/licensing/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorage(t *testing.T) {
	testutil.RunStorageTestSuite(t, testutil.StorageTestSuite{
		Storage: storage.NewMemoryStorage(),
		Cleanup: func() {},
	})
}

func TestSQLiteStorage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "licensing.db")
	s, err := storage.NewSQLiteStorage(path)
	require.NoError(t, err)

	testutil.RunStorageTestSuite(t, testutil.StorageTestSuite{
		Storage: s,
		Cleanup: func() { s.Close() },
	})
}

func TestSQLiteMigrateIsRepeatable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "licensing.db")
	s, err := storage.NewSQLiteStorage(path)
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	require.NoError(t, s.Close())

	reopened, err := storage.NewSQLiteStorage(path)
	require.NoError(t, err)
	defer reopened.Close()
}

func TestMongoStorage(t *testing.T) {
	url := os.Getenv("MONGODB_TEST_URL")
	if url == "" {
		t.Skip("MONGODB_TEST_URL not set")
	}

	ctx := context.Background()
	database := "licensing_test_" + time.Now().Format("20060102150405")
	s, err := storage.NewMongoStorage(ctx, storage.MongoConfig{
		ConnectionURL:  url,
		Database:       database,
		ConnectTimeout: 5 * time.Second,
		RetryAttempts:  1,
	})
	require.NoError(t, err)

	testutil.RunStorageTestSuite(t, testutil.StorageTestSuite{
		Storage: s,
		Cleanup: func() {
			_ = s.Drop(ctx)
			s.Close()
		},
	})
}

var relationalBackends = map[string]func(t *testing.T) storage.Storage{
	"memory": func(t *testing.T) storage.Storage { return storage.NewMemoryStorage() },
	"sqlite": func(t *testing.T) storage.Storage {
		s, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "fk.db"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	},
}

func TestLicenseRequiresCustomer(t *testing.T) {
	for name, open := range relationalBackends {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			license := testutil.CreateTestLicense("orphan", "AFP-ORPH-AAAA-AAAA-AAAA", "nobody")
			err := s.SaveLicense(context.Background(), &license)
			assert.ErrorIs(t, err, storage.ErrCustomerNotFound)
		})
	}
}

func TestSubscriptionRequiresCustomer(t *testing.T) {
	for name, open := range relationalBackends {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			for _, owner := range []string{"", "nobody"} {
				sub := &models.Subscription{ID: "sub_orphan", CustomerID: owner, Status: models.SubscriptionActive}
				assert.ErrorIs(t, s.SaveSubscription(ctx, sub), storage.ErrCustomerNotFound, "owner %q", owner)
			}

			mirror, err := s.GetSubscription(ctx, "sub_orphan")
			require.NoError(t, err)
			assert.Nil(t, mirror)
		})
	}
}

func TestSubscriptionLicensesOrderedAcrossZones(t *testing.T) {
	for name, open := range relationalBackends {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			customer := testutil.CreateTestCustomer("zones", "zones@example.com")
			require.NoError(t, s.SaveCustomer(ctx, &customer))

			east := time.FixedZone("UTC+5", 5*60*60)
			older := testutil.SeatLicense("older", "zones", "sub_zones", time.Date(2025, 1, 1, 10, 0, 0, 0, east))
			newer := testutil.SeatLicense("newer", "zones", "sub_zones", time.Date(2025, 1, 1, 7, 0, 0, 0, time.UTC))
			require.NoError(t, s.ApplyLicenseChanges(ctx, storage.LicenseChanges{Insert: []*models.License{newer, older}}))

			licenses, err := s.FindLicensesBySubscription(ctx, "sub_zones")
			require.NoError(t, err)
			require.Len(t, licenses, 2)
			assert.Equal(t, "older", licenses[0].ID)
			assert.Equal(t, "newer", licenses[1].ID)
		})
	}
}

func TestUpdateUnknownLicense(t *testing.T) {
	s := storage.NewMemoryStorage()
	customer := testutil.CreateTestCustomer("c1", "c1@example.com")
	require.NoError(t, s.SaveCustomer(context.Background(), &customer))

	ghost := testutil.SeatLicense("ghost", "c1", "sub_1", time.Now())
	err := s.ApplyLicenseChanges(context.Background(), storage.LicenseChanges{Update: []*models.License{ghost}})
	assert.ErrorIs(t, err, storage.ErrLicenseNotFound)
}

func TestSortByPurchase(t *testing.T) {
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	licenses := []*models.License{
		{Key: "B", PurchasedAt: at},
		{Key: "C", PurchasedAt: at.Add(-time.Hour)},
		{Key: "A", PurchasedAt: at},
	}
	storage.SortByPurchase(licenses)
	assert.Equal(t, "C", licenses[0].Key)
	assert.Equal(t, "A", licenses[1].Key)
	assert.Equal(t, "B", licenses[2].Key)
}

func TestLicenseChanges(t *testing.T) {
	var empty storage.LicenseChanges
	assert.True(t, empty.Empty())

	changes := storage.LicenseChanges{
		Insert: []*models.License{{ID: "1"}},
		Update: []*models.License{{ID: "2"}, {ID: "3"}},
	}
	assert.False(t, changes.Empty())
	assert.Len(t, changes.Licenses(), 3)
}
