package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"auto-focus.app/licensing/internal/licensing"
	"auto-focus.app/licensing/internal/ratelimit"
	"auto-focus.app/licensing/internal/testutil"
	"auto-focus.app/licensing/models"
	"auto-focus.app/licensing/storage"
)

type testServer struct {
	*Server
	store    storage.Storage
	provider *testutil.FakeProvider
	notifier *testutil.RecordingDispatcher
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWith(t, testutil.TestStorage())
}

func newSQLiteTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "licensing.db"))
	if err != nil {
		t.Fatalf("Failed to open SQLite storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return newTestServerWith(t, store)
}

func newTestServerWith(t *testing.T, store storage.Storage) *testServer {
	t.Helper()
	provider := testutil.NewFakeProvider()
	notifier := &testutil.RecordingDispatcher{}

	reconciler := licensing.NewReconciler(store, provider, nil, notifier)
	server := NewHttpServer(store, reconciler, licensing.NewService(reconciler), Options{
		WebhookSecret:   testutil.WebhookSecret,
		AllowedOrigins:  []string{"https://auto-focus.app"},
		Version:         "test",
		ValidateLimiter: ratelimit.New(100, time.Minute),
	})
	return &testServer{Server: server, store: store, provider: provider, notifier: notifier}
}

func (s *testServer) postJSON(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func (s *testServer) postWebhook(t *testing.T, payload []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func (s *testServer) signedWebhook(t *testing.T, eventID, eventType string, object any) *httptest.ResponseRecorder {
	t.Helper()
	payload := testutil.Event(t, eventID, eventType, object)
	return s.postWebhook(t, payload, testutil.SignPayload(payload, testutil.WebhookSecret))
}

// seedSubscription stores an owner, a healthy subscription mirror and one
// active seat per quantity, oldest first.
func (s *testServer) seedSubscription(t *testing.T, subscriptionID, owner string, seats int64) []*models.License {
	t.Helper()
	ctx := context.Background()

	customer := testutil.CreateTestCustomer(owner, owner+"@example.com")
	if err := s.store.SaveCustomer(ctx, &customer); err != nil {
		t.Fatalf("Failed to save customer: %v", err)
	}

	periodStart := time.Now().UTC().AddDate(0, 0, -5).Truncate(time.Second)
	mirror := &models.Subscription{
		ID:                 subscriptionID,
		CustomerID:         owner,
		StripeCustomerID:   customer.StripeCustomerID,
		Plan:               "monthly",
		Status:             models.SubscriptionActive,
		CurrentPeriodStart: periodStart,
		CurrentPeriodEnd:   periodStart.AddDate(0, 1, 0),
		Items:              []models.SubscriptionItem{{ItemID: "si_" + subscriptionID, PriceID: "price_monthly", Quantity: seats}},
	}
	if err := s.store.SaveSubscription(ctx, mirror); err != nil {
		t.Fatalf("Failed to save subscription: %v", err)
	}
	s.provider.Put(mirror)

	licenses := make([]*models.License, 0, seats)
	for i := int64(0); i < seats; i++ {
		license := testutil.SeatLicense(fmt.Sprintf("%s-seat-%d", subscriptionID, i), owner, subscriptionID, periodStart.AddDate(0, 0, int(i)))
		if err := s.store.SaveLicense(ctx, license); err != nil {
			t.Fatalf("Failed to save license: %v", err)
		}
		licenses = append(licenses, license)
	}
	return licenses
}

func (s *testServer) activeSeats(t *testing.T, subscriptionID string) int {
	t.Helper()
	licenses, err := s.store.FindLicensesBySubscription(context.Background(), subscriptionID)
	if err != nil {
		t.Fatalf("Failed to load licenses: %v", err)
	}
	active := 0
	for _, license := range licenses {
		if license.IsActive() {
			active++
		}
	}
	return active
}
