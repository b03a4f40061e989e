// Package licensing keeps license records consistent with billing state.
package licensing

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"auto-focus.app/licensing/internal/logger"
	"auto-focus.app/licensing/internal/metrics"
	"auto-focus.app/licensing/models"
	"auto-focus.app/licensing/storage"
	"github.com/google/uuid"
)

const (
	keyPrefix      = "AFP"
	keyGroups      = 4
	keyGroupLength = 4
	// Unambiguous characters: no 0/O or 1/I.
	keyAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	MaxKeyAttempts = 5
)

// IssueRequest describes licenses to mint for one purchase.
type IssueRequest struct {
	Customer         *models.Customer
	Plan             string
	Cadence          models.Cadence
	SubscriptionID   string
	StripeCustomerID string
	SessionID        string
	Quantity         int
	// Reference is the date expiry is computed from; zero means now.
	Reference time.Time
}

type Issuer struct {
	store       storage.Storage
	maxAttempts int
	now         func() time.Time
	random      func([]byte) (int, error)
}

func NewIssuer(store storage.Storage) *Issuer {
	return &Issuer{
		store:       store,
		maxAttempts: MaxKeyAttempts,
		now:         time.Now,
		random:      rand.Read,
	}
}

// Prepare builds req.Quantity active licenses with unique keys. Nothing is
// written; pass the result to Commit.
func (i *Issuer) Prepare(ctx context.Context, req IssueRequest) ([]*models.License, error) {
	if req.Customer == nil {
		return nil, errors.New("issue licenses: customer is required")
	}
	if req.Quantity < 1 {
		return nil, ErrInvalidQuantity
	}

	cadence := req.Cadence
	if !cadence.Valid() {
		cadence = models.ParseCadence(req.Plan)
	}
	now := i.now().UTC()
	reference := req.Reference.UTC()
	if reference.IsZero() {
		reference = now
	}
	stripeCustomerID := req.StripeCustomerID
	if stripeCustomerID == "" {
		stripeCustomerID = req.Customer.StripeCustomerID
	}

	taken := make(map[string]bool, req.Quantity)
	licenses := make([]*models.License, 0, req.Quantity)
	for n := 0; n < req.Quantity; n++ {
		key, err := i.uniqueKey(ctx, taken)
		if err != nil {
			return nil, err
		}
		licenses = append(licenses, &models.License{
			ID:               uuid.Must(uuid.NewRandom()).String(),
			Key:              key,
			CustomerID:       req.Customer.ID,
			Status:           models.StatusActive,
			Plan:             req.Plan,
			Cadence:          cadence,
			SubscriptionID:   req.SubscriptionID,
			StripeCustomerID: stripeCustomerID,
			StripeSessionID:  req.SessionID,
			PurchasedAt:      reference,
			ExpiresAt:        cadence.AddTo(reference),
			CreatedAt:        now,
			UpdatedAt:        now,
		})
	}

	logger.Debug("Licenses prepared", map[string]interface{}{
		"customer_id":     req.Customer.ID,
		"subscription_id": req.SubscriptionID,
		"quantity":        req.Quantity,
		"cadence":         string(cadence),
	})

	return licenses, nil
}

// Commit applies changes atomically. Insert conflicts on the key get fresh
// keys and another try, bounded by the same attempt limit as generation.
func (i *Issuer) Commit(ctx context.Context, changes storage.LicenseChanges) error {
	if changes.Empty() {
		return nil
	}

	for attempt := 1; ; attempt++ {
		err := i.store.ApplyLicenseChanges(ctx, changes)
		if err == nil {
			for _, l := range changes.Insert {
				metrics.LicensesIssued.WithLabelValues(string(l.Cadence)).Inc()
			}
			return nil
		}
		if !errors.Is(err, storage.ErrDuplicateLicenseKey) || len(changes.Insert) == 0 {
			return err
		}
		if attempt >= i.maxAttempts {
			return fmt.Errorf("%w: %d commit attempts hit key conflicts", ErrKeyGenerationExhausted, attempt)
		}

		logger.Warn("License key conflict on commit, regenerating", map[string]interface{}{
			"attempt":  attempt,
			"licenses": len(changes.Insert),
		})
		taken := make(map[string]bool, len(changes.Insert))
		for _, l := range changes.Insert {
			key, err := i.uniqueKey(ctx, taken)
			if err != nil {
				return err
			}
			l.Key = key
		}
	}
}

func (i *Issuer) uniqueKey(ctx context.Context, taken map[string]bool) (string, error) {
	for attempt := 0; attempt < i.maxAttempts; attempt++ {
		key, err := i.generateKey()
		if err != nil {
			return "", err
		}
		if taken[key] {
			continue
		}
		existing, err := i.store.FindLicenseByKey(ctx, key)
		if err != nil {
			return "", fmt.Errorf("check license key: %w", err)
		}
		if existing != nil {
			continue
		}
		taken[key] = true
		return key, nil
	}
	return "", fmt.Errorf("%w: %d attempts", ErrKeyGenerationExhausted, i.maxAttempts)
}

func (i *Issuer) generateKey() (string, error) {
	buf := make([]byte, keyGroups*keyGroupLength)
	if _, err := i.random(buf); err != nil {
		return "", fmt.Errorf("generate license key: %w", err)
	}

	var b strings.Builder
	b.WriteString(keyPrefix)
	for n, c := range buf {
		if n%keyGroupLength == 0 {
			b.WriteByte('-')
		}
		b.WriteByte(keyAlphabet[int(c)%len(keyAlphabet)])
	}
	return b.String(), nil
}

// ValidKeyFormat reports whether key looks like a generated license key.
func ValidKeyFormat(key string) bool {
	parts := strings.Split(key, "-")
	if len(parts) != keyGroups+1 || parts[0] != keyPrefix {
		return false
	}
	for _, part := range parts[1:] {
		if len(part) != keyGroupLength {
			return false
		}
		for _, c := range part {
			if !strings.ContainsRune(keyAlphabet, c) {
				return false
			}
		}
	}
	return true
}
