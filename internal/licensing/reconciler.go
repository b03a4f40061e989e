package licensing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"auto-focus.app/licensing/internal/billing"
	"auto-focus.app/licensing/internal/lock"
	"auto-focus.app/licensing/internal/logger"
	"auto-focus.app/licensing/internal/metrics"
	"auto-focus.app/licensing/internal/notify"
	"auto-focus.app/licensing/models"
	"auto-focus.app/licensing/storage"
	"github.com/google/uuid"
)

const defaultPlan = "monthly"

// Notification action labels.
const (
	ActionCreated     = "created"
	ActionReactivated = "reactivated"
	ActionDeactivated = "deactivated"
	ActionUpdated     = "updated"
)

// Reconciler applies billing events to the license store. Every handler holds
// the subscription lock for its whole read-modify-write.
type Reconciler struct {
	Storage  storage.Storage
	Issuer   *Issuer
	Provider billing.Provider
	Locker   lock.Locker
	Notifier notify.Dispatcher

	SupportEmail string
	// LockTimeout bounds the wait for the subscription lock. Zero waits as
	// long as the request context allows.
	LockTimeout time.Duration

	now func() time.Time
}

func utcNow() time.Time {
	return time.Now().UTC()
}

func NewReconciler(store storage.Storage, provider billing.Provider, locker lock.Locker, notifier notify.Dispatcher) *Reconciler {
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	return &Reconciler{
		Storage:  store,
		Issuer:   NewIssuer(store),
		Provider: provider,
		Locker:   locker,
		Notifier: notifier,
		now:      utcNow,
	}
}

// SetClock replaces the wall clock used for record timestamps.
func (r *Reconciler) SetClock(now func() time.Time) {
	r.now = now
	r.Issuer.now = now
}

func (r *Reconciler) withLock(ctx context.Context, key string, fn func() error) error {
	lockCtx := ctx
	if r.LockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, r.LockTimeout)
		defer cancel()
	}
	unlock, err := r.Locker.Lock(lockCtx, key)
	if err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}
	defer unlock()
	return fn()
}

// CheckoutCompleted handles a finished checkout: either a renewal of an
// existing license or a new purchase of one or more seats.
func (r *Reconciler) CheckoutCompleted(ctx context.Context, session *billing.CheckoutSession) error {
	lockKey := session.Subscription
	if lockKey == "" {
		lockKey = "session:" + session.ID
	}

	return r.withLock(ctx, lockKey, func() error {
		logger.Info("Processing checkout session", map[string]interface{}{
			"session_id":      session.ID,
			"mode":            session.Mode,
			"subscription_id": session.Subscription,
			"customer_email":  session.Email(),
		})

		customer, err := r.findOrCreateCustomer(ctx, session)
		if err != nil {
			return err
		}

		if id, key := session.RenewalTarget(); id != "" || key != "" {
			return r.renew(ctx, customer, session, id, key)
		}
		return r.purchase(ctx, customer, session)
	})
}

func (r *Reconciler) renew(ctx context.Context, customer *models.Customer, session *billing.CheckoutSession, licenseID, licenseKey string) error {
	var license *models.License
	var err error
	if licenseID != "" {
		license, err = r.Storage.GetLicense(ctx, licenseID)
	} else {
		license, err = r.Storage.FindLicenseByKey(ctx, licenseKey)
	}
	if err != nil {
		return fmt.Errorf("find license to renew: %w", err)
	}
	if license == nil {
		logger.Warn("Renewal references unknown license", map[string]interface{}{
			"license_id": licenseID,
			"session_id": session.ID,
		})
		return fmt.Errorf("%w: license %s%s not found", ErrNothingToDo, licenseID, licenseKey)
	}

	if license.RenewalSessionID == session.ID {
		logger.Info("Renewal already applied", map[string]interface{}{
			"license_id": license.ID,
			"session_id": session.ID,
		})
		return nil
	}

	now := r.now()
	base := session.CreatedAt()
	if base.IsZero() {
		base = now
	}
	if license.ExpiresAt.After(base) {
		base = license.ExpiresAt
	}

	license.Activate(license.EffectiveCadence().AddTo(base), now)
	license.RenewalSessionID = session.ID
	license.UpdatedAt = now

	changes := storage.LicenseChanges{Update: []*models.License{license}}
	if err := r.Issuer.Commit(ctx, changes); err != nil {
		return fmt.Errorf("save renewed license: %w", err)
	}

	logger.Info("License renewed", map[string]interface{}{
		"license_id": license.ID,
		"expires_at": license.ExpiresAt,
		"session_id": session.ID,
	})
	r.notify(ctx, customer, ActionReactivated, changes.Licenses())
	return nil
}

func (r *Reconciler) purchase(ctx context.Context, customer *models.Customer, session *billing.CheckoutSession) error {
	existing, err := r.Storage.FindLicensesBySession(ctx, session.ID)
	if err != nil {
		return fmt.Errorf("find licenses by session: %w", err)
	}
	if len(existing) > 0 {
		logger.Info("Checkout session already processed", map[string]interface{}{
			"session_id": session.ID,
			"licenses":   len(existing),
		})
		return nil
	}

	plan := session.Plan()
	quantity := session.Quantity()

	if session.IsSubscription() && session.Subscription != "" {
		mirror, err := r.upsertMirrorForCheckout(ctx, customer, session)
		if err != nil {
			return err
		}
		if plan == "" {
			plan = mirror.Plan
		}
		if session.Metadata["quantity"] == "" && mirror.Quantity() > 0 {
			quantity = int(mirror.Quantity())
		}

		linked, err := r.Storage.FindLicensesBySubscription(ctx, session.Subscription)
		if err != nil {
			return fmt.Errorf("find licenses by subscription: %w", err)
		}
		if len(linked) > 0 {
			logger.Info("Subscription already has licenses", map[string]interface{}{
				"subscription_id": session.Subscription,
				"licenses":        len(linked),
			})
			return nil
		}
	}
	if plan == "" {
		plan = defaultPlan
	}

	licenses, err := r.Issuer.Prepare(ctx, IssueRequest{
		Customer:         customer,
		Plan:             plan,
		Cadence:          models.ParseCadence(plan),
		SubscriptionID:   session.Subscription,
		StripeCustomerID: session.Customer,
		SessionID:        session.ID,
		Quantity:         quantity,
		Reference:        session.CreatedAt(),
	})
	if err != nil {
		return err
	}

	changes := storage.LicenseChanges{Insert: licenses}
	if err := r.Issuer.Commit(ctx, changes); err != nil {
		return fmt.Errorf("save licenses: %w", err)
	}

	logger.Info("Licenses issued for checkout", map[string]interface{}{
		"session_id":  session.ID,
		"customer_id": customer.ID,
		"quantity":    len(licenses),
		"plan":        plan,
	})
	r.notify(ctx, customer, ActionCreated, licenses)
	return nil
}

func (r *Reconciler) upsertMirrorForCheckout(ctx context.Context, customer *models.Customer, session *billing.CheckoutSession) (*models.Subscription, error) {
	mirror, err := r.Storage.GetSubscription(ctx, session.Subscription)
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	now := r.now()
	if mirror == nil {
		mirror = &models.Subscription{
			ID:               session.Subscription,
			StripeCustomerID: session.Customer,
			Plan:             session.Plan(),
			Status:           models.SubscriptionActive,
			CreatedAt:        now,
		}
		if r.Provider != nil {
			remote, err := r.Provider.GetSubscription(ctx, session.Subscription)
			if err != nil {
				logger.Warn("Could not fetch subscription for checkout", map[string]interface{}{
					"subscription_id": session.Subscription,
					"error":           err.Error(),
				})
			} else {
				mirror.MergeFrom(remote, now)
			}
		}
	}
	if mirror.CustomerID == "" {
		mirror.CustomerID = customer.ID
	}
	if mirror.Plan == "" {
		mirror.Plan = session.Plan()
	}
	mirror.UpdatedAt = now

	if err := r.Storage.SaveSubscription(ctx, mirror); err != nil {
		return nil, fmt.Errorf("save subscription: %w", err)
	}
	return mirror, nil
}

func (r *Reconciler) findOrCreateCustomer(ctx context.Context, session *billing.CheckoutSession) (*models.Customer, error) {
	if session.Customer != "" {
		customer, err := r.Storage.FindCustomerByStripeID(ctx, session.Customer)
		if err != nil {
			return nil, fmt.Errorf("find customer by stripe id: %w", err)
		}
		if customer != nil {
			return customer, nil
		}
	}

	emailAddress := strings.TrimSpace(session.Email())
	if emailAddress == "" {
		return nil, fmt.Errorf("%w: checkout session %s has no customer email", ErrNothingToDo, session.ID)
	}

	customer, err := r.Storage.FindCustomerByEmailAddress(ctx, emailAddress)
	if err != nil {
		return nil, fmt.Errorf("find customer by email: %w", err)
	}
	now := r.now()
	if customer != nil {
		if customer.StripeCustomerID == "" && session.Customer != "" {
			customer.StripeCustomerID = session.Customer
			customer.UpdatedAt = now
			if err := r.Storage.SaveCustomer(ctx, customer); err != nil {
				return nil, fmt.Errorf("save customer: %w", err)
			}
		}
		return customer, nil
	}

	customer = &models.Customer{
		ID:               uuid.Must(uuid.NewRandom()).String(),
		Email:            emailAddress,
		Name:             session.CustomerDetails.Name,
		Country:          session.CustomerDetails.Address.Country,
		StripeCustomerID: session.Customer,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := r.Storage.SaveCustomer(ctx, customer); err != nil {
		return nil, fmt.Errorf("save customer: %w", err)
	}

	logger.Info("New customer created", map[string]interface{}{
		"customer_id":        customer.ID,
		"customer_email":     customer.Email,
		"stripe_customer_id": customer.StripeCustomerID,
	})
	return customer, nil
}

// InvoicePaid extends every seated license of the subscription by one cadence
// from the invoice's billing period. Seats revoked while the subscription was
// unpaid come back unless the subscription has ended. Expiry only moves
// forward, so a redelivered invoice changes nothing.
func (r *Reconciler) InvoicePaid(ctx context.Context, invoice *billing.Invoice) error {
	subscriptionID := invoice.SubscriptionID()
	if subscriptionID == "" {
		return fmt.Errorf("%w: invoice %s has no subscription", ErrNothingToDo, invoice.ID)
	}

	return r.withLock(ctx, subscriptionID, func() error {
		licenses, err := r.Storage.FindLicensesBySubscription(ctx, subscriptionID)
		if err != nil {
			return fmt.Errorf("find licenses by subscription: %w", err)
		}
		reference := invoice.BillingPeriodStart()
		if reference.IsZero() {
			reference = r.now()
		}

		if len(licenses) == 0 {
			return r.issueForInvoice(ctx, invoice, subscriptionID, reference)
		}

		mirror, err := r.Storage.GetSubscription(ctx, subscriptionID)
		if err != nil {
			return fmt.Errorf("get subscription: %w", err)
		}
		ended := mirror != nil && mirror.Ended()

		now := r.now()
		var changes storage.LicenseChanges
		reactivated := false
		for _, l := range licenses {
			if !l.Reinstatable(ended) {
				continue
			}
			wasActive := l.IsActive()
			if l.Activate(l.EffectiveCadence().AddTo(reference), now) {
				changes.Update = append(changes.Update, l)
				if !wasActive {
					reactivated = true
				}
			}
		}
		if changes.Empty() {
			logger.Info("Invoice already applied", map[string]interface{}{
				"invoice_id":      invoice.ID,
				"subscription_id": subscriptionID,
			})
			return nil
		}

		if err := r.Issuer.Commit(ctx, changes); err != nil {
			return fmt.Errorf("save extended licenses: %w", err)
		}

		logger.Info("Licenses extended for paid invoice", map[string]interface{}{
			"invoice_id":      invoice.ID,
			"subscription_id": subscriptionID,
			"licenses":        len(changes.Update),
		})
		action := ActionUpdated
		if reactivated {
			action = ActionReactivated
		}
		r.notifyOwner(ctx, changes.Update[0].CustomerID, action, changes.Update)
		return nil
	})
}

// issueForInvoice covers a paid invoice for a subscription that never got
// licenses, for example when the checkout event was lost.
func (r *Reconciler) issueForInvoice(ctx context.Context, invoice *billing.Invoice, subscriptionID string, reference time.Time) error {
	mirror, err := r.Storage.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return fmt.Errorf("get subscription: %w", err)
	}
	now := r.now()
	if mirror == nil {
		mirror = &models.Subscription{
			ID:               subscriptionID,
			StripeCustomerID: invoice.Customer,
			Status:           models.SubscriptionActive,
			CreatedAt:        now,
		}
	}
	if mirror.Quantity() < 1 && r.Provider != nil {
		remote, err := r.Provider.GetSubscription(ctx, subscriptionID)
		if err != nil {
			logger.Warn("Could not fetch subscription for invoice", map[string]interface{}{
				"subscription_id": subscriptionID,
				"error":           err.Error(),
			})
		} else {
			mirror.MergeFrom(remote, now)
		}
	}

	customer, err := r.subscriptionOwner(ctx, mirror, invoice.Customer, invoice.CustomerEmail)
	if err != nil {
		return err
	}
	if customer == nil {
		return fmt.Errorf("%w: no customer for subscription %s", ErrNothingToDo, subscriptionID)
	}
	mirror.CustomerID = customer.ID
	mirror.UpdatedAt = now
	if err := r.Storage.SaveSubscription(ctx, mirror); err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}

	quantity := mirror.Quantity()
	if quantity < 1 {
		quantity = invoice.Quantity()
	}
	if quantity < 1 {
		quantity = 1
	}
	plan := mirror.Plan
	if plan == "" {
		plan = defaultPlan
	}

	licenses, err := r.Issuer.Prepare(ctx, IssueRequest{
		Customer:         customer,
		Plan:             plan,
		Cadence:          models.ParseCadence(plan),
		SubscriptionID:   subscriptionID,
		StripeCustomerID: invoice.Customer,
		Quantity:         int(quantity),
		Reference:        reference,
	})
	if err != nil {
		return err
	}
	if err := r.Issuer.Commit(ctx, storage.LicenseChanges{Insert: licenses}); err != nil {
		return fmt.Errorf("save licenses: %w", err)
	}

	logger.Info("Licenses issued for paid invoice", map[string]interface{}{
		"invoice_id":      invoice.ID,
		"subscription_id": subscriptionID,
		"quantity":        len(licenses),
	})
	r.notify(ctx, customer, ActionCreated, licenses)
	return nil
}

// InvoicePaymentFailed suspends every active license of the subscription.
// Expiry is left as it was.
func (r *Reconciler) InvoicePaymentFailed(ctx context.Context, invoice *billing.Invoice) error {
	subscriptionID := invoice.SubscriptionID()
	if subscriptionID == "" {
		return fmt.Errorf("%w: invoice %s has no subscription", ErrNothingToDo, invoice.ID)
	}

	return r.withLock(ctx, subscriptionID, func() error {
		changes, err := r.deactivateAll(ctx, subscriptionID, models.ReasonPaymentFailed)
		if err != nil {
			return err
		}
		logger.Warn("Invoice payment failed", map[string]interface{}{
			"invoice_id":      invoice.ID,
			"subscription_id": subscriptionID,
			"licenses":        len(changes.Update),
		})
		return nil
	})
}

// SubscriptionUpdated mirrors the subscription and brings its licenses in
// line with the new status and seat quantity.
func (r *Reconciler) SubscriptionUpdated(ctx context.Context, event *billing.Subscription) error {
	return r.withLock(ctx, event.ID, func() error {
		mirror, err := r.mirrorSubscription(ctx, event.ToModel())
		if err != nil {
			return err
		}

		switch {
		case mirror.Terminal():
			_, err := r.deactivateAll(ctx, mirror.ID, models.ReasonSubscriptionCanceled)
			return err
		case mirror.Healthy():
			_, err := r.ReconcileQuantity(ctx, mirror, mirror.Quantity())
			return err
		default:
			logger.Info("Subscription status mirrored", map[string]interface{}{
				"subscription_id": mirror.ID,
				"status":          mirror.Status,
			})
			return nil
		}
	})
}

// SubscriptionDeleted mirrors the cancellation and deactivates every license.
func (r *Reconciler) SubscriptionDeleted(ctx context.Context, event *billing.Subscription) error {
	return r.withLock(ctx, event.ID, func() error {
		snapshot := event.ToModel()
		snapshot.Status = models.SubscriptionCanceled
		if _, err := r.mirrorSubscription(ctx, snapshot); err != nil {
			return err
		}
		_, err := r.deactivateAll(ctx, event.ID, models.ReasonSubscriptionCanceled)
		return err
	})
}

func (r *Reconciler) mirrorSubscription(ctx context.Context, snapshot *models.Subscription) (*models.Subscription, error) {
	mirror, err := r.Storage.GetSubscription(ctx, snapshot.ID)
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	now := r.now()
	if mirror == nil {
		mirror = &models.Subscription{ID: snapshot.ID}
	}
	mirror.MergeFrom(snapshot, now)

	if mirror.CustomerID == "" {
		customer, err := r.subscriptionOwner(ctx, mirror, snapshot.StripeCustomerID, "")
		if err != nil {
			return nil, err
		}
		if customer == nil {
			return nil, fmt.Errorf("%w: no owner for subscription %s", ErrNothingToDo, snapshot.ID)
		}
		mirror.CustomerID = customer.ID
	}

	if err := r.Storage.SaveSubscription(ctx, mirror); err != nil {
		return nil, fmt.Errorf("save subscription: %w", err)
	}
	return mirror, nil
}

// subscriptionOwner resolves the owner from the mirror, the Stripe customer
// id, the email address, or an existing license, in that order.
func (r *Reconciler) subscriptionOwner(ctx context.Context, mirror *models.Subscription, stripeCustomerID, emailAddress string) (*models.Customer, error) {
	if mirror != nil && mirror.CustomerID != "" {
		customer, err := r.Storage.GetCustomer(ctx, mirror.CustomerID)
		if err != nil || customer != nil {
			return customer, err
		}
	}
	if stripeCustomerID != "" {
		customer, err := r.Storage.FindCustomerByStripeID(ctx, stripeCustomerID)
		if err != nil || customer != nil {
			return customer, err
		}
	}
	if emailAddress != "" {
		customer, err := r.Storage.FindCustomerByEmailAddress(ctx, emailAddress)
		if err != nil || customer != nil {
			return customer, err
		}
	}
	if mirror != nil {
		licenses, err := r.Storage.FindLicensesBySubscription(ctx, mirror.ID)
		if err != nil {
			return nil, err
		}
		if len(licenses) > 0 {
			return r.Storage.GetCustomer(ctx, licenses[0].CustomerID)
		}
	}
	return nil, nil
}

// deactivateAll applies one change set deactivating every license of the
// subscription that is not already inactive for the same reason.
func (r *Reconciler) deactivateAll(ctx context.Context, subscriptionID, reason string) (storage.LicenseChanges, error) {
	var changes storage.LicenseChanges
	licenses, err := r.Storage.FindLicensesBySubscription(ctx, subscriptionID)
	if err != nil {
		return changes, fmt.Errorf("find licenses by subscription: %w", err)
	}

	now := r.now()
	for _, l := range licenses {
		if reason == models.ReasonPaymentFailed && !l.IsActive() {
			continue
		}
		if l.Deactivate(reason, now) {
			changes.Update = append(changes.Update, l)
		}
	}
	if changes.Empty() {
		return changes, nil
	}

	if err := r.Issuer.Commit(ctx, changes); err != nil {
		return changes, fmt.Errorf("save deactivated licenses: %w", err)
	}
	for range changes.Update {
		metrics.LicensesDeactivated.WithLabelValues(reason).Inc()
	}

	logger.Info("Licenses deactivated", map[string]interface{}{
		"subscription_id": subscriptionID,
		"reason":          reason,
		"licenses":        len(changes.Update),
	})
	r.notifyOwner(ctx, changes.Update[0].CustomerID, ActionDeactivated, changes.Update)
	return changes, nil
}

// ReconcileQuantity makes the number of active licenses equal quantity.
// Missing seats are issued; surplus seats are deactivated oldest purchase
// first. Seats suspended by a failed payment, or revoked while the
// subscription was unpaid, count as seats and are reactivated. The caller
// must hold the subscription lock.
func (r *Reconciler) ReconcileQuantity(ctx context.Context, mirror *models.Subscription, quantity int64) (storage.LicenseChanges, error) {
	var changes storage.LicenseChanges
	if quantity < 1 {
		logger.Warn("Subscription has no seat quantity, skipping reconciliation", map[string]interface{}{
			"subscription_id": mirror.ID,
		})
		return changes, nil
	}

	licenses, err := r.Storage.FindLicensesBySubscription(ctx, mirror.ID)
	if err != nil {
		return changes, fmt.Errorf("find licenses by subscription: %w", err)
	}
	storage.SortByPurchase(licenses)

	var seated []*models.License
	for _, l := range licenses {
		if l.Reinstatable(mirror.Ended()) {
			seated = append(seated, l)
		}
	}

	now := r.now()
	surplus := len(seated) - int(quantity)
	for n, l := range seated {
		if n < surplus {
			if l.Deactivate(models.ReasonSeatReduced, now) {
				changes.Update = append(changes.Update, l)
				metrics.LicensesDeactivated.WithLabelValues(models.ReasonSeatReduced).Inc()
			}
			continue
		}
		if !l.IsActive() && l.Activate(l.ExpiresAt, now) {
			changes.Update = append(changes.Update, l)
		}
	}

	var customer *models.Customer
	if surplus < 0 {
		customer, err = r.subscriptionOwner(ctx, mirror, mirror.StripeCustomerID, "")
		if err != nil {
			return changes, fmt.Errorf("resolve subscription owner: %w", err)
		}
		if customer == nil {
			return changes, fmt.Errorf("%w: no owner for subscription %s", ErrNothingToDo, mirror.ID)
		}

		plan := mirror.Plan
		if plan == "" && len(licenses) > 0 {
			plan = licenses[0].Plan
		}
		if plan == "" {
			plan = defaultPlan
		}
		reference := mirror.CurrentPeriodStart
		if reference.IsZero() {
			reference = now
		}

		issued, err := r.Issuer.Prepare(ctx, IssueRequest{
			Customer:         customer,
			Plan:             plan,
			Cadence:          models.ParseCadence(plan),
			SubscriptionID:   mirror.ID,
			StripeCustomerID: mirror.StripeCustomerID,
			Quantity:         -surplus,
			Reference:        reference,
		})
		if err != nil {
			return changes, err
		}
		changes.Insert = issued
	}

	if changes.Empty() {
		return changes, nil
	}
	if err := r.Issuer.Commit(ctx, changes); err != nil {
		return changes, fmt.Errorf("save reconciled licenses: %w", err)
	}

	logger.Info("Subscription seats reconciled", map[string]interface{}{
		"subscription_id": mirror.ID,
		"quantity":        quantity,
		"issued":          len(changes.Insert),
		"updated":         len(changes.Update),
	})

	action := ActionUpdated
	switch {
	case len(changes.Update) == 0:
		action = ActionCreated
	case len(changes.Insert) == 0 && surplus > 0:
		action = ActionDeactivated
	case len(changes.Insert) == 0:
		action = ActionReactivated
	}
	if customer != nil {
		r.notify(ctx, customer, action, changes.Licenses())
	} else {
		r.notifyOwner(ctx, changes.Licenses()[0].CustomerID, action, changes.Licenses())
	}
	return changes, nil
}

func (r *Reconciler) notifyOwner(ctx context.Context, customerID, action string, licenses []*models.License) {
	customer, err := r.Storage.GetCustomer(ctx, customerID)
	if err != nil || customer == nil {
		logger.Warn("No customer to notify", map[string]interface{}{
			"customer_id": customerID,
			"action":      action,
		})
		return
	}
	r.notify(ctx, customer, action, licenses)
}

// notify enqueues one email for a change set. Failures never fail the caller.
func (r *Reconciler) notify(ctx context.Context, customer *models.Customer, action string, licenses []*models.License) {
	if r.Notifier == nil || len(licenses) == 0 {
		return
	}

	data := notify.TemplateData{
		CustomerName: customer.FirstName(),
		Plan:         licenses[0].Plan,
		Action:       action,
		SupportEmail: r.SupportEmail,
	}
	for _, l := range licenses {
		data.LicenseKeys = append(data.LicenseKeys, l.Key)
		if l.ExpiresAt.After(data.ExpiresAt) {
			data.ExpiresAt = l.ExpiresAt
		}
	}

	if err := r.Notifier.Enqueue(ctx, customer.Email, "license_"+action, data); err != nil {
		logger.Error("Failed to enqueue license email", map[string]interface{}{
			"error":       err.Error(),
			"email":       customer.Email,
			"customer_id": customer.ID,
			"action":      action,
		})
	}
}
