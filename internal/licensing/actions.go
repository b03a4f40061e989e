package licensing

import (
	"context"
	"fmt"
	"time"

	"auto-focus.app/licensing/internal/billing"
	"auto-focus.app/licensing/internal/logger"
	"auto-focus.app/licensing/internal/metrics"
	"auto-focus.app/licensing/models"
	"github.com/getsentry/sentry-go"
)

const (
	ActionCancel         = "cancel"
	ActionUpdateQuantity = "update_quantity"
	ActionPause          = "pause"
	ActionResume         = "resume"
)

type ActionRequest struct {
	Action            string     `json:"action"`
	SubscriptionID    string     `json:"subscriptionId"`
	UserID            string     `json:"userId"`
	CancelAtPeriodEnd bool       `json:"cancelAtPeriodEnd,omitempty"`
	NewQuantity       *int64     `json:"newQuantity,omitempty"`
	PauseUntil        *time.Time `json:"pauseUntil,omitempty"`
}

type ActionResult struct {
	Success          bool   `json:"success"`
	Action           string `json:"action"`
	SubscriptionID   string `json:"subscriptionId"`
	Status           string `json:"status"`
	Message          string `json:"message"`
	LicensesAffected int    `json:"licensesAffected"`
}

// Service runs user initiated subscription changes: provider first, then the
// local mirror, then licenses, all under the subscription lock.
type Service struct {
	reconciler *Reconciler
	provider   billing.Provider
}

func NewService(reconciler *Reconciler) *Service {
	return &Service{
		reconciler: reconciler,
		provider:   reconciler.Provider,
	}
}

func validate(req ActionRequest, now time.Time) error {
	switch req.Action {
	case ActionCancel, ActionResume:
	case ActionUpdateQuantity:
		if req.NewQuantity == nil || *req.NewQuantity < 1 {
			return ErrInvalidQuantity
		}
	case ActionPause:
		if req.PauseUntil == nil || !req.PauseUntil.After(now) {
			return ErrInvalidPauseDate
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidAction, req.Action)
	}
	if req.SubscriptionID == "" || req.UserID == "" {
		return ErrNotFound
	}
	return nil
}

func (s *Service) Execute(ctx context.Context, req ActionRequest) (*ActionResult, error) {
	result, err := s.execute(ctx, req)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	metrics.SubscriptionActions.WithLabelValues(req.Action, outcome).Inc()
	return result, err
}

func (s *Service) execute(ctx context.Context, req ActionRequest) (*ActionResult, error) {
	if err := validate(req, s.reconciler.now()); err != nil {
		return nil, err
	}

	var result *ActionResult
	err := s.reconciler.withLock(ctx, req.SubscriptionID, func() error {
		mirror, err := s.reconciler.Storage.GetSubscription(ctx, req.SubscriptionID)
		if err != nil {
			return fmt.Errorf("get subscription: %w", err)
		}
		if mirror == nil || mirror.CustomerID != req.UserID {
			logger.Warn("Subscription action rejected", map[string]interface{}{
				"subscription_id": req.SubscriptionID,
				"user_id":         req.UserID,
				"action":          req.Action,
			})
			return ErrNotFound
		}
		if s.provider == nil {
			return fmt.Errorf("%w: no billing provider configured", ErrProviderUnavailable)
		}

		switch req.Action {
		case ActionCancel:
			result, err = s.cancel(ctx, mirror, req.CancelAtPeriodEnd)
		case ActionUpdateQuantity:
			result, err = s.updateQuantity(ctx, mirror, *req.NewQuantity)
		case ActionPause:
			result, err = s.pause(ctx, mirror, *req.PauseUntil)
		case ActionResume:
			result, err = s.resume(ctx, mirror)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	logger.Info("Subscription action completed", map[string]interface{}{
		"subscription_id":   req.SubscriptionID,
		"user_id":           req.UserID,
		"action":            req.Action,
		"licenses_affected": result.LicensesAffected,
	})
	return result, nil
}

func (s *Service) cancel(ctx context.Context, mirror *models.Subscription, atPeriodEnd bool) (*ActionResult, error) {
	if atPeriodEnd {
		remote, err := s.provider.SetCancelAtPeriodEnd(ctx, mirror.ID, true)
		if err != nil {
			return nil, err
		}
		if err := s.saveMirror(ctx, mirror, remote, ActionCancel); err != nil {
			return nil, err
		}
		return s.result(ActionCancel, mirror, 0, "Subscription will be canceled at the end of the current period"), nil
	}

	remote, err := s.provider.CancelSubscription(ctx, mirror.ID)
	if err != nil {
		return nil, err
	}
	if remote.Status == "" {
		remote.Status = models.SubscriptionCanceled
	}
	if err := s.saveMirror(ctx, mirror, remote, ActionCancel); err != nil {
		return nil, err
	}

	changes, err := s.reconciler.deactivateAll(ctx, mirror.ID, models.ReasonSubscriptionCanceled)
	if err != nil {
		return nil, s.persistenceFailure(ActionCancel, mirror.ID, err)
	}
	return s.result(ActionCancel, mirror, len(changes.Update), "Subscription canceled"), nil
}

func (s *Service) updateQuantity(ctx context.Context, mirror *models.Subscription, quantity int64) (*ActionResult, error) {
	itemID := mirror.PrimaryItemID()
	if itemID == "" {
		remote, err := s.provider.GetSubscription(ctx, mirror.ID)
		if err != nil {
			return nil, err
		}
		itemID = remote.PrimaryItemID()
		if itemID == "" {
			return nil, fmt.Errorf("%w: %s", ErrNoSubscriptionItems, mirror.ID)
		}
	}

	remote, err := s.provider.UpdateQuantity(ctx, mirror.ID, itemID, quantity)
	if err != nil {
		return nil, err
	}
	if err := s.saveMirror(ctx, mirror, remote, ActionUpdateQuantity); err != nil {
		return nil, err
	}

	changes, err := s.reconciler.ReconcileQuantity(ctx, mirror, quantity)
	if err != nil {
		return nil, s.persistenceFailure(ActionUpdateQuantity, mirror.ID, err)
	}
	message := fmt.Sprintf("Seat quantity updated to %d", quantity)
	return s.result(ActionUpdateQuantity, mirror, len(changes.Insert)+len(changes.Update), message), nil
}

func (s *Service) pause(ctx context.Context, mirror *models.Subscription, until time.Time) (*ActionResult, error) {
	remote, err := s.provider.ScheduleCancellation(ctx, mirror.ID, until)
	if err != nil {
		return nil, err
	}
	if err := s.saveMirror(ctx, mirror, remote, ActionPause); err != nil {
		return nil, err
	}
	message := fmt.Sprintf("Subscription paused until %s", until.UTC().Format(time.RFC3339))
	return s.result(ActionPause, mirror, 0, message), nil
}

func (s *Service) resume(ctx context.Context, mirror *models.Subscription) (*ActionResult, error) {
	remote, err := s.provider.ClearScheduledCancellation(ctx, mirror.ID)
	if err != nil {
		return nil, err
	}
	if err := s.saveMirror(ctx, mirror, remote, ActionResume); err != nil {
		return nil, err
	}
	return s.result(ActionResume, mirror, 0, "Subscription resumed"), nil
}

func (s *Service) saveMirror(ctx context.Context, mirror, remote *models.Subscription, action string) error {
	mirror.MergeFrom(remote, s.reconciler.now())
	if err := s.reconciler.Storage.SaveSubscription(ctx, mirror); err != nil {
		return s.persistenceFailure(action, mirror.ID, err)
	}
	return nil
}

// persistenceFailure reports a local write that failed after the provider
// already changed state. Retrying the provider call is not safe, so the
// record has to be repaired out of band.
func (s *Service) persistenceFailure(action, subscriptionID string, err error) error {
	wrapped := fmt.Errorf("%w: %s %s: %w", ErrPersistenceFailure, action, subscriptionID, err)

	metrics.PersistenceFailures.Inc()
	logger.Error("persistence failure after provider mutation", map[string]interface{}{
		"subscription_id": subscriptionID,
		"action":          action,
		"error":           err.Error(),
	})
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("action", action)
		scope.SetTag("subscription_id", subscriptionID)
		sentry.CaptureException(wrapped)
	})
	return wrapped
}

func (s *Service) result(action string, mirror *models.Subscription, affected int, message string) *ActionResult {
	return &ActionResult{
		Success:          true,
		Action:           action,
		SubscriptionID:   mirror.ID,
		Status:           mirror.Status,
		Message:          message,
		LicensesAffected: affected,
	}
}
