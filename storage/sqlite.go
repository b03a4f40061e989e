package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"auto-focus.app/licensing/internal/logger"
	"auto-focus.app/licensing/models"
	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type SQLiteStorage struct {
	db   *sql.DB
	path string
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const licenseColumns = `id, key, customer_id, status, plan, cadence, subscription_id, stripe_customer_id,
	stripe_session_id, renewal_session_id, deactivation_reason, purchased_at, expires_at, created_at, updated_at`

func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; SQLite would otherwise answer "database is locked".
	db.SetMaxOpenConns(1)

	storage := &SQLiteStorage{
		db:   db,
		path: path,
	}

	if err := storage.Migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return storage, nil
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_foreign_keys=on&_busy_timeout=5000"
}

func (s *SQLiteStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies the embedded schema migrations.
func (s *SQLiteStorage) Migrate() error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := sqlitemigrate.WithInstance(s.db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	if err != nil {
		return err
	}

	version, _, _ := m.Version()
	logger.Info("Database migrated", map[string]interface{}{
		"path":    s.path,
		"version": version,
	})
	return nil
}

func (s *SQLiteStorage) GetCustomer(ctx context.Context, id string) (*models.Customer, error) {
	return s.findCustomer(ctx, `SELECT id, email, name, country, stripe_customer_id, created_at, updated_at FROM customers WHERE id = ?`, id)
}

func (s *SQLiteStorage) FindCustomerByEmailAddress(ctx context.Context, emailAddress string) (*models.Customer, error) {
	return s.findCustomer(ctx, `SELECT id, email, name, country, stripe_customer_id, created_at, updated_at FROM customers WHERE email = ?`, emailAddress)
}

func (s *SQLiteStorage) FindCustomerByStripeID(ctx context.Context, stripeCustomerID string) (*models.Customer, error) {
	if stripeCustomerID == "" {
		return nil, nil
	}
	return s.findCustomer(ctx, `SELECT id, email, name, country, stripe_customer_id, created_at, updated_at FROM customers WHERE stripe_customer_id = ?`, stripeCustomerID)
}

func (s *SQLiteStorage) findCustomer(ctx context.Context, query string, arg string) (*models.Customer, error) {
	var customer models.Customer
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&customer.ID,
		&customer.Email,
		&customer.Name,
		&customer.Country,
		&customer.StripeCustomerID,
		&customer.CreatedAt,
		&customer.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &customer, nil
}

func (s *SQLiteStorage) SaveCustomer(ctx context.Context, customer *models.Customer) error {
	query := `INSERT INTO customers (id, email, name, country, stripe_customer_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			email = excluded.email,
			name = excluded.name,
			country = excluded.country,
			stripe_customer_id = excluded.stripe_customer_id,
			updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		customer.ID,
		customer.Email,
		customer.Name,
		customer.Country,
		customer.StripeCustomerID,
		customer.CreatedAt,
		customer.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to save customer: %w", err)
	}

	return nil
}

func (s *SQLiteStorage) GetLicense(ctx context.Context, id string) (*models.License, error) {
	return s.findLicense(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE id = ?`, id)
}

func (s *SQLiteStorage) FindLicenseByKey(ctx context.Context, key string) (*models.License, error) {
	return s.findLicense(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE key = ?`, key)
}

func (s *SQLiteStorage) FindLicensesByCustomer(ctx context.Context, customerID string) ([]*models.License, error) {
	return s.queryLicenses(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE customer_id = ? ORDER BY purchased_at, key`, customerID)
}

func (s *SQLiteStorage) FindLicensesBySubscription(ctx context.Context, subscriptionID string) ([]*models.License, error) {
	if subscriptionID == "" {
		return nil, nil
	}
	return s.queryLicenses(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE subscription_id = ? ORDER BY purchased_at, key`, subscriptionID)
}

func (s *SQLiteStorage) FindLicensesBySession(ctx context.Context, sessionID string) ([]*models.License, error) {
	if sessionID == "" {
		return nil, nil
	}
	return s.queryLicenses(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE stripe_session_id = ? ORDER BY purchased_at, key`, sessionID)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLicense(row rowScanner) (*models.License, error) {
	var license models.License
	var cadence string
	err := row.Scan(
		&license.ID,
		&license.Key,
		&license.CustomerID,
		&license.Status,
		&license.Plan,
		&cadence,
		&license.SubscriptionID,
		&license.StripeCustomerID,
		&license.StripeSessionID,
		&license.RenewalSessionID,
		&license.DeactivationReason,
		&license.PurchasedAt,
		&license.ExpiresAt,
		&license.CreatedAt,
		&license.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	license.Cadence = models.Cadence(cadence)
	return &license, nil
}

func (s *SQLiteStorage) findLicense(ctx context.Context, query string, arg string) (*models.License, error) {
	license, err := scanLicense(s.db.QueryRowContext(ctx, query, arg))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return license, nil
}

func (s *SQLiteStorage) queryLicenses(ctx context.Context, query string, arg string) ([]*models.License, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query licenses: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			logger.Warn("Failed to close rows", map[string]interface{}{"error": err.Error()})
		}
	}()

	var licenses []*models.License
	for rows.Next() {
		license, err := scanLicense(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan license: %w", err)
		}
		licenses = append(licenses, license)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating licenses: %w", err)
	}

	return licenses, nil
}

func (s *SQLiteStorage) SaveLicense(ctx context.Context, license *models.License) error {
	return upsertLicense(ctx, s.db, license)
}

func insertLicense(ctx context.Context, db execer, license *models.License) error {
	query := `INSERT INTO licenses (` + licenseColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, query, licenseArgs(license)...)
	if err != nil {
		return translateSQLiteError(err, license)
	}
	return nil
}

func upsertLicense(ctx context.Context, db execer, license *models.License) error {
	query := `INSERT INTO licenses (` + licenseColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			plan = excluded.plan,
			cadence = excluded.cadence,
			subscription_id = excluded.subscription_id,
			stripe_customer_id = excluded.stripe_customer_id,
			renewal_session_id = excluded.renewal_session_id,
			deactivation_reason = excluded.deactivation_reason,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`
	_, err := db.ExecContext(ctx, query, licenseArgs(license)...)
	if err != nil {
		return translateSQLiteError(err, license)
	}
	return nil
}

func updateLicense(ctx context.Context, db execer, license *models.License) error {
	query := `UPDATE licenses SET
			status = ?, plan = ?, cadence = ?, subscription_id = ?, stripe_customer_id = ?,
			renewal_session_id = ?, deactivation_reason = ?, expires_at = ?, updated_at = ?
		WHERE id = ?`
	result, err := db.ExecContext(ctx, query,
		license.Status,
		license.Plan,
		string(license.Cadence),
		license.SubscriptionID,
		license.StripeCustomerID,
		license.RenewalSessionID,
		license.DeactivationReason,
		license.ExpiresAt.UTC(),
		license.UpdatedAt,
		license.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update license: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update license: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrLicenseNotFound, license.ID)
	}
	return nil
}

func licenseArgs(license *models.License) []any {
	return []any{
		license.ID,
		license.Key,
		license.CustomerID,
		license.Status,
		license.Plan,
		string(license.Cadence),
		license.SubscriptionID,
		license.StripeCustomerID,
		license.StripeSessionID,
		license.RenewalSessionID,
		license.DeactivationReason,
		license.PurchasedAt.UTC(),
		license.ExpiresAt.UTC(),
		license.CreatedAt,
		license.UpdatedAt,
	}
}

func translateSQLiteError(err error, license *models.License) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique:
			return fmt.Errorf("%w: %s", ErrDuplicateLicenseKey, license.Key)
		case sqlite3.ErrConstraintForeignKey:
			return fmt.Errorf("%w: %s", ErrCustomerNotFound, license.CustomerID)
		}
	}
	return fmt.Errorf("failed to save license: %w", err)
}

func (s *SQLiteStorage) ApplyLicenseChanges(ctx context.Context, changes LicenseChanges) error {
	if changes.Empty() {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, license := range changes.Insert {
		if err := insertLicense(ctx, tx, license); err != nil {
			return err
		}
	}
	for _, license := range changes.Update {
		if err := updateLicense(ctx, tx, license); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	query := `SELECT id, customer_id, stripe_customer_id, plan, status, cancel_at_period_end, cancel_at,
		current_period_start, current_period_end, items, created_at, updated_at FROM subscriptions WHERE id = ?`

	var subscription models.Subscription
	var cancelAt, periodStart, periodEnd sql.NullTime
	var items string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&subscription.ID,
		&subscription.CustomerID,
		&subscription.StripeCustomerID,
		&subscription.Plan,
		&subscription.Status,
		&subscription.CancelAtPeriodEnd,
		&cancelAt,
		&periodStart,
		&periodEnd,
		&items,
		&subscription.CreatedAt,
		&subscription.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	subscription.CancelAt = nullTime(cancelAt)
	subscription.CurrentPeriodStart = nullTime(periodStart)
	subscription.CurrentPeriodEnd = nullTime(periodEnd)
	if err := json.Unmarshal([]byte(items), &subscription.Items); err != nil {
		return nil, fmt.Errorf("failed to decode subscription items: %w", err)
	}
	return &subscription, nil
}

func nullTime(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time
}

func (s *SQLiteStorage) SaveSubscription(ctx context.Context, subscription *models.Subscription) error {
	items, err := json.Marshal(subscription.Items)
	if err != nil {
		return fmt.Errorf("failed to encode subscription items: %w", err)
	}

	query := `INSERT INTO subscriptions (id, customer_id, stripe_customer_id, plan, status, cancel_at_period_end,
			cancel_at, current_period_start, current_period_end, items, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			customer_id = excluded.customer_id,
			stripe_customer_id = excluded.stripe_customer_id,
			plan = excluded.plan,
			status = excluded.status,
			cancel_at_period_end = excluded.cancel_at_period_end,
			cancel_at = excluded.cancel_at,
			current_period_start = excluded.current_period_start,
			current_period_end = excluded.current_period_end,
			items = excluded.items,
			updated_at = excluded.updated_at`

	_, err = s.db.ExecContext(ctx, query,
		subscription.ID,
		subscription.CustomerID,
		subscription.StripeCustomerID,
		subscription.Plan,
		subscription.Status,
		subscription.CancelAtPeriodEnd,
		subscription.CancelAt,
		subscription.CurrentPeriodStart,
		subscription.CurrentPeriodEnd,
		string(items),
		subscription.CreatedAt,
		subscription.UpdatedAt,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey {
			return fmt.Errorf("%w: %s", ErrCustomerNotFound, subscription.CustomerID)
		}
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
