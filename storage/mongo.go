package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"auto-focus.app/licensing/models"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

var ErrFailedToConnectToMongo = errors.New("failed to connect to mongo")

// MongoConfig mirrors the connection settings of the mongo client.
type MongoConfig struct {
	ConnectionURL  string
	Database       string
	ConnectTimeout time.Duration
	RetryAttempts  int
	RetryInterval  time.Duration
}

// MongoStorage stores each entity in its own collection. Multi-license changes
// run in a transaction, so the server must be a replica set.
type MongoStorage struct {
	client        *mongo.Client
	customers     *mongo.Collection
	licenses      *mongo.Collection
	subscriptions *mongo.Collection
}

func NewMongoStorage(ctx context.Context, cfg MongoConfig) (*MongoStorage, error) {
	client, err := connectMongo(ctx, cfg)
	if err != nil {
		return nil, err
	}

	db := client.Database(cfg.Database)
	s := &MongoStorage{
		client:        client,
		customers:     db.Collection("customers"),
		licenses:      db.Collection("licenses"),
		subscriptions: db.Collection("subscriptions"),
	}

	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}
	return s, nil
}

func connectMongo(ctx context.Context, cfg MongoConfig) (*mongo.Client, error) {
	attempts := cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	for range attempts {
		client, err := mongo.Connect(
			options.Client().
				ApplyURI(cfg.ConnectionURL).
				SetConnectTimeout(cfg.ConnectTimeout),
		)
		if err == nil {
			if err := client.Ping(ctx, nil); err == nil {
				return client, nil
			}
			_ = client.Disconnect(ctx)
		}

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrFailedToConnectToMongo, ctx.Err())
		case <-time.After(cfg.RetryInterval):
		}
	}
	return nil, ErrFailedToConnectToMongo
}

func (s *MongoStorage) ensureIndexes(ctx context.Context) error {
	_, err := s.licenses.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "key", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "customer_id", Value: 1}}},
		{Keys: bson.D{{Key: "subscription_id", Value: 1}, {Key: "purchased_at", Value: 1}}},
		{Keys: bson.D{{Key: "stripe_session_id", Value: 1}}},
	})
	if err != nil {
		return err
	}
	_, err = s.customers.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "email", Value: 1}}},
		{Keys: bson.D{{Key: "stripe_customer_id", Value: 1}}},
	})
	return err
}

// Ping is used by the health endpoint.
func (s *MongoStorage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func findOne[T any](ctx context.Context, coll *mongo.Collection, filter bson.M) (*T, error) {
	var doc T
	err := coll.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *MongoStorage) GetCustomer(ctx context.Context, id string) (*models.Customer, error) {
	return findOne[models.Customer](ctx, s.customers, bson.M{"_id": id})
}

func (s *MongoStorage) FindCustomerByEmailAddress(ctx context.Context, emailAddress string) (*models.Customer, error) {
	return findOne[models.Customer](ctx, s.customers, bson.M{"email": emailAddress})
}

func (s *MongoStorage) FindCustomerByStripeID(ctx context.Context, stripeCustomerID string) (*models.Customer, error) {
	if stripeCustomerID == "" {
		return nil, nil
	}
	return findOne[models.Customer](ctx, s.customers, bson.M{"stripe_customer_id": stripeCustomerID})
}

func (s *MongoStorage) SaveCustomer(ctx context.Context, customer *models.Customer) error {
	_, err := s.customers.ReplaceOne(ctx, bson.M{"_id": customer.ID}, customer, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save customer: %w", err)
	}
	return nil
}

func (s *MongoStorage) GetLicense(ctx context.Context, id string) (*models.License, error) {
	return findOne[models.License](ctx, s.licenses, bson.M{"_id": id})
}

func (s *MongoStorage) FindLicenseByKey(ctx context.Context, key string) (*models.License, error) {
	return findOne[models.License](ctx, s.licenses, bson.M{"key": key})
}

func (s *MongoStorage) FindLicensesByCustomer(ctx context.Context, customerID string) ([]*models.License, error) {
	return s.findLicenses(ctx, bson.M{"customer_id": customerID})
}

func (s *MongoStorage) FindLicensesBySubscription(ctx context.Context, subscriptionID string) ([]*models.License, error) {
	if subscriptionID == "" {
		return nil, nil
	}
	return s.findLicenses(ctx, bson.M{"subscription_id": subscriptionID})
}

func (s *MongoStorage) FindLicensesBySession(ctx context.Context, sessionID string) ([]*models.License, error) {
	if sessionID == "" {
		return nil, nil
	}
	return s.findLicenses(ctx, bson.M{"stripe_session_id": sessionID})
}

func (s *MongoStorage) findLicenses(ctx context.Context, filter bson.M) ([]*models.License, error) {
	opts := options.Find().SetSort(bson.D{{Key: "purchased_at", Value: 1}, {Key: "key", Value: 1}})
	cursor, err := s.licenses.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query licenses: %w", err)
	}

	var licenses []*models.License
	if err := cursor.All(ctx, &licenses); err != nil {
		return nil, fmt.Errorf("failed to decode licenses: %w", err)
	}
	return licenses, nil
}

func (s *MongoStorage) SaveLicense(ctx context.Context, license *models.License) error {
	_, err := s.licenses.ReplaceOne(ctx, bson.M{"_id": license.ID}, license, options.Replace().SetUpsert(true))
	if err != nil {
		return translateMongoError(err, license)
	}
	return nil
}

func (s *MongoStorage) ApplyLicenseChanges(ctx context.Context, changes LicenseChanges) error {
	if changes.Empty() {
		return nil
	}

	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		for _, license := range changes.Insert {
			if _, err := s.licenses.InsertOne(ctx, license); err != nil {
				return nil, translateMongoError(err, license)
			}
		}
		for _, license := range changes.Update {
			result, err := s.licenses.ReplaceOne(ctx, bson.M{"_id": license.ID}, license)
			if err != nil {
				return nil, translateMongoError(err, license)
			}
			if result.MatchedCount == 0 {
				return nil, fmt.Errorf("%w: %s", ErrLicenseNotFound, license.ID)
			}
		}
		return nil, nil
	})
	return err
}

func translateMongoError(err error, license *models.License) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %s", ErrDuplicateLicenseKey, license.Key)
	}
	return fmt.Errorf("failed to save license: %w", err)
}

func (s *MongoStorage) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	return findOne[models.Subscription](ctx, s.subscriptions, bson.M{"_id": id})
}

func (s *MongoStorage) SaveSubscription(ctx context.Context, subscription *models.Subscription) error {
	_, err := s.subscriptions.ReplaceOne(ctx, bson.M{"_id": subscription.ID}, subscription, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

func (s *MongoStorage) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Drop removes the whole database. Used by tests.
func (s *MongoStorage) Drop(ctx context.Context) error {
	return s.licenses.Database().Drop(ctx)
}
