// Package db wraps the MongoDB connection used by the bot. It owns the
// retry-guarded bootstrap, the unique indexes the matchmaking data depends
// on, and the handful of queries the status surface needs.
package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	otelx "github.com/coolbuoy/matchbot/internal/otel"
	"github.com/coolbuoy/matchbot/internal/retry"
	"github.com/coolbuoy/matchbot/internal/telemetry"
)

// serverSelectionTimeout bounds how long the driver hunts for a reachable
// server before a command fails. Keeps startup failures fast and loud.
const serverSelectionTimeout = 10 * time.Second

// User is the subset of a user document the supervisor writes.
type User struct {
	UserID   string    `bson:"user_id"`
	Username string    `bson:"username"`
	JoinedAt time.Time `bson:"joined_at"`
}

// Store is a connected handle to the bot database.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	logger *slog.Logger
	tracer trace.Tracer
}

// UseTracer attaches a tracer so store operations emit client spans. The
// default is a noop tracer.
func (s *Store) UseTracer(t trace.Tracer) {
	if t != nil {
		s.tracer = t
	}
}

// Connect dials MongoDB under the given retry policy, pings it, and ensures
// the schema indexes. The URI is never logged with credentials. onRetry is
// invoked for each failed attempt that will be retried.
func Connect(ctx context.Context, uri, dbName string, policy retry.Policy, logger *slog.Logger, onRetry retry.OnRetry) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("connecting to mongodb", "uri", telemetry.MaskMongoURI(uri), "database", dbName)

	var client *mongo.Client
	err := policy.Do(ctx, logger, "mongodb connect", func(ctx context.Context) error {
		opts := options.Client().
			ApplyURI(uri).
			SetServerSelectionTimeout(serverSelectionTimeout)
		c, err := mongo.Connect(opts)
		if err != nil {
			return fmt.Errorf("dial: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, serverSelectionTimeout)
		defer cancel()
		if err := c.Ping(pingCtx, readpref.Primary()); err != nil {
			_ = c.Disconnect(context.Background())
			return fmt.Errorf("ping: %w", err)
		}
		client = c
		return nil
	}, onRetry)
	if err != nil {
		return nil, err
	}

	s := &Store{
		client: client,
		db:     client.Database(dbName),
		logger: logger,
		tracer: tracenoop.NewTracerProvider().Tracer("matchbot"),
	}
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = s.Close(context.Background())
		return nil, err
	}
	logger.Info("mongodb connection established", "database", dbName)
	return s, nil
}

// Ping revalidates the connection against the primary.
func (s *Store) Ping(ctx context.Context) error {
	ctx, span := otelx.StartClientSpan(ctx, s.tracer, "db.ping")
	defer span.End()
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// Close releases the driver's connection pool.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// EnsureIndexes creates the unique indexes the matchmaking collections rely
// on. Creation is idempotent; an index that already exists is a no-op.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)
	specs := []struct {
		collection string
		model      mongo.IndexModel
	}{
		{"users", mongo.IndexModel{
			Keys:    bson.D{{Key: "user_id", Value: 1}},
			Options: unique,
		}},
		{"profiles", mongo.IndexModel{
			Keys:    bson.D{{Key: "user_id", Value: 1}},
			Options: unique,
		}},
		{"matches", mongo.IndexModel{
			Keys:    bson.D{{Key: "user1_id", Value: 1}, {Key: "user2_id", Value: 1}},
			Options: unique,
		}},
		{"registrations", mongo.IndexModel{
			Keys:    bson.D{{Key: "user_id", Value: 1}},
			Options: unique,
		}},
	}

	for _, spec := range specs {
		if _, err := s.db.Collection(spec.collection).Indexes().CreateOne(ctx, spec.model); err != nil {
			return fmt.Errorf("create index on %s: %w", spec.collection, err)
		}
	}
	s.logger.Debug("indexes ensured", "collections", len(specs))
	return nil
}

// SaveUser upserts a user record keyed by user_id.
func (s *Store) SaveUser(ctx context.Context, u User) error {
	ctx, span := otelx.StartClientSpan(ctx, s.tracer, "db.save_user",
		otelx.AttrCollection.String("users"))
	defer span.End()
	_, err := s.db.Collection("users").UpdateOne(ctx,
		bson.D{{Key: "user_id", Value: u.UserID}},
		bson.D{{Key: "$set", Value: u}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("save user %s: %w", u.UserID, err)
	}
	return nil
}

// UserCount reports the number of known users.
func (s *Store) UserCount(ctx context.Context) (int64, error) {
	ctx, span := otelx.StartClientSpan(ctx, s.tracer, "db.user_count",
		otelx.AttrCollection.String("users"))
	defer span.End()
	n, err := s.db.Collection("users").CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

// RegistrationCount reports the number of event registrations.
func (s *Store) RegistrationCount(ctx context.Context) (int64, error) {
	ctx, span := otelx.StartClientSpan(ctx, s.tracer, "db.registration_count",
		otelx.AttrCollection.String("registrations"))
	defer span.End()
	n, err := s.db.Collection("registrations").CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("count registrations: %w", err)
	}
	return n, nil
}

// ErrAlreadyMatched reports that a match pair is already recorded.
var ErrAlreadyMatched = errors.New("pair already matched")

// orderPair puts a match pair in canonical order so (A,B) and (B,A) name the
// same document under the unique (user1_id, user2_id) index.
func orderPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// RecordMatchAttempt upserts a match pair in canonical order and bumps each
// participant's match counter on first insert. A reversed duplicate lands on
// the same document and returns ErrAlreadyMatched.
func (s *Store) RecordMatchAttempt(ctx context.Context, user1ID, user2ID string) error {
	ctx, span := otelx.StartClientSpan(ctx, s.tracer, "db.record_match",
		otelx.AttrCollection.String("matches"))
	defer span.End()
	first, second := orderPair(user1ID, user2ID)
	res, err := s.db.Collection("matches").UpdateOne(ctx,
		bson.D{
			{Key: "user1_id", Value: first},
			{Key: "user2_id", Value: second},
		},
		bson.D{{Key: "$setOnInsert", Value: bson.D{
			{Key: "matched_at", Value: time.Now().UTC()},
		}}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// Lost an upsert race against the unique index.
			return fmt.Errorf("pair %s/%s: %w", first, second, ErrAlreadyMatched)
		}
		return fmt.Errorf("record match %s/%s: %w", first, second, err)
	}
	if res.UpsertedCount == 0 {
		return fmt.Errorf("pair %s/%s: %w", first, second, ErrAlreadyMatched)
	}

	_, err = s.db.Collection("users").UpdateMany(ctx,
		bson.D{{Key: "user_id", Value: bson.D{{Key: "$in", Value: bson.A{first, second}}}}},
		bson.D{{Key: "$inc", Value: bson.D{{Key: "match_count", Value: 1}}}},
	)
	if err != nil {
		return fmt.Errorf("bump match counters %s/%s: %w", first, second, err)
	}
	return nil
}
