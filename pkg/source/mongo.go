// Package source wraps the MongoDB client behind the narrow contract the
// engine needs: an ordered, greater-than-filtered scan over one collection
// and collection discovery for the config tooling.
package source

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/dataculpa/mongo-connector/pkg/errors"
	"github.com/dataculpa/mongo-connector/pkg/models"
	"github.com/dataculpa/mongo-connector/pkg/watermark"
)

// Config holds the source connection settings.
type Config struct {
	Host           string
	Port           int
	Database       string
	User           string
	Password       string
	ConnectTimeout time.Duration
	QueryTimeout   time.Duration
}

// Source is a connected MongoDB database handle.
type Source struct {
	client       *mongo.Client
	db           *mongo.Database
	queryTimeout time.Duration
	log          *zap.Logger
}

// Connect establishes and verifies a connection to the source database.
// A failure here is fatal for the whole run.
func Connect(ctx context.Context, cfg Config, log *zap.Logger) (*Source, error) {
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}

	opts := options.Client().
		ApplyURI(fmt.Sprintf("mongodb://%s:%d", cfg.Host, cfg.Port)).
		SetServerSelectionTimeout(connectTimeout)
	if cfg.User != "" {
		opts.SetAuth(options.Credential{
			Username:   cfg.User,
			Password:   cfg.Password,
			AuthSource: cfg.Database,
		})
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to MongoDB")
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "MongoDB ping failed").
			WithDetail("host", cfg.Host).
			WithDetail("database", cfg.Database)
	}

	log.Info("connected to source database",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.Database))

	return &Source{
		client:       client,
		db:           client.Database(cfg.Database),
		queryTimeout: cfg.QueryTimeout,
		log:          log,
	}, nil
}

// ListStreams enumerates the live collections in the source database.
func (s *Source) ListStreams(ctx context.Context) ([]string, error) {
	names, err := s.db.ListCollectionNames(ctx, bson.M{})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to list collections")
	}
	return names, nil
}

// Scan opens an ascending cursor over one collection, filtered to records
// whose watermark field is strictly greater than the given value. A nil
// value means a full scan from the beginning.
func (s *Source) Scan(ctx context.Context, stream, fieldName string, after *watermark.Value) (*Cursor, error) {
	filter := bson.M{}
	if after != nil && !after.IsZero() {
		filter[fieldName] = bson.M{"$gt": after.BSON()}
	}

	opts := options.Find().SetSort(bson.D{{Key: fieldName, Value: 1}})
	if s.queryTimeout > 0 {
		opts.SetMaxTime(s.queryTimeout)
	}

	cur, err := s.db.Collection(stream).Find(ctx, filter, opts)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "source query failed").
			WithDetail("stream", stream).
			WithDetail("field", fieldName)
	}

	return &Cursor{cur: cur}, nil
}

// QueryDescription renders the scan as text for the audit log, the same
// shape a forensic replay would need.
func (s *Source) QueryDescription(stream, fieldName string, after *watermark.Value) string {
	if after != nil && !after.IsZero() {
		return fmt.Sprintf("db.%s.find({%q: {$gt: %s}}).sort({%q: 1})",
			stream, fieldName, after.String(), fieldName)
	}
	return fmt.Sprintf("db.%s.find({}).sort({%q: 1})", stream, fieldName)
}

// Close disconnects from the source.
func (s *Source) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Cursor iterates scan results in ascending watermark order.
type Cursor struct {
	cur *mongo.Cursor
}

// Next advances the cursor. It returns false at exhaustion or error; check
// Err after the loop.
func (c *Cursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}

// Record decodes the current document.
func (c *Cursor) Record() (models.Record, error) {
	var rec models.Record
	if err := c.cur.Decode(&rec); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode source document")
	}
	return rec, nil
}

// Err returns the terminal cursor error, if any.
func (c *Cursor) Err() error {
	return c.cur.Err()
}

// Close releases the server-side cursor.
func (c *Cursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}
