// Package mongo implements structure.Store on MongoDB.
//
// Two collections back the scheduler: the structure catalog, keyed by
// filename, and a single-document aggregate holding the global minimum
// distance. Lease claims rely on UpdateMany's modified count: the update
// filter re-checks claimability so a document grabbed by a concurrent claim
// is left untouched and surfaces as a count mismatch.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/Lucasrsv1/structures-manager"
	"github.com/Lucasrsv1/structures-manager/structure"
)

// Collection name constants.
const (
	colStructures = "structures"
	colMinimum    = "min-distance"
)

// minimumDocID is the _id of the single aggregate document in colMinimum.
const minimumDocID = "min-distance"

// Ensure Store implements the catalog contract at compile time.
var _ structure.Store = (*Store)(nil)

// Store is a MongoDB implementation of structure.Store. The caller owns the
// client lifecycle; Store never disconnects it.
type Store struct {
	db     *mongod.Database
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a new MongoDB store on the given database. The caller owns the
// underlying client -- the Store will not disconnect it on Close().
func New(db *mongod.Database, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect dials MongoDB at host and returns the client together with the
// named database. host is "addr:port" without a scheme.
func Connect(ctx context.Context, host, database string) (*mongod.Client, *mongod.Database, error) {
	client, err := mongod.Connect(options.Client().ApplyURI("mongodb://" + host))
	if err != nil {
		return nil, nil, fmt.Errorf("mongo: connect %s: %w", host, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("mongo: ping %s: %w", host, err)
	}
	return client, client.Database(database), nil
}

func (s *Store) structures() *mongod.Collection { return s.db.Collection(colStructures) }
func (s *Store) minimum() *mongod.Collection    { return s.db.Collection(colMinimum) }

// claimableFilter selects open structures whose lease is absent or stale.
func claimableFilter(cutoff time.Time) bson.M {
	return bson.M{
		"result": nil,
		"$or": bson.A{
			bson.M{"lastPing": nil},
			bson.M{"lastPing": bson.M{"$lt": cutoff}},
		},
	}
}

// classFilter adds the size-class restriction to filter in place. Comparison
// operators never match a null or missing bytesCount, so unsized structures
// fall outside both classes.
func classFilter(filter bson.M, class structure.SizeClass, threshold int64) bson.M {
	switch class {
	case structure.ClassSmall:
		filter["bytesCount"] = bson.M{"$lte": threshold}
	case structure.ClassLarge:
		filter["bytesCount"] = bson.M{"$gt": threshold}
	}
	return filter
}

// InsertNew inserts the filenames as open structures, silently skipping any
// the unique filename index already knows.
func (s *Store) InsertNew(ctx context.Context, filenames []string) (int64, error) {
	if len(filenames) == 0 {
		return 0, nil
	}

	docs := make([]any, 0, len(filenames))
	for _, f := range filenames {
		docs = append(docs, &structure.Structure{Filename: f})
	}

	res, err := s.structures().InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	var added int64
	if res != nil {
		added = int64(len(res.InsertedIDs))
	}
	if err != nil && !isDuplicateKey(err) {
		return added, fmt.Errorf("mongo: insert structures: %w", err)
	}
	return added, nil
}

// List returns the full catalog sorted by filename.
func (s *Store) List(ctx context.Context) ([]*structure.Structure, error) {
	cur, err := s.structures().Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "filename", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongo: list structures: %w", err)
	}
	defer cur.Close(ctx)

	var out []*structure.Structure
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongo: decode structures: %w", err)
	}
	return out, nil
}

// Count returns the catalog statistics.
func (s *Store) Count(ctx context.Context, interval time.Duration) (structure.Stats, error) {
	col := s.structures()

	total, err := col.CountDocuments(ctx, bson.M{})
	if err != nil {
		return structure.Stats{}, fmt.Errorf("mongo: count structures: %w", err)
	}
	pending, err := col.CountDocuments(ctx, bson.M{"result": nil})
	if err != nil {
		return structure.Stats{}, fmt.Errorf("mongo: count pending: %w", err)
	}
	processing, err := col.CountDocuments(ctx, bson.M{
		"result":        nil,
		"distributedAt": bson.M{"$gte": time.Now().Add(-interval)},
	})
	if err != nil {
		return structure.Stats{}, fmt.Errorf("mongo: count processing: %w", err)
	}

	return structure.Stats{
		Count:      total,
		Pending:    pending,
		Processing: processing,
		Processed:  total - pending,
	}, nil
}

// CountPendingByClass splits the sized claimable backlog by size class.
func (s *Store) CountPendingByClass(ctx context.Context, interval time.Duration, threshold int64) (int64, int64, error) {
	cutoff := time.Now().Add(-interval)
	col := s.structures()

	small, err := col.CountDocuments(ctx,
		classFilter(claimableFilter(cutoff), structure.ClassSmall, threshold))
	if err != nil {
		return 0, 0, fmt.Errorf("mongo: count small pending: %w", err)
	}
	large, err := col.CountDocuments(ctx,
		classFilter(claimableFilter(cutoff), structure.ClassLarge, threshold))
	if err != nil {
		return 0, 0, fmt.Errorf("mongo: count large pending: %w", err)
	}
	return small, large, nil
}

// FindClaimable returns up to limit claimable filenames.
func (s *Store) FindClaimable(ctx context.Context, limit int, class structure.SizeClass, interval time.Duration, threshold int64) ([]string, error) {
	filter := classFilter(claimableFilter(time.Now().Add(-interval)), class, threshold)

	cur, err := s.structures().Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "filename", Value: 1}}).
		SetLimit(int64(limit)).
		SetProjection(bson.M{"filename": 1}))
	if err != nil {
		return nil, fmt.Errorf("mongo: find claimable: %w", err)
	}
	defer cur.Close(ctx)

	var filenames []string
	for cur.Next(ctx) {
		var doc struct {
			Filename string `bson:"filename"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongo: decode claimable: %w", err)
		}
		filenames = append(filenames, doc.Filename)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("mongo: iterate claimable: %w", err)
	}
	return filenames, nil
}

// MarkDistributed stamps the lease timestamps on the filenames that are still
// claimable at time at. The returned count is the driver's modified count;
// the caller compares it against the candidate count to detect a lost race.
func (s *Store) MarkDistributed(ctx context.Context, filenames []string, at time.Time) (int64, error) {
	res, err := s.structures().UpdateMany(ctx,
		bson.M{
			"filename": bson.M{"$in": filenames},
			"result":   nil,
			"$or": bson.A{
				bson.M{"lastPing": nil},
				bson.M{"lastPing": bson.M{"$lt": at}},
			},
		},
		bson.M{"$set": bson.M{"distributedAt": at, "lastPing": at}},
	)
	if err != nil {
		return 0, fmt.Errorf("mongo: mark distributed: %w", err)
	}
	return res.ModifiedCount, nil
}

// RefreshPing extends the lease on the open structures among filenames and
// returns the ones it refreshed.
func (s *Store) RefreshPing(ctx context.Context, filenames []string, at time.Time) ([]string, error) {
	cur, err := s.structures().Find(ctx,
		bson.M{"filename": bson.M{"$in": filenames}, "result": nil},
		options.Find().SetProjection(bson.M{"filename": 1}))
	if err != nil {
		return nil, fmt.Errorf("mongo: find open leases: %w", err)
	}
	defer cur.Close(ctx)

	var refreshed []string
	for cur.Next(ctx) {
		var doc struct {
			Filename string `bson:"filename"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongo: decode open lease: %w", err)
		}
		refreshed = append(refreshed, doc.Filename)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("mongo: iterate open leases: %w", err)
	}
	if len(refreshed) == 0 {
		return nil, nil
	}

	_, err = s.structures().UpdateMany(ctx,
		bson.M{"filename": bson.M{"$in": refreshed}, "result": nil},
		bson.M{"$set": bson.M{"lastPing": at}},
	)
	if err != nil {
		return nil, fmt.Errorf("mongo: refresh ping: %w", err)
	}
	return refreshed, nil
}

// Complete closes an open structure. The update is a pipeline so totalTime is
// computed server-side from the stored distributedAt in the same write that
// sets the result, leaving no window for a racing write in between.
func (s *Store) Complete(ctx context.Context, filename string, result float64, processingTimeMS int64, at time.Time) (bool, error) {
	res, err := s.structures().UpdateOne(ctx,
		bson.M{"filename": filename, "result": nil},
		mongod.Pipeline{
			bson.D{{Key: "$set", Value: bson.M{
				"result":         result,
				"processingTime": processingTimeMS,
				"finishedAt":     at,
				"totalTime":      bson.M{"$subtract": bson.A{at, "$distributedAt"}},
			}}},
		},
	)
	if err != nil {
		return false, fmt.Errorf("mongo: complete %q: %w", filename, err)
	}
	return res.ModifiedCount == 1, nil
}

// LowerMinimum conditionally overwrites the global minimum. The comparison
// lives in the update filter, so concurrent submissions can only ever lower
// the stored value.
func (s *Store) LowerMinimum(ctx context.Context, result float64) (bool, error) {
	res, err := s.minimum().UpdateOne(ctx,
		bson.M{"_id": minimumDocID, "result": bson.M{"$gt": result}},
		bson.M{"$set": bson.M{"result": result}},
	)
	if err != nil {
		return false, fmt.Errorf("mongo: lower minimum: %w", err)
	}
	return res.ModifiedCount == 1, nil
}

// MinimumResult returns the current global minimum distance.
func (s *Store) MinimumResult(ctx context.Context) (float64, error) {
	var doc struct {
		Result float64 `bson:"result"`
	}
	err := s.minimum().FindOne(ctx, bson.M{"_id": minimumDocID}).Decode(&doc)
	if isNoDocuments(err) {
		return math.Inf(1), nil
	}
	if err != nil {
		return 0, fmt.Errorf("mongo: read minimum: %w", err)
	}
	return doc.Result, nil
}

// FindUnsized returns up to limit open filenames without a byte count,
// excluding those already being measured.
func (s *Store) FindUnsized(ctx context.Context, limit int, excluding []string) ([]string, error) {
	filter := bson.M{"bytesCount": nil, "result": nil}
	if len(excluding) > 0 {
		filter["filename"] = bson.M{"$nin": excluding}
	}

	cur, err := s.structures().Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "filename", Value: 1}}).
		SetLimit(int64(limit)).
		SetProjection(bson.M{"filename": 1}))
	if err != nil {
		return nil, fmt.Errorf("mongo: find unsized: %w", err)
	}
	defer cur.Close(ctx)

	var filenames []string
	for cur.Next(ctx) {
		var doc struct {
			Filename string `bson:"filename"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongo: decode unsized: %w", err)
		}
		filenames = append(filenames, doc.Filename)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("mongo: iterate unsized: %w", err)
	}
	return filenames, nil
}

// SetBytesCount records a measured file size.
func (s *Store) SetBytesCount(ctx context.Context, filename string, bytes int64) error {
	res, err := s.structures().UpdateOne(ctx,
		bson.M{"filename": filename},
		bson.M{"$set": bson.M{"bytesCount": bytes}},
	)
	if err != nil {
		return fmt.Errorf("mongo: set bytes count %q: %w", filename, err)
	}
	if res.MatchedCount == 0 {
		return structures.ErrStructureNotFound
	}
	return nil
}

// Migrate creates the catalog indexes and seeds the minimum aggregate with
// +Inf so the first real result always lowers it.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("mongo: migrate %s indexes: %w", col, err)
		}
	}

	_, err := s.minimum().UpdateOne(ctx,
		bson.M{"_id": minimumDocID},
		bson.M{"$setOnInsert": bson.M{"result": math.Inf(1)}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongo: seed minimum: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, nil)
}

// Close is a no-op because the caller owns the client lifecycle.
func (s *Store) Close() error {
	return nil
}

// isNoDocuments returns true when err indicates no MongoDB documents found.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongod.ErrNoDocuments)
}

// isDuplicateKey checks if a MongoDB error is a duplicate key violation.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "duplicate key") ||
		strings.Contains(err.Error(), "E11000")
}

// migrationIndexes returns the index definitions for the catalog collections.
func migrationIndexes() map[string][]mongod.IndexModel {
	return map[string][]mongod.IndexModel{
		colStructures: {
			// Filename is the catalog key.
			{
				Keys:    bson.D{{Key: "filename", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			// Claim index: open structures by lease staleness.
			{Keys: bson.D{
				{Key: "result", Value: 1},
				{Key: "lastPing", Value: 1},
			}},
			// Backlog split index for the mode balancer.
			{Keys: bson.D{
				{Key: "result", Value: 1},
				{Key: "bytesCount", Value: 1},
			}},
		},
	}
}
