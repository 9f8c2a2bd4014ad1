package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	databaseName    = "build_data"
	collectionBuild = "build"

	connectTimeout   = 4 * time.Second
	selectionTimeout = 8 * time.Second
)

// ErrNotFound is returned when no job matches a lookup.
var ErrNotFound = errors.New("job not found")

// FilterBuildID is the canonical lookup filter.
func FilterBuildID(id string) bson.M { return bson.M{"build_id": id} }

// FilterPending matches jobs the reconciler re-drives: Waiting or Building.
func FilterPending() bson.M { return bson.M{"code": bson.M{"$gt": CodeFailed}} }

// Store is the MongoDB-backed job collection.
type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// Connect dials the store and bootstraps the indexes the queries rely on.
func Connect(ctx context.Context, uri string) (*Store, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(connectTimeout).
		SetServerSelectionTimeout(selectionTimeout)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	s := &Store{client: client, coll: client.Database(databaseName).Collection(collectionBuild)}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// ensureIndexes creates the unique build_id index and the (code, date)
// compound index backing the reconciler scan.
func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "build_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "code", Value: 1}, {Key: "date", Value: -1}},
		},
	})
	if err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	return nil
}

// Close tears down the connection pool.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Upsert writes job keyed by its build id, stamping update_time. The whole
// document is replaced, never partially updated.
func (s *Store) Upsert(ctx context.Context, job *Job) error {
	job.UpdateTime = time.Now().UTC()
	_, err := s.coll.ReplaceOne(ctx, FilterBuildID(job.BuildID), job, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert job %s: %w", job.BuildID, err)
	}
	return nil
}

// FindByID loads one job or ErrNotFound.
func (s *Store) FindByID(ctx context.Context, buildID string) (*Job, error) {
	return s.FindOne(ctx, FilterBuildID(buildID))
}

// FindOne loads the first job matching filter or ErrNotFound.
func (s *Store) FindOne(ctx context.Context, filter bson.M) (*Job, error) {
	var job Job
	err := s.coll.FindOne(ctx, filter).Decode(&job)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find job: %w", err)
	}
	return &job, nil
}

// Find streams every job matching filter through fn, honoring sort, limit
// and skip. fn returning an error stops the scan.
func (s *Store) Find(ctx context.Context, filter bson.M, sort bson.D, limit, skip int64, fn func(*Job) error) error {
	opts := options.Find()
	if sort != nil {
		opts.SetSort(sort)
	}
	if limit > 0 {
		opts.SetLimit(limit)
	}
	if skip > 0 {
		opts.SetSkip(skip)
	}

	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return fmt.Errorf("find jobs: %w", err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var job Job
		if err := cursor.Decode(&job); err != nil {
			return fmt.Errorf("decode job: %w", err)
		}
		if err := fn(&job); err != nil {
			return err
		}
	}
	return cursor.Err()
}

// Contains reports whether any job matches filter.
func (s *Store) Contains(ctx context.Context, filter bson.M) bool {
	_, err := s.FindOne(ctx, filter)
	return err == nil
}

// Delete removes the first job matching filter. The core never calls this on
// live records; it exists for operators and tests.
func (s *Store) Delete(ctx context.Context, filter bson.M) error {
	if _, err := s.coll.DeleteOne(ctx, filter); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}
