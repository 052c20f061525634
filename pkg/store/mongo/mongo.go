// Package mongo is a MongoDB store implementation. Reservation uses
// FindOneAndUpdate so the claim is a single atomic operation on the server.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"cloudq/pkg/job"
	"cloudq/pkg/store"
)

var _ store.Store = (*Store)(nil)

const colJobs = "cloudq_jobs"

type jobDoc struct {
	ID         string     `bson:"_id"`
	Queue      string     `bson:"queue"`
	Payload    []byte     `bson:"payload"`
	State      string     `bson:"state"`
	Priority   int        `bson:"priority"`
	InsertedAt time.Time  `bson:"inserted_at"`
	UpdatedAt  time.Time  `bson:"updated_at"`
	ExpiresAt  *time.Time `bson:"expires_at,omitempty"`
}

func (d *jobDoc) toJob() *job.Job {
	return &job.Job{
		ID:         d.ID,
		Queue:      d.Queue,
		Payload:    json.RawMessage(d.Payload),
		State:      job.State(d.State),
		Priority:   d.Priority,
		InsertedAt: d.InsertedAt,
		UpdatedAt:  d.UpdatedAt,
		ExpiresAt:  d.ExpiresAt,
	}
}

// Store wraps a Mongo client and the jobs collection.
type Store struct {
	client *mongod.Client
	col    *mongod.Collection
}

// New connects to MongoDB and selects the jobs collection in dbName.
func New(url, dbName string) (*Store, error) {
	client, err := mongod.Connect(options.Client().ApplyURI(url))
	if err != nil {
		return nil, fmt.Errorf("unable to connect to mongodb: %w", err)
	}
	return &Store{
		client: client,
		col:    client.Database(dbName).Collection(colJobs),
	}, nil
}

// InitSchema creates the index backing reservation order lookups. Idempotent.
func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.col.Indexes().CreateOne(ctx, mongod.IndexModel{
		Keys: bson.D{
			{Key: "queue", Value: 1},
			{Key: "state", Value: 1},
			{Key: "inserted_at", Value: 1},
		},
	})
	if err != nil {
		return unavailable("init schema", err)
	}
	return nil
}

func (s *Store) Enqueue(ctx context.Context, spec job.Spec) (*job.Job, error) {
	now := time.Now().UTC()
	doc := &jobDoc{
		ID:         uuid.NewString(),
		Queue:      spec.Queue,
		Payload:    spec.Payload,
		State:      string(job.StateQueued),
		Priority:   spec.Priority,
		InsertedAt: now,
		UpdatedAt:  now,
	}
	if _, err := s.col.InsertOne(ctx, doc); err != nil {
		return nil, unavailable("enqueue", err)
	}
	return doc.toJob(), nil
}

func (s *Store) ReserveOldest(ctx context.Context, queue string) (*job.Job, error) {
	now := time.Now().UTC()
	filter := bson.M{"queue": queue, "state": string(job.StateQueued)}
	update := bson.M{"$set": bson.M{
		"state":      string(job.StateReserved),
		"updated_at": now,
		"expires_at": now.Add(store.ReserveTTL),
	}}
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetSort(bson.D{{Key: "inserted_at", Value: 1}})

	var doc jobDoc
	err := s.col.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongod.ErrNoDocuments) {
			return nil, store.ErrNoJob
		}
		return nil, unavailable("reserve", err)
	}
	return doc.toJob(), nil
}

func (s *Store) Complete(ctx context.Context, id string) (*job.Job, error) {
	now := time.Now().UTC()
	filter := bson.M{"_id": id, "state": string(job.StateReserved)}
	update := bson.M{
		"$set":   bson.M{"state": string(job.StateCompleted), "updated_at": now},
		"$unset": bson.M{"expires_at": ""},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc jobDoc
	err := s.col.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err == nil {
		return doc.toJob(), nil
	}
	if !errors.Is(err, mongod.ErrNoDocuments) {
		return nil, unavailable("complete", err)
	}

	// No reserved document matched: missing job or wrong state?
	err = s.col.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongod.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("complete", err)
	}
	return nil, store.ErrInvalidState
}

func (s *Store) Stats(ctx context.Context) (store.Stats, error) {
	pipeline := mongod.Pipeline{
		{{Key: "$group", Value: bson.M{
			"_id":   bson.M{"queue": "$queue", "state": "$state"},
			"count": bson.M{"$sum": 1},
		}}},
	}
	cursor, err := s.col.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, unavailable("stats", err)
	}
	defer cursor.Close(ctx)

	stats := make(store.Stats)
	for cursor.Next(ctx) {
		var row struct {
			ID struct {
				Queue string `bson:"queue"`
				State string `bson:"state"`
			} `bson:"_id"`
			Count int64 `bson:"count"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, unavailable("stats", err)
		}
		byState, ok := stats[row.ID.Queue]
		if !ok {
			byState = make(map[job.State]int64)
			stats[row.ID.Queue] = byState
		}
		byState[job.State(row.ID.State)] = row.Count
	}
	if err := cursor.Err(); err != nil {
		return nil, unavailable("stats", err)
	}
	return stats, nil
}

func (s *Store) ReclaimExpired(ctx context.Context, now time.Time) (int64, error) {
	filter := bson.M{
		"state":      string(job.StateReserved),
		"expires_at": bson.M{"$lte": now},
	}
	update := bson.M{
		"$set":   bson.M{"state": string(job.StateQueued), "updated_at": now.UTC()},
		"$unset": bson.M{"expires_at": ""},
	}
	res, err := s.col.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, unavailable("reclaim expired", err)
	}
	return res.ModifiedCount, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("mongo: %s: %w", op, errors.Join(store.ErrUnavailable, err))
}
