// Package chunkstore reassembles multi-part (Type-2) final-hop messages in a
// MongoDB collection, one document per chunk. The enqueue/dequeue/remove
// shape — collection passed explicitly, ctx as first parameter, bson.M
// filters — follows the gateway's MM4 queue functions (EnqueueMM4Message,
// DequeueMM4Messages, RemoveMM4Message) almost directly; a queue of pending
// sends and a set of partial messages waiting to complete are the same
// "documents keyed by an id, polled until a condition is met" shape.
package chunkstore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"mix-remailer/internal/errs"
)

const (
	DatabaseName   = "mixremailer"
	CollectionName = "chunk_parts"
)

// chunkDoc is one received chunk of a partitioned message.
type chunkDoc struct {
	ID         primitive.ObjectID `bson:"_id,omitempty"`
	ChunkID    string             `bson:"chunk_id"`
	Index      byte               `bson:"chunk_index"`
	Total      byte               `bson:"chunk_total"`
	Data       []byte             `bson:"data"`
	ReceivedAt time.Time          `bson:"received_at"`
}

// Store reassembles chunk sets backed by a Mongo collection.
type Store struct {
	collection *mongo.Collection
	maxAge     time.Duration
}

func New(collection *mongo.Collection, maxAge time.Duration) *Store {
	return &Store{collection: collection, maxAge: maxAge}
}

// EnsureIndexes creates the indexes this store relies on: a compound
// (chunk_id, chunk_index) uniqueness constraint against duplicate chunks,
// and a TTL index on received_at for sweep-free expiry as a backstop to the
// explicit Sweep call.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "chunk_id", Value: 1}, {Key: "chunk_index", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "received_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(s.maxAge.Seconds())),
		},
	})
	if err != nil {
		return fmt.Errorf("chunkstore: creating indexes: %w", err)
	}
	return nil
}

// ErrDuplicateChunk is returned when the same (chunk_id, index) pair arrives
// twice.
var ErrDuplicateChunk = fmt.Errorf("chunkstore: duplicate chunk")

// ErrInconsistentTotal is returned when two chunks of the same Chunk-ID
// disagree on the declared total chunk count.
var ErrInconsistentTotal = fmt.Errorf("chunkstore: inconsistent total chunk count")

// Accept records one chunk. If this is the chunk that completes the set, it
// returns the reassembled payload and true; otherwise it returns (nil,
// false, nil) once recorded.
func (s *Store) Accept(ctx context.Context, chunkID string, index, total byte, data []byte) ([]byte, bool, error) {
	existing, err := s.findAll(ctx, chunkID)
	if err != nil {
		return nil, false, err
	}
	for _, c := range existing {
		if c.Index == index {
			return nil, false, ErrDuplicateChunk
		}
		if c.Total != total {
			return nil, false, ErrInconsistentTotal
		}
	}

	doc := chunkDoc{
		ID:         primitive.NewObjectID(),
		ChunkID:    chunkID,
		Index:      index,
		Total:      total,
		Data:       data,
		ReceivedAt: time.Now().UTC(),
	}
	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		return nil, false, fmt.Errorf("chunkstore: inserting chunk: %w", err)
	}

	if len(existing)+1 < int(total) {
		return nil, false, nil
	}

	all := append(existing, doc)
	assembled, err := concatenate(all, total)
	if err != nil {
		return nil, false, err
	}

	if err := s.remove(ctx, chunkID); err != nil {
		return nil, false, err
	}
	return assembled, true, nil
}

func concatenate(chunks []chunkDoc, total byte) ([]byte, error) {
	byIndex := make(map[byte][]byte, len(chunks))
	for _, c := range chunks {
		byIndex[c.Index] = c.Data
	}
	var out []byte
	for i := byte(0); i < total; i++ {
		part, ok := byIndex[i]
		if !ok {
			return nil, errs.New(errs.ChunkTimeout, fmt.Errorf("missing chunk index %d of %d", i, total))
		}
		out = append(out, part...)
	}
	return out, nil
}

func (s *Store) findAll(ctx context.Context, chunkID string) ([]chunkDoc, error) {
	cursor, err := s.collection.Find(ctx, bson.M{"chunk_id": chunkID})
	if err != nil {
		return nil, fmt.Errorf("chunkstore: querying chunk set: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []chunkDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("chunkstore: decoding chunk set: %w", err)
	}
	return docs, nil
}

func (s *Store) remove(ctx context.Context, chunkID string) error {
	_, err := s.collection.DeleteMany(ctx, bson.M{"chunk_id": chunkID})
	if err != nil {
		return fmt.Errorf("chunkstore: removing completed chunk set: %w", err)
	}
	return nil
}

// Sweep deletes every stored chunk part older than maxAge and returns the
// number of parts deleted, as a manual complement to the TTL index for
// deployments where background TTL deletion is disabled or delayed. It works
// per part, not per set: parts of the same Chunk-ID received more recently
// than the cutoff are not deleted.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-s.maxAge)
	res, err := s.collection.DeleteMany(ctx, bson.M{"received_at": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, fmt.Errorf("chunkstore: sweeping expired chunks: %w", err)
	}
	return res.DeletedCount, nil
}

// OpenSetCount reports the number of distinct Chunk-IDs with at least one
// part currently stored, exposed for metrics.
func (s *Store) OpenSetCount(ctx context.Context) (int, error) {
	ids, err := s.collection.Distinct(ctx, "chunk_id", bson.M{})
	if err != nil {
		return 0, fmt.Errorf("chunkstore: counting open sets: %w", err)
	}
	return len(ids), nil
}
