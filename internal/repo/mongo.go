package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/richardliu001/warehouse-outbox/internal/model"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

type mongoEntry struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	OwnerID   uint64             `bson:"owner_id"`
	Payload   string             `bson:"payload"`
	Status    model.Status       `bson:"status"`
	Attempts  int                `bson:"attempts"`
	CreatedAt time.Time          `bson:"created_at"`
	ClaimedAt *time.Time         `bson:"claimed_at,omitempty"`
	SentAt    *time.Time         `bson:"sent_at,omitempty"`
}

func (m mongoEntry) toModel() model.OutboxEntry {
	return model.OutboxEntry{
		ID:        m.ID.Hex(),
		OwnerID:   m.OwnerID,
		Payload:   m.Payload,
		Status:    m.Status,
		Attempts:  m.Attempts,
		CreatedAt: m.CreatedAt,
		ClaimedAt: m.ClaimedAt,
		SentAt:    m.SentAt,
	}
}

// MongoStore keeps the outbox in a MongoDB collection and uses a change
// stream as its change feed. Change streams need a replica set.
type MongoStore struct {
	coll *mongo.Collection
	log  *zap.SugaredLogger
	now  func() time.Time
}

var _ Store = (*MongoStore)(nil)

func NewMongoStore(coll *mongo.Collection, logger *zap.SugaredLogger) *MongoStore {
	return &MongoStore{
		coll: coll,
		log:  logger,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// EnsureIndexes creates the index used by FetchPending and RequeueExpired.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("%w: create index: %w", ErrStorageUnavailable, err)
	}
	return nil
}

func (s *MongoStore) Append(ctx context.Context, ownerID uint64, payload string) (string, error) {
	res, err := s.coll.InsertOne(ctx, mongoEntry{
		OwnerID:   ownerID,
		Payload:   payload,
		Status:    model.StatusPending,
		CreatedAt: s.now(),
	})
	if err != nil {
		return "", fmt.Errorf("%w: append: %w", ErrStorageUnavailable, err)
	}
	oid, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return "", fmt.Errorf("%w: append: unexpected id type %T", ErrStorageUnavailable, res.InsertedID)
	}
	return oid.Hex(), nil
}

func (s *MongoStore) FetchPending(ctx context.Context, limit int) ([]model.OutboxEntry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.coll.Find(ctx, bson.D{{Key: "status", Value: model.StatusPending}}, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch pending: %w", ErrStorageUnavailable, err)
	}
	var docs []mongoEntry
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("%w: fetch pending: %w", ErrStorageUnavailable, err)
	}
	entries := make([]model.OutboxEntry, 0, len(docs))
	for _, d := range docs {
		entries = append(entries, d.toModel())
	}
	return entries, nil
}

// Claim uses findOneAndUpdate filtered on the current status.
func (s *MongoStore) Claim(ctx context.Context, id string) (*model.OutboxEntry, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, nil
	}
	filter := bson.D{{Key: "_id", Value: oid}, {Key: "status", Value: model.StatusPending}}
	update := bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "status", Value: model.StatusProcessing},
			{Key: "claimed_at", Value: s.now()},
		}},
		{Key: "$inc", Value: bson.D{{Key: "attempts", Value: 1}}},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc mongoEntry
	err = s.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: claim %s: %w", ErrStorageUnavailable, id, err)
	}
	e := doc.toModel()
	return &e, nil
}

func (s *MongoStore) MarkSent(ctx context.Context, id string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return ErrNotFound
	}
	res, err := s.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: oid}, {Key: "status", Value: model.StatusProcessing}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "status", Value: model.StatusSent},
			{Key: "sent_at", Value: s.now()},
		}}},
	)
	if err != nil {
		return fmt.Errorf("%w: mark sent %s: %w", ErrStorageUnavailable, id, err)
	}
	if res.MatchedCount == 1 {
		return nil
	}
	e, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return checkSent(e)
}

// RequeueExpired relies on the change stream to announce requeued entries.
func (s *MongoStore) RequeueExpired(ctx context.Context, claimedBefore time.Time) (int64, error) {
	res, err := s.coll.UpdateMany(ctx,
		bson.D{
			{Key: "status", Value: model.StatusProcessing},
			{Key: "claimed_at", Value: bson.D{{Key: "$lt", Value: claimedBefore.UTC()}}},
		},
		bson.D{
			{Key: "$set", Value: bson.D{{Key: "status", Value: model.StatusPending}}},
			{Key: "$unset", Value: bson.D{{Key: "claimed_at", Value: ""}}},
		},
	)
	if err != nil {
		return 0, fmt.Errorf("%w: requeue: %w", ErrStorageUnavailable, err)
	}
	return res.ModifiedCount, nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (*model.OutboxEntry, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrNotFound
	}
	var doc mongoEntry
	err = s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: oid}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %w", ErrStorageUnavailable, id, err)
	}
	e := doc.toModel()
	return &e, nil
}

func (s *MongoStore) CountByStatus(ctx context.Context) (map[model.Status]int64, error) {
	cur, err := s.coll.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$status"},
			{Key: "n", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: count: %w", ErrStorageUnavailable, err)
	}
	var rows []struct {
		Status model.Status `bson:"_id"`
		N      int64        `bson:"n"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("%w: count: %w", ErrStorageUnavailable, err)
	}
	counts := make(map[model.Status]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

// changeStreamPipeline keeps only events that can carry a pending entry.
func changeStreamPipeline() mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: bson.D{{Key: "$in", Value: bson.A{"insert", "update", "replace"}}}},
		}}},
	}
}

// decodeChange extracts the entry from a change event. ok is false for events
// without a full document (the document was deleted before the lookup) or
// with an unknown status.
func decodeChange(raw bson.Raw) (e model.OutboxEntry, ok bool, err error) {
	var ev struct {
		FullDocument *mongoEntry `bson:"fullDocument"`
	}
	if err := bson.Unmarshal(raw, &ev); err != nil {
		return model.OutboxEntry{}, false, err
	}
	if ev.FullDocument == nil {
		return model.OutboxEntry{}, false, nil
	}
	e = ev.FullDocument.toModel()
	return e, e.Status.Valid(), nil
}

// Watch opens a change stream over inserts and updates, with the full
// document looked up for updates.
func (s *MongoStore) Watch(ctx context.Context) (<-chan model.OutboxEntry, error) {
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	cs, err := s.coll.Watch(ctx, changeStreamPipeline(), opts)
	if err != nil {
		return nil, fmt.Errorf("%w: watch: %w", ErrStorageUnavailable, err)
	}

	out := make(chan model.OutboxEntry)
	go func() {
		defer close(out)
		defer cs.Close(context.Background())
		for cs.Next(ctx) {
			e, ok, err := decodeChange(cs.Current)
			if err != nil {
				s.log.Warnf("decode change event: %v", err)
				continue
			}
			if !ok {
				continue
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
		if err := cs.Err(); err != nil && ctx.Err() == nil {
			s.log.Warnf("change stream closed: %v", err)
		}
	}()
	return out, nil
}
