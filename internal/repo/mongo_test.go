package repo

import (
	"context"
	"testing"

	"github.com/richardliu001/warehouse-outbox/internal/logger"
	"github.com/richardliu001/warehouse-outbox/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

func entryDoc(oid primitive.ObjectID, status model.Status) bson.D {
	return bson.D{
		{Key: "_id", Value: oid},
		{Key: "owner_id", Value: int64(42)},
		{Key: "payload", Value: "p1"},
		{Key: "status", Value: string(status)},
		{Key: "attempts", Value: int32(1)},
	}
}

func TestMongoStore(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	log := must(logger.NewLogger("error"))
	ns := "warehouse.inbound_outbox"

	mt.Run("append returns generated id", func(mt *mtest.T) {
		store := NewMongoStore(mt.Coll, log)
		mt.AddMockResponses(mtest.CreateSuccessResponse())

		id, err := store.Append(context.Background(), 42, "p1")
		require.NoError(mt, err)
		_, err = primitive.ObjectIDFromHex(id)
		assert.NoError(mt, err)
	})

	mt.Run("append storage failure", func(mt *mtest.T) {
		store := NewMongoStore(mt.Coll, log)
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{
			Code: 2, Name: "BadValue", Message: "boom",
		}))

		_, err := store.Append(context.Background(), 42, "p1")
		assert.ErrorIs(mt, err, ErrStorageUnavailable)
	})

	mt.Run("fetch pending", func(mt *mtest.T) {
		store := NewMongoStore(mt.Coll, log)
		oid := primitive.NewObjectID()
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, entryDoc(oid, model.StatusPending)))

		entries, err := store.FetchPending(context.Background(), 10)
		require.NoError(mt, err)
		require.Len(mt, entries, 1)
		assert.Equal(mt, oid.Hex(), entries[0].ID)
		assert.Equal(mt, uint64(42), entries[0].OwnerID)
		assert.Equal(mt, model.StatusPending, entries[0].Status)
	})

	mt.Run("claim wins", func(mt *mtest.T) {
		store := NewMongoStore(mt.Coll, log)
		oid := primitive.NewObjectID()
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{
			Key: "value", Value: entryDoc(oid, model.StatusProcessing),
		}))

		e, err := store.Claim(context.Background(), oid.Hex())
		require.NoError(mt, err)
		require.NotNil(mt, e)
		assert.Equal(mt, model.StatusProcessing, e.Status)
		assert.Equal(mt, 1, e.Attempts)
	})

	mt.Run("claim loses", func(mt *mtest.T) {
		store := NewMongoStore(mt.Coll, log)
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "value", Value: nil}))

		e, err := store.Claim(context.Background(), primitive.NewObjectID().Hex())
		assert.NoError(mt, err)
		assert.Nil(mt, e)
	})

	mt.Run("claim malformed id", func(mt *mtest.T) {
		store := NewMongoStore(mt.Coll, log)
		e, err := store.Claim(context.Background(), "not-an-object-id")
		assert.NoError(mt, err)
		assert.Nil(mt, e)
	})

	mt.Run("mark sent", func(mt *mtest.T) {
		store := NewMongoStore(mt.Coll, log)
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1}, bson.E{Key: "nModified", Value: 1},
		))
		assert.NoError(mt, store.MarkSent(context.Background(), primitive.NewObjectID().Hex()))
	})

	mt.Run("mark sent twice is a no-op", func(mt *mtest.T) {
		store := NewMongoStore(mt.Coll, log)
		oid := primitive.NewObjectID()
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}, bson.E{Key: "nModified", Value: 0}),
			mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, entryDoc(oid, model.StatusSent)),
		)
		assert.NoError(mt, store.MarkSent(context.Background(), oid.Hex()))
	})

	mt.Run("mark sent on pending entry", func(mt *mtest.T) {
		store := NewMongoStore(mt.Coll, log)
		oid := primitive.NewObjectID()
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}, bson.E{Key: "nModified", Value: 0}),
			mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, entryDoc(oid, model.StatusPending)),
		)
		assert.ErrorIs(mt, store.MarkSent(context.Background(), oid.Hex()), ErrInvalidTransition)
	})

	mt.Run("get missing", func(mt *mtest.T) {
		store := NewMongoStore(mt.Coll, log)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch))
		_, err := store.Get(context.Background(), primitive.NewObjectID().Hex())
		assert.ErrorIs(mt, err, ErrNotFound)
	})

	mt.Run("requeue expired", func(mt *mtest.T) {
		store := NewMongoStore(mt.Coll, log)
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 2}, bson.E{Key: "nModified", Value: 2},
		))
		n, err := store.RequeueExpired(context.Background(), store.now())
		require.NoError(mt, err)
		assert.Equal(mt, int64(2), n)
	})

	mt.Run("count by status", func(mt *mtest.T) {
		store := NewMongoStore(mt.Coll, log)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch,
			bson.D{{Key: "_id", Value: "pending"}, {Key: "n", Value: int64(3)}},
			bson.D{{Key: "_id", Value: "sent"}, {Key: "n", Value: int64(5)}},
		))
		counts, err := store.CountByStatus(context.Background())
		require.NoError(mt, err)
		assert.Equal(mt, int64(3), counts[model.StatusPending])
		assert.Equal(mt, int64(5), counts[model.StatusSent])
	})

	mt.Run("watch open failure", func(mt *mtest.T) {
		store := NewMongoStore(mt.Coll, log)
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{
			Code: 2, Name: "BadValue", Message: "boom",
		}))
		_, err := store.Watch(context.Background())
		assert.ErrorIs(mt, err, ErrStorageUnavailable)
	})
}

func changeEvent(op string, doc interface{}) bson.D {
	ev := bson.D{
		{Key: "_id", Value: bson.D{{Key: "_data", Value: primitive.NewObjectID().Hex()}}},
		{Key: "operationType", Value: op},
	}
	if doc != nil {
		ev = append(ev, bson.E{Key: "fullDocument", Value: doc})
	}
	return ev
}

func TestDecodeChange(t *testing.T) {
	oid := primitive.NewObjectID()
	bogus := entryDoc(oid, model.StatusPending)
	bogus[3] = bson.E{Key: "status", Value: "archived"}

	tests := []struct {
		name   string
		event  bson.D
		wantOK bool
	}{
		{name: "insert", event: changeEvent("insert", entryDoc(oid, model.StatusPending)), wantOK: true},
		{name: "update to sent", event: changeEvent("update", entryDoc(oid, model.StatusSent)), wantOK: true},
		{name: "document gone before lookup", event: changeEvent("update", nil)},
		{name: "unknown status", event: changeEvent("replace", bogus)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := bson.Marshal(tt.event)
			require.NoError(t, err)

			e, ok, err := decodeChange(raw)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, oid.Hex(), e.ID)
				assert.Equal(t, uint64(42), e.OwnerID)
			}
		})
	}

	_, _, err := decodeChange(bson.Raw{0x01})
	assert.Error(t, err)
}

func TestChangeStreamPipeline_FiltersOperations(t *testing.T) {
	p := changeStreamPipeline()
	require.Len(t, p, 1)
	match, ok := p[0].Map()["$match"].(bson.D)
	require.True(t, ok)
	ops := match.Map()["operationType"].(bson.D).Map()["$in"]
	assert.ElementsMatch(t, bson.A{"insert", "update", "replace"}, ops)
}
