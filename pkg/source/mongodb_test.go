package source

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/IEatCodeDaily/feldera-pipe/pkg/format"
)

func TestConvertValue(t *testing.T) {
	oid := primitive.NewObjectID()
	at := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	dec, err := primitive.ParseDecimal128("12.50")
	require.NoError(t, err)

	assert.Equal(t, oid.Hex(), convertValue(oid))
	assert.Equal(t, at, convertValue(primitive.NewDateTimeFromTime(at)))
	assert.Equal(t, "12.50", convertValue(dec))
	assert.Equal(t, int32(7), convertValue(int32(7)))
	assert.Equal(t, map[string]interface{}{"id": oid.Hex()}, convertValue(bson.M{"id": oid}))
	assert.Equal(t, map[string]interface{}{"a": int32(1)}, convertValue(bson.D{{Key: "a", Value: int32(1)}}))
	assert.Equal(t, []interface{}{oid.Hex(), "x"}, convertValue(bson.A{oid, "x"}))
}

func TestConvertChangeEvent(t *testing.T) {
	m := NewMongoDBSource("mongodb://localhost", "shop", "customers", InitialSyncConfig{})
	oid := primitive.NewObjectID()

	update := m.convertChangeEvent(bson.M{
		"_id":                      bson.M{"_data": "token-1"},
		"operationType":            "update",
		"clusterTime":              primitive.Timestamp{T: 1700000000},
		"fullDocument":             bson.M{"_id": oid, "name": "new"},
		"fullDocumentBeforeChange": bson.M{"_id": oid, "name": "old"},
		"updateDescription":        bson.M{"updatedFields": bson.M{"name": "new"}},
	})
	assert.Equal(t, "token-1", update.ID)
	assert.Equal(t, "update", update.Operation)
	assert.Equal(t, "shop", update.Database)
	assert.Equal(t, "customers", update.Collection)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), update.Timestamp)
	assert.Equal(t, []format.Change{
		format.Delete(map[string]interface{}{"_id": oid.Hex(), "name": "old"}),
		format.Insert(map[string]interface{}{"_id": oid.Hex(), "name": "new"}),
	}, update.Changes())

	partial := m.convertChangeEvent(bson.M{
		"operationType":     "update",
		"updateDescription": bson.M{"updatedFields": bson.M{"name": "patched"}},
	})
	assert.Equal(t, map[string]interface{}{"name": "patched"}, partial.Data)

	del := m.convertChangeEvent(bson.M{
		"operationType": "delete",
		"documentKey":   bson.M{"_id": oid},
	})
	assert.Equal(t, []format.Change{format.Delete(map[string]interface{}{"_id": oid.Hex()})}, del.Changes())
}

func TestDocumentEvent(t *testing.T) {
	m := NewMongoDBSource("mongodb://localhost", "shop", "customers", InitialSyncConfig{Enabled: true})
	oid := primitive.NewObjectID()

	e := m.documentEvent(bson.M{"_id": oid, "age": int32(30)})
	assert.Equal(t, oid.Hex(), e.ID)
	assert.Equal(t, "insert", e.Operation)
	assert.Equal(t, "mongodb", e.Source)
	assert.Equal(t, map[string]interface{}{"_id": oid.Hex(), "age": int32(30)}, e.Data)
}
