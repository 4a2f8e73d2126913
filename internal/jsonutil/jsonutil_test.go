package jsonutil

import (
	"encoding/json"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestMarshalDocument(t *testing.T) {
	oid := primitive.NewObjectID()
	stamp := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	doc := bson.M{
		"_id":     oid,
		"name":    "ep101_sh010",
		"frames":  int32(240),
		"ratio":   2.39,
		"active":  true,
		"updated": stamp,
		"tags":    bson.A{"layout", "anim"},
		"data":    bson.D{{Key: "parent", Value: oid}},
	}

	raw, err := Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["_id"] != oid.Hex() {
		t.Errorf("_id = %v, want %s", decoded["_id"], oid.Hex())
	}
	if decoded["updated"] != "2026-01-02T03:04:05Z" {
		t.Errorf("updated = %v", decoded["updated"])
	}
	if decoded["frames"] != float64(240) {
		t.Errorf("frames = %v", decoded["frames"])
	}
	data, ok := decoded["data"].(map[string]any)
	if !ok || data["parent"] != oid.Hex() {
		t.Errorf("data = %v", decoded["data"])
	}
	tags, ok := decoded["tags"].([]any)
	if !ok || len(tags) != 2 || tags[0] != "layout" {
		t.Errorf("tags = %v", decoded["tags"])
	}
}

func TestSanitizeDateTime(t *testing.T) {
	stamp := time.Date(2026, 6, 7, 8, 9, 10, 0, time.UTC)
	out, err := Sanitize(primitive.NewDateTimeFromTime(stamp))
	if err != nil {
		t.Fatal(err)
	}
	if out != "2026-06-07T08:09:10Z" {
		t.Fatalf("Sanitize = %v", out)
	}
}

func TestSanitizeRejectsUnknownTypes(t *testing.T) {
	if _, err := Sanitize(make(chan int)); err == nil {
		t.Fatal("channels must be rejected")
	}
	if _, err := Sanitize(bson.M{"bad": struct{}{}}); err == nil {
		t.Fatal("unknown nested types must be rejected")
	}
}
