package docdb

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/stagepipe/stagepipe/internal/jsonutil"
)

// Bulk helpers for admin use: whole-collection reads, replacement, and
// JSON file round trips. These back the `stagepipe db` subcommands.

// ReadAll returns every document of db/coll.
func (g *Gateway) ReadAll(ctx context.Context, db, coll string) ([]bson.M, error) {
	handle, err := g.Database(ctx, db)
	if err != nil {
		return nil, err
	}
	cursor, err := handle.Collection(coll).Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = cursor.Close(ctx) }()

	var out []bson.M
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ReplaceAll drops db/coll and inserts docs in its place.
func (g *Gateway) ReplaceAll(ctx context.Context, docs []bson.M, db, coll string) error {
	handle, err := g.Database(ctx, db)
	if err != nil {
		return err
	}
	collection := handle.Collection(coll)
	if err := collection.Drop(ctx); err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}
	payload := make([]any, 0, len(docs))
	for _, doc := range docs {
		payload = append(payload, doc)
	}
	_, err = collection.InsertMany(ctx, payload)
	return err
}

// StoreCollection writes db/coll to a JSON file at path.
func (g *Gateway) StoreCollection(ctx context.Context, path, db, coll string) error {
	docs, err := g.ReadAll(ctx, db, coll)
	if err != nil {
		return err
	}
	plain := make([]any, 0, len(docs))
	for _, doc := range docs {
		p, err := jsonutil.Sanitize(doc)
		if err != nil {
			return fmt.Errorf("collection %s.%s: %w", db, coll, err)
		}
		plain = append(plain, p)
	}
	data, err := json.MarshalIndent(plain, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// RestoreCollection replaces db/coll with the documents of a JSON file
// previously written by [Gateway.StoreCollection].
func (g *Gateway) RestoreCollection(ctx context.Context, path, db, coll string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var docs []bson.M
	if err := json.Unmarshal(data, &docs); err != nil {
		return fmt.Errorf("file %s: %w", path, err)
	}
	return g.ReplaceAll(ctx, docs, db, coll)
}
