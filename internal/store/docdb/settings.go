package docdb

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

const settingsCollection = "settings"

// AccessRestricted reads the studio-wide access policy from the settings
// collection. A missing document means unrestricted.
func (g *Gateway) AccessRestricted(ctx context.Context) (bool, error) {
	db, err := g.Database(ctx, DefaultDBName)
	if err != nil {
		return false, err
	}
	var doc struct {
		Value bool `bson:"value"`
	}
	err = db.Collection(settingsCollection).FindOne(ctx, bson.M{"key": "access_restricted"}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return doc.Value, nil
}
