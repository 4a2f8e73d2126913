package docdb

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/stagepipe/stagepipe/internal/domain"
)

// Each project is one collection in the projects database, holding a
// single document of type "project" plus its asset documents.
const docTypeProject = "project"
const docTypeAsset = "asset"

// Catalog exposes read-only access to the project/asset documents served
// by the tray REST surface.
type Catalog struct {
	g      *Gateway
	dbName string
}

// Catalog returns a read path over the named projects database. An
// empty name selects the environment default.
func (g *Gateway) Catalog(dbName string) *Catalog {
	return &Catalog{g: g, dbName: strings.TrimSpace(dbName)}
}

func (c *Catalog) database(ctx context.Context) (*mongo.Database, error) {
	return c.g.ProjectDatabase(ctx, c.dbName)
}

// ListProjects returns the project document of every project collection.
func (c *Catalog) ListProjects(ctx context.Context) ([]map[string]any, error) {
	db, err := c.database(ctx)
	if err != nil {
		return nil, err
	}
	names, err := db.ListCollectionNames(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}

	out := make([]map[string]any, 0, len(names))
	for _, name := range names {
		var doc bson.M
		err := db.Collection(name).FindOne(ctx, bson.M{"type": docTypeProject}).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

// GetProject returns one project document, or [domain.ErrNotFound].
func (c *Catalog) GetProject(ctx context.Context, project string) (map[string]any, error) {
	db, err := c.database(ctx)
	if err != nil {
		return nil, err
	}
	var doc bson.M
	err = db.Collection(project).FindOne(ctx, bson.M{"type": docTypeProject}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// ListAssets returns every asset document of a project.
func (c *Catalog) ListAssets(ctx context.Context, project string) ([]map[string]any, error) {
	// A project without a project document does not exist at all.
	if _, err := c.GetProject(ctx, project); err != nil {
		return nil, err
	}
	db, err := c.database(ctx)
	if err != nil {
		return nil, err
	}
	opts := options.Find().SetSort(bson.D{{Key: "name", Value: 1}})
	cursor, err := db.Collection(project).Find(ctx, bson.M{"type": docTypeAsset}, opts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cursor.Close(ctx) }()

	var out []map[string]any
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetAsset returns one asset document by name, or [domain.ErrNotFound].
func (c *Catalog) GetAsset(ctx context.Context, project, asset string) (map[string]any, error) {
	if _, err := c.GetProject(ctx, project); err != nil {
		return nil, err
	}
	db, err := c.database(ctx)
	if err != nil {
		return nil, err
	}
	var doc bson.M
	err = db.Collection(project).FindOne(ctx, bson.M{"type": docTypeAsset, "name": asset}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}
