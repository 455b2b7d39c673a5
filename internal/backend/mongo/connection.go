// Package mongo implements a document-oriented secondary storage.Backend
// over MongoDB, using a collection-per-resource-type layout generalized
// to hold full FHIR resource documents instead of just a metadata
// side-table.
package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Connection is a hub around a single *mongo.Client, mirroring
// mmongo.MongoConnection's lazy-connect-once shape.
type Connection struct {
	URI      string
	Database string
	client   *mongo.Client
}

// Connect dials and pings mongo.
func (c *Connection) Connect(ctx context.Context) error {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(c.URI))
	if err != nil {
		return fmt.Errorf("mongo: connect: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("mongo: ping: %w", err)
	}

	c.client = client

	return nil
}

// GetClient returns the underlying *mongo.Client, connecting lazily.
func (c *Connection) GetClient(ctx context.Context) (*mongo.Client, error) {
	if c.client == nil {
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
	}

	return c.client, nil
}

func (c *Connection) collection(ctx context.Context, name string) (*mongo.Collection, error) {
	client, err := c.GetClient(ctx)
	if err != nil {
		return nil, err
	}

	return client.Database(c.Database).Collection(name), nil
}
