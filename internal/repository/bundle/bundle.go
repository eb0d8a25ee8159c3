package bundle

import (
	"context"
	"errors"
	"time"

	"securechannel/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	// BundleRepo is the public bundle directory, one document per member
	// name.
	BundleRepo struct {
		collection *mongo.Collection
	}

	bundleDocument struct {
		model.PublicBundle `bson:",inline"`
		UpdatedAt          time.Time `bson:"updated_at"`
	}
)

func NewBundleRepo(db *mongo.Database) *BundleRepo {
	return &BundleRepo{
		collection: db.Collection("bundles"),
	}
}

// EnsureIndexes creates the unique name index.
func (r *BundleRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func (r *BundleRepo) GetByName(ctx context.Context, name string) (*model.PublicBundle, error) {
	filter := bson.M{
		"name": name,
	}

	var doc bundleDocument
	err := r.collection.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &doc.PublicBundle, nil
}

// Put publishes b under b.Name, replacing any previous bundle.
func (r *BundleRepo) Put(ctx context.Context, b model.PublicBundle) error {
	doc := bundleDocument{PublicBundle: b, UpdatedAt: time.Now().UTC()}
	_, err := r.collection.ReplaceOne(ctx, bson.M{"name": b.Name}, doc, options.Replace().SetUpsert(true))
	return err
}
