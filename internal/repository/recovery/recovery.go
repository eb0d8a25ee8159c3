package recovery

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	// RecoveryRepo keeps skipped-key snapshots durable across restarts. It
	// satisfies persist.Store.
	RecoveryRepo struct {
		collection *mongo.Collection
	}

	recoveryDocument struct {
		ConnectionID string    `bson:"connection_id"`
		MembershipID string    `bson:"membership_id"`
		Data         []byte    `bson:"data"`
		UpdatedAt    time.Time `bson:"updated_at"`
	}
)

func NewRecoveryRepo(db *mongo.Database) *RecoveryRepo {
	return &RecoveryRepo{
		collection: db.Collection("recovery_keys"),
	}
}

func filterFor(connectionID, membershipID string) bson.M {
	return bson.M{
		"connection_id": connectionID,
		"membership_id": membershipID,
	}
}

func (r *RecoveryRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "connection_id", Value: 1}, {Key: "membership_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func (r *RecoveryRepo) Load(ctx context.Context, connectionID, membershipID string) ([]byte, error) {
	var doc recoveryDocument
	err := r.collection.FindOne(ctx, filterFor(connectionID, membershipID)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return doc.Data, nil
}

func (r *RecoveryRepo) Save(ctx context.Context, connectionID, membershipID string, data []byte) error {
	doc := recoveryDocument{
		ConnectionID: connectionID,
		MembershipID: membershipID,
		Data:         data,
		UpdatedAt:    time.Now().UTC(),
	}
	_, err := r.collection.ReplaceOne(ctx, filterFor(connectionID, membershipID), doc, options.Replace().SetUpsert(true))
	return err
}

func (r *RecoveryRepo) Delete(ctx context.Context, connectionID, membershipID string) error {
	_, err := r.collection.DeleteOne(ctx, filterFor(connectionID, membershipID))
	return err
}
