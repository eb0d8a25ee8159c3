package recovery

import (
	"context"
	"testing"

	"securechannel/internal/persist"

	"github.com/google/go-cmp/cmp"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

var _ persist.Store = (*RecoveryRepo)(nil)

func TestRecoveryRepo(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("load", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, mt.DB.Name()+".recovery_keys", mtest.FirstBatch, bson.D{
			{Key: "connection_id", Value: "conn"},
			{Key: "membership_id", Value: "m1"},
			{Key: "data", Value: []byte{0xa1, 0x01}},
		}))

		got, err := NewRecoveryRepo(mt.DB).Load(context.Background(), "conn", "m1")
		if err != nil {
			mt.Fatal(err)
		}
		if diff := cmp.Diff([]byte{0xa1, 0x01}, got); diff != "" {
			mt.Errorf("data (-want +got):\n%s", diff)
		}
	})

	mt.Run("load missing", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, mt.DB.Name()+".recovery_keys", mtest.FirstBatch))

		got, err := NewRecoveryRepo(mt.DB).Load(context.Background(), "conn", "m1")
		if err != nil || got != nil {
			mt.Fatalf("Load = %x, %v; want nil, nil", got, err)
		}
	})

	mt.Run("save and delete", func(mt *mtest.T) {
		repo := NewRecoveryRepo(mt.DB)
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}),
		)

		if err := repo.Save(context.Background(), "conn", "m1", []byte{1}); err != nil {
			mt.Fatal(err)
		}
		if err := repo.Delete(context.Background(), "conn", "m1"); err != nil {
			mt.Fatal(err)
		}
	})
}
