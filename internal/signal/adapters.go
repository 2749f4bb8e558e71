package signal

import (
	"context"
	"encoding/json"

	"github.com/mpetrov/chatline/internal/call"
	"github.com/mpetrov/chatline/internal/models"
	"github.com/mpetrov/chatline/internal/store"
)

// StoreRecords adapts the store to the manager's durable signal path for
// single-binary deployments.
type StoreRecords struct {
	store *store.Store
}

func NewStoreRecords(st *store.Store) *StoreRecords {
	return &StoreRecords{store: st}
}

func (r *StoreRecords) Create(ctx context.Context, rec *models.CallRecord) error {
	return r.store.CreateCall(ctx, rec)
}

func (r *StoreRecords) UpdateAnswer(ctx context.Context, callID string, answer json.RawMessage) error {
	return r.store.UpdateAnswer(ctx, callID, answer)
}

func (r *StoreRecords) UpdateStatus(ctx context.Context, callID string, reason models.EndReason) error {
	return r.store.UpdateStatus(ctx, callID, reason)
}

// StoreDirectory resolves user identities from the store.
type StoreDirectory struct {
	store *store.Store
}

func NewStoreDirectory(st *store.Store) *StoreDirectory {
	return &StoreDirectory{store: st}
}

func (d *StoreDirectory) UserByID(ctx context.Context, id string) (call.Identity, error) {
	user, err := d.store.UserByID(ctx, id)
	if err != nil {
		return call.Identity{}, err
	}
	return call.Identity{ID: user.ID, Name: user.Name, Avatar: user.AvatarURL}, nil
}
