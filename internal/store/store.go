// Package store persists users, push subscriptions and call records in
// sqlite, and fans out record changes to in-process watchers. The record
// table is the durable half of the signal path: a row created or updated
// here is observable by the counterpart even when it subscribes late.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/mpetrov/chatline/internal/models"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a write collides with the record's
	// current status, for example answering an already-ended call.
	ErrConflict = errors.New("conflicting call state")
)

const watchBuffer = 16

type Store struct {
	db  *gorm.DB
	log *slog.Logger

	mu       sync.Mutex
	watchers map[string][]chan models.CallRecord // keyed by call id
	inboxes  map[string][]chan models.CallRecord // keyed by receiver user id
}

// Open opens (or creates) the sqlite database at dbPath and migrates the
// schema.
func Open(dbPath string, log *slog.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(
		&models.User{},
		&models.PushSubscription{},
		&models.CallRecord{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{
		db:       db,
		log:      log,
		watchers: make(map[string][]chan models.CallRecord),
		inboxes:  make(map[string][]chan models.CallRecord),
	}, nil
}

// CreateCall inserts a pending call record. A participant with a live
// pending or active record on either side cannot start another one.
func (s *Store) CreateCall(ctx context.Context, rec *models.CallRecord) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var live int64
		err := tx.Model(&models.CallRecord{}).
			Where("status IN ?", []models.CallStatus{models.CallStatusPending, models.CallStatusActive}).
			Where("initiator_id IN ? OR receiver_id IN ?",
				[]string{rec.InitiatorID, rec.ReceiverID},
				[]string{rec.InitiatorID, rec.ReceiverID}).
			Count(&live).Error
		if err != nil {
			return err
		}
		if live > 0 {
			return ErrConflict
		}
		return tx.Create(rec).Error
	})
	if err != nil {
		return err
	}
	s.notify(*rec)
	return nil
}

// UpdateAnswer stores the callee's answer and activates the record. Only a
// pending record can be answered.
func (s *Store) UpdateAnswer(ctx context.Context, callID string, answer json.RawMessage) error {
	var updated models.CallRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := loadCall(tx, callID, &updated); err != nil {
			return err
		}
		if updated.Status != models.CallStatusPending {
			return ErrConflict
		}
		updated.Status = models.CallStatusActive
		updated.Answer = answer
		return tx.Save(&updated).Error
	})
	if err != nil {
		return err
	}
	s.notify(updated)
	return nil
}

// UpdateStatus closes out the record with the terminal status for reason.
// Closing an already-terminal record is a no-op, so both sides may write
// their close-out without coordination.
func (s *Store) UpdateStatus(ctx context.Context, callID string, reason models.EndReason) error {
	if !reason.Valid() {
		return fmt.Errorf("%w: end reason %q", ErrConflict, reason)
	}
	var updated models.CallRecord
	var changed bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := loadCall(tx, callID, &updated); err != nil {
			return err
		}
		if updated.Status.Terminal() {
			return nil
		}
		updated.Status = reason.Status()
		changed = true
		return tx.Save(&updated).Error
	})
	if err != nil {
		return err
	}
	if changed {
		s.notify(updated)
	}
	return nil
}

func (s *Store) GetCall(ctx context.Context, callID string) (models.CallRecord, error) {
	var rec models.CallRecord
	if err := loadCall(s.db.WithContext(ctx), callID, &rec); err != nil {
		return models.CallRecord{}, err
	}
	return rec, nil
}

func loadCall(tx *gorm.DB, callID string, dst *models.CallRecord) error {
	if err := tx.First(dst, "id = ?", callID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: call %s", ErrNotFound, callID)
		}
		return err
	}
	return nil
}

// Watch delivers every change to the record identified by callID until the
// returned cancel function is called. Slow watchers lose updates rather
// than block writers.
func (s *Store) Watch(callID string) (<-chan models.CallRecord, func()) {
	return s.subscribe(s.watchers, callID)
}

// WatchInbox delivers records created or updated with userID as receiver.
func (s *Store) WatchInbox(userID string) (<-chan models.CallRecord, func()) {
	return s.subscribe(s.inboxes, userID)
}

func (s *Store) subscribe(set map[string][]chan models.CallRecord, key string) (<-chan models.CallRecord, func()) {
	ch := make(chan models.CallRecord, watchBuffer)
	s.mu.Lock()
	set[key] = append(set[key], ch)
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		live := set[key]
		for i, c := range live {
			if c == ch {
				set[key] = append(live[:i], live[i+1:]...)
				break
			}
		}
		if len(set[key]) == 0 {
			delete(set, key)
		}
		s.mu.Unlock()
		close(ch)
	}
	return ch, cancel
}

func (s *Store) notify(rec models.CallRecord) {
	s.mu.Lock()
	targets := make([]chan models.CallRecord, 0, 4)
	targets = append(targets, s.watchers[rec.ID]...)
	targets = append(targets, s.inboxes[rec.ReceiverID]...)
	s.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- rec:
		default:
			s.log.Warn("watcher overflow, dropping record update", "call_id", rec.ID)
		}
	}
}

// CreateUser inserts a user. Usernames are unique.
func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	var existing models.User
	err := s.db.WithContext(ctx).Where("username = ?", user.Username).First(&existing).Error
	if err == nil {
		return fmt.Errorf("%w: username %s", ErrConflict, user.Username)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	return s.db.WithContext(ctx).Create(user).Error
}

func (s *Store) UserByID(ctx context.Context, id string) (models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.User{}, fmt.Errorf("%w: user %s", ErrNotFound, id)
		}
		return models.User{}, err
	}
	return user, nil
}

func (s *Store) UserByUsername(ctx context.Context, username string) (models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.User{}, fmt.Errorf("%w: user %s", ErrNotFound, username)
		}
		return models.User{}, err
	}
	return user, nil
}

// Users lists every user except the one identified by excludeID.
func (s *Store) Users(ctx context.Context, excludeID string) ([]models.User, error) {
	var users []models.User
	if err := s.db.WithContext(ctx).Where("id != ?", excludeID).Order("username ASC").Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

// SavePushSubscription stores or replaces the endpoint subscription for a user.
func (s *Store) SavePushSubscription(ctx context.Context, sub *models.PushSubscription) error {
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND endpoint = ?", sub.UserID, sub.Endpoint).
		Delete(&models.PushSubscription{}).Error
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(sub).Error
}

func (s *Store) PushSubscriptions(ctx context.Context, userID string) ([]models.PushSubscription, error) {
	var subs []models.PushSubscription
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

func (s *Store) DeletePushSubscription(ctx context.Context, userID, endpoint string) error {
	return s.db.WithContext(ctx).
		Where("user_id = ? AND endpoint = ?", userID, endpoint).
		Delete(&models.PushSubscription{}).Error
}
