package store

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"

	"chatrelay/pkg/models"
)

// User profiles live in the same store so history fetches can populate
// sender fields without crossing a service boundary. The authoritative
// user service pushes summaries here; this is a read-mostly mirror.

func userKey(id string) string { return "user:" + id }

// SaveUser upserts a user summary record.
func SaveUser(u models.UserSummary) error {
	if db == nil {
		return fmt.Errorf("store not opened")
	}
	if u.ID == "" {
		return fmt.Errorf("user requires id")
	}
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	return db.Set([]byte(userKey(u.ID)), data, pebble.Sync)
}

// GetUser returns the stored summary for id, or ErrNotFound.
func GetUser(id string) (models.UserSummary, error) {
	var u models.UserSummary
	if db == nil {
		return u, fmt.Errorf("store not opened")
	}
	v, closer, err := db.Get([]byte(userKey(id)))
	if err == pebble.ErrNotFound {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	defer closer.Close()
	if err := json.Unmarshal(v, &u); err != nil {
		return u, fmt.Errorf("decode user %s: %w", id, err)
	}
	return u, nil
}

// PopulateSender fills m.Sender from the user directory when a summary is
// available; missing profiles leave only the sender id.
func PopulateSender(m *models.Message) {
	if m.SenderID == "" || m.Sender != nil {
		return
	}
	u, err := GetUser(m.SenderID)
	if err != nil {
		m.Sender = &models.UserSummary{ID: m.SenderID}
		return
	}
	m.Sender = &u
}
