// Package store is the persisted system of record for conversation
// history. One record per message, keyed for ordered per-channel listing,
// with secondary indexes by durable id and by (channel, temp id) so the
// log consumer can deduplicate at-least-once replays.
package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/cockroachdb/pebble"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
)

var (
	db     *pebble.DB
	dbPath string
)

// seq disambiguates messages sharing the same nanosecond timestamp.
var seq uint64

// ErrNotFound is returned when a message or user id has no record.
var ErrNotFound = fmt.Errorf("store: not found")

// Open opens (or creates) the pebble database at path and keeps a global
// handle for package-level access.
func Open(path string) error {
	var err error
	db, err = pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("store_open_failed", "path", path, "error", err)
		return err
	}
	dbPath = path
	logger.Info("store_opened", "path", path)
	return nil
}

// Close closes the opened pebble DB if present.
func Close() error {
	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		return err
	}
	db = nil
	logger.Info("store_closed")
	return nil
}

// Ready reports whether the store is opened and ready.
func Ready() bool { return db != nil }

// Key layout:
//   chan:<channelID>:msg:<%020d ts>-<%06d seq>  -> message JSON (ordered history)
//   msg:<id>                                    -> message JSON (latest)
//   msgkey:<id>                                 -> history key (for delete/edit)
//   tempid:<channelID>:<tempID>                 -> durable id (dedup index)
//   user:<id>                                   -> user summary JSON

func chanKey(channelID string, ts int64, s uint64) string {
	return fmt.Sprintf("chan:%s:msg:%020d-%06d", channelID, ts, s)
}

func chanPrefix(channelID string) string { return "chan:" + channelID + ":msg:" }

func msgKey(id string) string    { return "msg:" + id }
func msgKeyIdx(id string) string { return "msgkey:" + id }

func tempIDKey(channelID, tempID string) string {
	return "tempid:" + channelID + ":" + tempID
}

// SaveMessage persists m as a new record. m.ID and m.ChannelID must be set;
// the history position is taken from m.CreatedTS. The history entry, the
// id indexes and the temp-id index are written in one atomic batch.
func SaveMessage(m models.Message) error {
	if db == nil {
		return fmt.Errorf("store not opened; call store.Open first")
	}
	if m.ID == "" || m.ChannelID == "" {
		return fmt.Errorf("message requires id and channel id")
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	s := atomic.AddUint64(&seq, 1)
	hk := chanKey(m.ChannelID, m.CreatedTS, s)

	b := db.NewBatch()
	defer b.Close()
	_ = b.Set([]byte(hk), data, nil)
	_ = b.Set([]byte(msgKey(m.ID)), data, nil)
	_ = b.Set([]byte(msgKeyIdx(m.ID)), []byte(hk), nil)
	if m.TempID != "" {
		_ = b.Set([]byte(tempIDKey(m.ChannelID, m.TempID)), []byte(m.ID), nil)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		logger.Error("save_message_failed", "channel", m.ChannelID, "id", m.ID, "error", err)
		return err
	}
	savedTotal.Inc()
	logger.Debug("message_saved", "channel", m.ChannelID, "id", m.ID)
	return nil
}

// GetMessage returns the latest persisted copy of the message.
func GetMessage(id string) (models.Message, error) {
	var m models.Message
	if db == nil {
		return m, fmt.Errorf("store not opened")
	}
	v, closer, err := db.Get([]byte(msgKey(id)))
	if err == pebble.ErrNotFound {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	defer closer.Close()
	if err := json.Unmarshal(v, &m); err != nil {
		return m, fmt.Errorf("decode message %s: %w", id, err)
	}
	return m, nil
}

// MessageIDByTempID resolves the durable id previously assigned to tempID
// within channelID, or ErrNotFound. This is the at-least-once send guard.
func MessageIDByTempID(channelID, tempID string) (string, error) {
	if db == nil {
		return "", fmt.Errorf("store not opened")
	}
	v, closer, err := db.Get([]byte(tempIDKey(channelID, tempID)))
	if err == pebble.ErrNotFound {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	defer closer.Close()
	return string(v), nil
}

// UpdateMessage rewrites both copies of the message record in place.
func UpdateMessage(m models.Message) error {
	if db == nil {
		return fmt.Errorf("store not opened")
	}
	hk, err := historyKey(m.ID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	b := db.NewBatch()
	defer b.Close()
	_ = b.Set([]byte(hk), data, nil)
	_ = b.Set([]byte(msgKey(m.ID)), data, nil)
	return b.Commit(pebble.Sync)
}

// DeleteMessage removes the message and its indexes. Missing ids are a
// benign no-op: a delete may race an earlier delete on replay.
func DeleteMessage(id string) error {
	if db == nil {
		return fmt.Errorf("store not opened")
	}
	m, err := GetMessage(id)
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	hk, err := historyKey(id)
	if err != nil {
		return err
	}
	b := db.NewBatch()
	defer b.Close()
	_ = b.Delete([]byte(hk), nil)
	_ = b.Delete([]byte(msgKey(id)), nil)
	_ = b.Delete([]byte(msgKeyIdx(id)), nil)
	if m.TempID != "" {
		_ = b.Delete([]byte(tempIDKey(m.ChannelID, m.TempID)), nil)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return err
	}
	deletedTotal.Inc()
	return nil
}

// ListMessages returns the channel history in creation order. limit <= 0
// returns everything; otherwise the most recent limit messages.
func ListMessages(channelID string, limit int) ([]models.Message, error) {
	if db == nil {
		return nil, fmt.Errorf("store not opened")
	}
	prefix := []byte(chanPrefix(channelID))
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []models.Message
	for iter.First(); iter.Valid(); iter.Next() {
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			logger.Warn("list_messages_bad_record", "channel", channelID, "key", string(iter.Key()))
			continue
		}
		out = append(out, m)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// PurgeOlderThan removes persisted messages in channelID created before
// cutoffTS (unix nanos), up to batch records. It returns how many were
// removed. The retention runner calls this repeatedly until zero.
func PurgeOlderThan(channelID string, cutoffTS int64, batch int) (int, error) {
	if db == nil {
		return 0, fmt.Errorf("store not opened")
	}
	if batch <= 0 {
		batch = 500
	}
	msgs, err := ListMessages(channelID, 0)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range msgs {
		if m.CreatedTS >= cutoffTS {
			break
		}
		if err := DeleteMessage(m.ID); err != nil {
			return n, err
		}
		n++
		if n >= batch {
			break
		}
	}
	return n, nil
}

// ListChannels returns every channel id with at least one persisted message.
func ListChannels() ([]string, error) {
	if db == nil {
		return nil, fmt.Errorf("store not opened")
	}
	prefix := []byte("chan:")
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []string
	last := ""
	for iter.First(); iter.Valid(); iter.Next() {
		k := string(iter.Key())
		rest := strings.TrimPrefix(k, "chan:")
		i := strings.Index(rest, ":msg:")
		if i < 0 {
			continue
		}
		ch := rest[:i]
		if ch != last {
			out = append(out, ch)
			last = ch
		}
	}
	return out, iter.Error()
}

func historyKey(id string) (string, error) {
	v, closer, err := db.Get([]byte(msgKeyIdx(id)))
	if err == pebble.ErrNotFound {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	defer closer.Close()
	return string(v), nil
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix []byte) []byte {
	ub := make([]byte, len(prefix))
	copy(ub, prefix)
	for i := len(ub) - 1; i >= 0; i-- {
		if ub[i] < 0xff {
			ub[i]++
			return ub[:i+1]
		}
	}
	return nil
}

// parseTS extracts the timestamp component of a history key, for tooling.
func parseTS(historyKey string) (int64, bool) {
	i := strings.LastIndex(historyKey, ":msg:")
	if i < 0 {
		return 0, false
	}
	part := historyKey[i+len(":msg:"):]
	j := strings.IndexByte(part, '-')
	if j < 0 {
		return 0, false
	}
	ts, err := strconv.ParseInt(part[:j], 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}
