// Package chatlog is the append-only durable event log. It is partitioned
// by conversation channel id: within one partition append order is the
// linearization authority, across partitions there is no ordering. Events
// are retained until a consumer group commits past them and retention
// truncates; consumers replay from their committed offset after a restart.
package chatlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/valyala/bytebufferpool"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
)

var (
	// ErrPayloadTooLarge is returned when an envelope exceeds the
	// configured append limit.
	ErrPayloadTooLarge = errors.New("chatlog: payload too large")
	// ErrClosed is returned by operations on a closed log.
	ErrClosed = errors.New("chatlog: closed")
)

// Record is one appended envelope with its partition sequence number.
type Record struct {
	Seq uint64
	Env models.Envelope
}

// Options tune a Log.
type Options struct {
	// MaxPayload bounds the marshaled envelope size; 0 means no limit.
	MaxPayload int64
	// NotifyBuffer sizes the append-notification channel.
	NotifyBuffer int
}

// Log is a partitioned, ordered, durable event log on pebble.
type Log struct {
	db   *pebble.DB
	opts Options

	// mu guards the maps and closed; each partition's appends serialize
	// on their own lock so partitions fsync in parallel.
	mu      sync.Mutex
	nextSeq map[string]uint64
	parts   map[string]*sync.Mutex
	closed  bool

	// notify carries the channel id of each append; the consumer manager
	// uses it to wake partition workers. Non-blocking: a full channel
	// drops the hint and the worker's poll interval covers the gap.
	notify chan string
}

// Open opens (or creates) the log's pebble database at path.
func Open(path string, opts Options) (*Log, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("chatlog_open_failed", "path", path, "error", err)
		return nil, err
	}
	if opts.NotifyBuffer <= 0 {
		opts.NotifyBuffer = 1024
	}
	logger.Info("chatlog_opened", "path", path)
	return &Log{
		db:      db,
		opts:    opts,
		nextSeq: make(map[string]uint64),
		parts:   make(map[string]*sync.Mutex),
		notify:  make(chan string, opts.NotifyBuffer),
	}, nil
}

// Close closes the log. Pending notifications are discarded.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	err := l.db.Close()
	logger.Info("chatlog_closed")
	return err
}

// Key layout:
//   log:<channelID>:<%020d seq>        -> envelope JSON
//   logcommit:<group>:<channelID>      -> decimal next-seq-to-consume

func recordKey(channelID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("log:%s:%020d", channelID, seq))
}

func partitionPrefix(channelID string) []byte {
	return []byte("log:" + channelID + ":")
}

func commitKey(group, channelID string) []byte {
	return []byte("logcommit:" + group + ":" + channelID)
}

// Append durably appends env to the channel's partition and returns its
// sequence number. Concurrent appenders to one partition are serialized;
// partitions do not contend with each other beyond the bookkeeping maps.
func (l *Log) Append(ctx context.Context, channelID string, env models.Envelope) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)
	if err := json.NewEncoder(bb).Encode(env); err != nil {
		return 0, fmt.Errorf("marshal envelope: %w", err)
	}
	if l.opts.MaxPayload > 0 && int64(bb.Len()) > l.opts.MaxPayload {
		return 0, ErrPayloadTooLarge
	}

	pmu, err := l.partitionLock(channelID)
	if err != nil {
		return 0, err
	}
	// Reservation and write stay under the partition lock: a record must
	// be durable before its successor is written, or a reader could pass
	// a gap that fills in afterwards and never revisit it.
	pmu.Lock()
	seq, err := l.reserveSeq(channelID)
	if err != nil {
		pmu.Unlock()
		return 0, err
	}
	err = l.db.Set(recordKey(channelID, seq), bb.B, pebble.Sync)
	pmu.Unlock()

	if err != nil {
		appendFailTotal.Inc()
		logger.Error("chatlog_append_failed", "channel", channelID, "error", err)
		return 0, err
	}
	appendTotal.Inc()

	select {
	case l.notify <- channelID:
	default: // drop, poll interval covers it
	}
	return seq, nil
}

// partitionLock returns the channel's append lock, creating it on first
// touch.
func (l *Log) partitionLock(channelID string) (*sync.Mutex, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	pmu, ok := l.parts[channelID]
	if !ok {
		pmu = &sync.Mutex{}
		l.parts[channelID] = pmu
	}
	return pmu, nil
}

// reserveSeq hands out the next sequence for the partition, recovering the
// high-water mark from disk on first touch. Callers hold the partition
// lock, which keeps reservation order and write order identical.
func (l *Log) reserveSeq(channelID string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	next, ok := l.nextSeq[channelID]
	if !ok {
		last, err := l.lastSeq(channelID)
		if err != nil {
			return 0, err
		}
		next = last + 1
	}
	l.nextSeq[channelID] = next + 1
	return next, nil
}

// lastSeq returns the highest appended sequence in the partition, 0 if none.
func (l *Log) lastSeq(channelID string) (uint64, error) {
	prefix := partitionPrefix(channelID)
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	if !iter.Last() {
		return 0, iter.Error()
	}
	seq, ok := parseSeq(string(iter.Key()), channelID)
	if !ok {
		return 0, fmt.Errorf("malformed log key %q", string(iter.Key()))
	}
	return seq, nil
}

// Read returns up to max records of the partition with seq >= from, in
// sequence order. max <= 0 means no limit.
func (l *Log) Read(channelID string, from uint64, max int) ([]Record, error) {
	prefix := partitionPrefix(channelID)
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: recordKey(channelID, from),
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Record
	for iter.First(); iter.Valid(); iter.Next() {
		seq, ok := parseSeq(string(iter.Key()), channelID)
		if !ok {
			continue
		}
		var env models.Envelope
		if err := json.Unmarshal(iter.Value(), &env); err != nil {
			logger.Warn("chatlog_bad_record", "channel", channelID, "seq", seq)
			continue
		}
		out = append(out, Record{Seq: seq, Env: env})
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out, iter.Error()
}

// Commit durably records that group has consumed the partition through
// seq; a restarted consumer resumes at seq+1.
func (l *Log) Commit(group, channelID string, seq uint64) error {
	v := strconv.FormatUint(seq+1, 10)
	if err := l.db.Set(commitKey(group, channelID), []byte(v), pebble.Sync); err != nil {
		logger.Error("chatlog_commit_failed", "group", group, "channel", channelID, "error", err)
		return err
	}
	return nil
}

// Committed returns the next sequence group should consume for the
// partition; 1 when nothing was ever committed.
func (l *Log) Committed(group, channelID string) (uint64, error) {
	v, closer, err := l.db.Get(commitKey(group, channelID))
	if err == pebble.ErrNotFound {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	n, err := strconv.ParseUint(string(v), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed commit record: %w", err)
	}
	return n, nil
}

// Partitions lists every channel id with at least one appended record.
func (l *Log) Partitions() ([]string, error) {
	prefix := []byte("log:")
	iter, err := l.db.NewIter(&pebble.IterOptions{
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
		k := strings.TrimPrefix(string(iter.Key()), "log:")
		i := strings.LastIndexByte(k, ':')
		if i < 0 {
			continue
		}
		ch := k[:i]
		if ch != last {
			out = append(out, ch)
			last = ch
		}
	}
	return out, iter.Error()
}

// Notifications exposes the append hints consumed by the consumer manager.
func (l *Log) Notifications() <-chan string { return l.notify }

// TruncateBefore removes records of the partition with seq < before. The
// retention runner calls this once every consumer group is past them.
func (l *Log) TruncateBefore(channelID string, before uint64) error {
	return l.db.DeleteRange(recordKey(channelID, 0), recordKey(channelID, before), pebble.Sync)
}

func parseSeq(key, channelID string) (uint64, bool) {
	rest := strings.TrimPrefix(key, "log:"+channelID+":")
	n, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

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
