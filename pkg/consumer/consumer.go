// Package consumer folds the durable log into the message store and
// republishes store-confirmed envelopes so gateways can reconcile
// optimistic client copies. One worker goroutine per conversation
// partition keeps intra-conversation ordering; partitions run in parallel
// and share no lock.
package consumer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatrelay/pkg/bus"
	"chatrelay/pkg/chatlog"
	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
	"chatrelay/pkg/store"
)

// Options tune the consumer.
type Options struct {
	// Group names the committed-offset namespace in the log.
	Group string
	// ReadBatch bounds how many records one fetch pulls.
	ReadBatch int
	// PollEvery is the fallback wakeup when an append hint was dropped.
	PollEvery time.Duration
}

// Consumer drives all partition workers of one consumer group.
type Consumer struct {
	log  *chatlog.Log
	bus  bus.Bus
	opts Options

	mu      sync.Mutex
	wakes   map[string]chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a consumer over log publishing confirmations on b.
func New(log *chatlog.Log, b bus.Bus, opts Options) *Consumer {
	if opts.Group == "" {
		opts.Group = "store-applier"
	}
	if opts.ReadBatch <= 0 {
		opts.ReadBatch = 256
	}
	if opts.PollEvery <= 0 {
		opts.PollEvery = 250 * time.Millisecond
	}
	return &Consumer{
		log:   log,
		bus:   b,
		opts:  opts,
		wakes: make(map[string]chan struct{}),
	}
}

// Start discovers existing partitions, spawns their workers and begins
// watching for new partitions. Restarted workers resume from the group's
// committed offset, so already-applied records replay; apply is written
// to make that replay safe.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	parts, err := c.log.Partitions()
	if err != nil {
		return err
	}
	for _, p := range parts {
		c.ensureWorker(ctx, p)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case channelID := <-c.log.Notifications():
				c.ensureWorker(ctx, channelID)
			}
		}
	}()

	logger.Info("consumer_started", "group", c.opts.Group, "partitions", len(parts))
	return nil
}

// Stop cancels all workers and waits for them to finish the record in
// flight. Offsets already committed stay committed.
func (c *Consumer) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

// ensureWorker starts the partition worker if absent and nudges it.
func (c *Consumer) ensureWorker(ctx context.Context, channelID string) {
	c.mu.Lock()
	wake, ok := c.wakes[channelID]
	if !ok {
		wake = make(chan struct{}, 1)
		c.wakes[channelID] = wake
		c.wg.Add(1)
		go c.runPartition(ctx, channelID, wake)
	}
	c.mu.Unlock()
	select {
	case wake <- struct{}{}:
	default:
	}
}

// runPartition is strictly single-threaded for its partition: consumption
// order equals append order, which is the whole point of partitioning the
// log by conversation.
func (c *Consumer) runPartition(ctx context.Context, channelID string, wake <-chan struct{}) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.PollEvery)
	defer ticker.Stop()

	for {
		if err := c.drain(ctx, channelID); err != nil && ctx.Err() == nil {
			logger.Error("consumer_drain_failed", "channel", channelID, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-ticker.C:
		}
	}
}

// drain applies every unconsumed record of the partition in order,
// committing after each applied record. An apply error stops the drain
// without committing, so the record replays on the next pass.
func (c *Consumer) drain(ctx context.Context, channelID string) error {
	for {
		from, err := c.log.Committed(c.opts.Group, channelID)
		if err != nil {
			return err
		}
		recs, err := c.log.Read(channelID, from, c.opts.ReadBatch)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			return nil
		}
		for _, rec := range recs {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := c.apply(ctx, channelID, rec.Env); err != nil {
				return err
			}
			if err := c.log.Commit(c.opts.Group, channelID, rec.Seq); err != nil {
				return err
			}
		}
	}
}

// apply folds one envelope into the store and republishes the confirmed
// version. Unknown message ids on edit/delete/read are benign no-ops: the
// message may have raced a delete, or this is an at-least-once replay.
func (c *Consumer) apply(ctx context.Context, channelID string, env models.Envelope) error {
	switch env.Type {
	case models.EventSendMessage:
		return c.applySend(ctx, channelID, env)
	case models.EventMessageEdited:
		return c.applyEdit(ctx, channelID, env)
	case models.EventMessageDeleted:
		return c.applyDelete(ctx, channelID, env)
	case models.EventMessageRead:
		return c.applyRead(ctx, channelID, env)
	default:
		// Ephemeral types never reach the log; tolerate and skip.
		logger.Warn("consumer_unexpected_type", "channel", channelID, "type", string(env.Type))
		return nil
	}
}

func (c *Consumer) applySend(ctx context.Context, channelID string, env models.Envelope) error {
	m, err := env.MessagePayload()
	if err != nil {
		logger.Warn("consumer_bad_send_payload", "channel", channelID, "error", err)
		return nil // poison record; skip rather than wedge the partition
	}
	m.ChannelID = channelID

	// At-least-once replay guard: a second pass over an already-applied
	// send must not create a second record for the same temp id.
	if m.TempID != "" {
		if id, err := store.MessageIDByTempID(channelID, m.TempID); err == nil {
			dedupTotal.Inc()
			existing, gerr := store.GetMessage(id)
			if gerr != nil {
				return nil
			}
			existing.TempID = m.TempID
			return c.publishConfirmed(ctx, channelID, models.EventReceiveMessage, c.decorate(existing))
		} else if err != store.ErrNotFound {
			return err
		}
	}

	m.ID = uuid.NewString()
	if m.CreatedTS == 0 {
		m.CreatedTS = time.Now().UTC().UnixNano()
	}
	if err := store.SaveMessage(m); err != nil {
		return err
	}
	appliedTotal.WithLabelValues("send").Inc()
	return c.publishConfirmed(ctx, channelID, models.EventReceiveMessage, c.decorate(m))
}

func (c *Consumer) applyEdit(ctx context.Context, channelID string, env models.Envelope) error {
	p, err := env.RefPayload()
	if err != nil {
		logger.Warn("consumer_bad_edit_payload", "channel", channelID, "error", err)
		return nil
	}
	m, err := store.GetMessage(p.MessageID)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	m.Text = p.Text
	m.IsEdited = true
	if err := store.UpdateMessage(m); err != nil {
		return err
	}
	appliedTotal.WithLabelValues("edit").Inc()
	return c.publishConfirmed(ctx, channelID, models.EventMessageEdited, models.RefPayload{
		MessageID: m.ID, Text: m.Text, IsEdited: true,
	})
}

func (c *Consumer) applyDelete(ctx context.Context, channelID string, env models.Envelope) error {
	p, err := env.RefPayload()
	if err != nil {
		logger.Warn("consumer_bad_delete_payload", "channel", channelID, "error", err)
		return nil
	}
	if err := store.DeleteMessage(p.MessageID); err != nil {
		return err
	}
	appliedTotal.WithLabelValues("delete").Inc()
	return c.publishConfirmed(ctx, channelID, models.EventMessageDeleted, models.RefPayload{
		MessageID: p.MessageID,
	})
}

func (c *Consumer) applyRead(ctx context.Context, channelID string, env models.Envelope) error {
	p, err := env.RefPayload()
	if err != nil {
		logger.Warn("consumer_bad_read_payload", "channel", channelID, "error", err)
		return nil
	}
	m, err := store.GetMessage(p.MessageID)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	m.IsRead = true
	if err := store.UpdateMessage(m); err != nil {
		return err
	}
	appliedTotal.WithLabelValues("read").Inc()
	return c.publishConfirmed(ctx, channelID, models.EventMessageRead, models.RefPayload{
		MessageID: m.ID, IsRead: true,
	})
}

// decorate populates sender and reply-target summaries on the confirmed
// copy, the way history fetches deliver them.
func (c *Consumer) decorate(m models.Message) models.Message {
	store.PopulateSender(&m)
	if m.ParentID != "" && m.Parent == nil {
		if parent, err := store.GetMessage(m.ParentID); err == nil {
			store.PopulateSender(&parent)
			m.Parent = &parent
		}
	}
	return m
}

// publishConfirmed republishes the store-confirmed envelope. A bus failure
// here is logged but does not fail the apply: the record is durably
// persisted and clients recover it on the next history fetch.
func (c *Consumer) publishConfirmed(ctx context.Context, channelID string, t models.EventType, payload any) error {
	env, err := models.NewEnvelope(t, payload)
	if err != nil {
		return err
	}
	if err := c.bus.Publish(ctx, channelID, env); err != nil {
		logger.Error("consumer_republish_failed", "channel", channelID, "type", string(t), "error", err)
	}
	return nil
}
