package retention

import (
	"context"
	"testing"
	"time"

	"chatrelay/pkg/chatlog"
	"chatrelay/pkg/config"
	"chatrelay/pkg/models"
	"chatrelay/pkg/store"
)

func testEff(ret config.RetentionConfig) config.EffectiveConfigResult {
	cfg := &config.Config{}
	cfg.Retention = ret
	cfg.Log.Group = "store-applier"
	return config.EffectiveConfigResult{Config: cfg}
}

func seedMessages(t *testing.T) {
	t.Helper()
	if err := store.Open(t.TempDir()); err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	now := time.Now().UTC()
	old := now.Add(-48 * time.Hour).UnixNano()
	for i, m := range []models.Message{
		{ID: "old1", ChannelID: "c", SenderID: "u1", Text: "old", CreatedTS: old},
		{ID: "old2", ChannelID: "c", SenderID: "u1", Text: "old", CreatedTS: old + 1},
		{ID: "new1", ChannelID: "c", SenderID: "u1", Text: "new", CreatedTS: now.UnixNano()},
	} {
		if err := store.SaveMessage(m); err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}
}

func TestRunOncePurgesExpiredMessages(t *testing.T) {
	seedMessages(t)
	eff := testEff(config.RetentionConfig{Enabled: true, Period: "24h", BatchSize: 1})
	if err := RunOnce(eff, nil); err != nil {
		t.Fatalf("run once: %v", err)
	}
	list, err := store.ListMessages("c", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != "new1" {
		t.Fatalf("unexpected survivors: %+v", list)
	}
}

func TestRunOnceDryRunKeepsEverything(t *testing.T) {
	seedMessages(t)
	eff := testEff(config.RetentionConfig{Enabled: true, Period: "24h", DryRun: true})
	if err := RunOnce(eff, nil); err != nil {
		t.Fatalf("run once: %v", err)
	}
	list, err := store.ListMessages("c", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("dry run purged messages: %+v", list)
	}
}

func TestRunOnceTruncatesCommittedLogRecords(t *testing.T) {
	seedMessages(t)
	l, err := chatlog.Open(t.TempDir(), chatlog.Options{})
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer l.Close()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		env, _ := models.NewEnvelope(models.EventSendMessage, models.Message{ChannelID: "c", TempID: "t", Text: "m"})
		if _, err := l.Append(ctx, "c", env); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	// The applier consumed through seq 2; records 1 and 2 are dead weight.
	if err := l.Commit("store-applier", "c", 2); err != nil {
		t.Fatalf("commit: %v", err)
	}

	eff := testEff(config.RetentionConfig{Enabled: true, Period: "24h"})
	if err := RunOnce(eff, l); err != nil {
		t.Fatalf("run once: %v", err)
	}
	recs, err := l.Read("c", 1, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(recs) != 1 || recs[0].Seq != 3 {
		t.Fatalf("unexpected surviving records: %+v", recs)
	}
}

func TestStartRejectsBadConfig(t *testing.T) {
	ctx := context.Background()
	if _, err := Start(ctx, testEff(config.RetentionConfig{Enabled: true, Period: "nonsense"}), nil); err == nil {
		t.Fatalf("expected error for bad period")
	}
	if _, err := Start(ctx, testEff(config.RetentionConfig{Enabled: true, Period: "24h", Cron: "not a cron"}), nil); err == nil {
		t.Fatalf("expected error for bad cron")
	}
	stop, err := Start(ctx, testEff(config.RetentionConfig{Enabled: false}), nil)
	if err != nil {
		t.Fatalf("disabled retention should start as a no-op: %v", err)
	}
	stop()
}
