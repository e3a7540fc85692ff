package memory

import (
	"context"
	"testing"
	"time"

	cserrors "github.com/osvaldoandrade/tbqueue/internal/errors"
	"github.com/osvaldoandrade/tbqueue/internal/queue"
)

func msg(key string) queue.Message {
	return queue.NewMessage([]byte(key), []byte("v-"+key), queue.Headers{})
}

func TestSendPollCommit(t *testing.T) {
	b := New(nil)
	ctx := context.Background()
	admin, _ := b.NewAdmin(nil)
	if err := admin.EnsureTopic(ctx, "tb_core", nil); err != nil {
		t.Fatalf("EnsureTopic: %v", err)
	}
	p, _ := b.NewProducer(admin, "tb_core")
	c, _ := b.NewConsumer(admin, "tb_core", "core-group")
	if err := c.Subscribe(ctx); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := p.Send(ctx, "", msg("a")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := p.Send(ctx, "tb_core", msg("b")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := c.Poll(ctx, 10*time.Millisecond)
	if err != nil || len(got) != 2 || got[0].KeyString() != "a" || got[1].KeyString() != "b" {
		t.Fatalf("Poll = (%v, %v)", got, err)
	}
	if err := c.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	got, _ = c.Poll(ctx, 10*time.Millisecond)
	if len(got) != 0 {
		t.Fatalf("expected empty poll, got %d", len(got))
	}
	if b.Len("tb_core") != 2 {
		t.Fatalf("Len = %d", b.Len("tb_core"))
	}
}

func TestUncommittedMessagesAreRedelivered(t *testing.T) {
	b := New(nil)
	ctx := context.Background()
	p, _ := b.NewProducer(nil, "usage")
	first, _ := b.NewConsumer(nil, "usage", "stats")
	_ = first.Subscribe(ctx)

	_ = p.Send(ctx, "", msg("1"))
	got, _ := first.Poll(ctx, 10*time.Millisecond)
	if len(got) != 1 {
		t.Fatalf("first poll = %d", len(got))
	}
	_ = first.Commit(ctx)
	_ = p.Send(ctx, "", msg("2"))
	if got, _ = first.Poll(ctx, 10*time.Millisecond); len(got) != 1 {
		t.Fatalf("second poll = %d", len(got))
	}
	// Crash before committing "2".
	_ = first.Unsubscribe()

	second, _ := b.NewConsumer(nil, "usage", "stats")
	_ = second.Subscribe(ctx)
	got, _ = second.Poll(ctx, 10*time.Millisecond)
	if len(got) != 1 || got[0].KeyString() != "2" {
		t.Fatalf("expected redelivery of 2, got %v", got)
	}

	other, _ := b.NewConsumer(nil, "usage", "")
	_ = other.Subscribe(ctx)
	if got, _ = other.Poll(ctx, 10*time.Millisecond); len(got) != 2 {
		t.Fatalf("new group should see the whole log, got %d", len(got))
	}
}

func TestPollWakesOnSend(t *testing.T) {
	b := New(nil)
	ctx := context.Background()
	c, _ := b.NewConsumer(nil, "t", "g")
	_ = c.Subscribe(ctx)
	p, _ := b.NewProducer(nil, "t")

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = p.Send(ctx, "", msg("late"))
	}()
	start := time.Now()
	got, err := c.Poll(ctx, 2*time.Second)
	if err != nil || len(got) != 1 {
		t.Fatalf("Poll = (%v, %v)", got, err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("poll did not wake on send")
	}
}

func TestAdminEnsureIsIdempotentAndDestroyResets(t *testing.T) {
	b := New(nil)
	a, _ := b.NewAdmin(queue.Properties{"partitions": "1"})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := a.EnsureTopic(ctx, "tb_rule_engine", nil); err != nil {
			t.Fatalf("EnsureTopic #%d: %v", i, err)
		}
	}
	if !b.HasTopic("tb_rule_engine") {
		t.Fatal("topic not created")
	}
	a.Destroy()
	a.Destroy()
}

func TestClosedBackendAndUnsubscribedConsumer(t *testing.T) {
	b := New(nil)
	ctx := context.Background()
	c, _ := b.NewConsumer(nil, "t", "g")
	if _, err := c.Poll(ctx, time.Millisecond); cserrors.CodeOf(err) != cserrors.TBQPollFailed {
		t.Fatalf("poll before subscribe = %v", err)
	}
	if err := c.Commit(ctx); cserrors.CodeOf(err) != cserrors.TBQCommitFailed {
		t.Fatalf("commit before subscribe = %v", err)
	}
	if _, err := b.NewConsumer(nil, "", "g"); err == nil {
		t.Fatal("empty topic should be rejected")
	}

	p, _ := b.NewProducer(nil, "t")
	_ = b.Close()
	if err := p.Send(ctx, "", msg("x")); cserrors.CodeOf(err) != cserrors.TBQPublishFailed {
		t.Fatalf("send after close = %v", err)
	}
	a, _ := b.NewAdmin(nil)
	if err := a.EnsureTopic(ctx, "new", nil); err == nil {
		t.Fatal("ensure after close should fail")
	}
}
