package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, sub *Subscription, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-sub.Events():
			require.True(t, ok, "events channel closed early")
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for %d events, got %d", n, len(out))
		}
	}
	return out
}

func assertNoEvent(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event seq=%d rid=%s", ev.Seq, ev.RID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublish_AssignsMonotonicSeqs(t *testing.T) {
	bus, err := New(NewMemoryJournal())
	require.NoError(t, err)
	ctx := context.Background()

	e1, err := bus.Publish(ctx, KindNew, "orn:regen.raw:a", "cid-a")
	require.NoError(t, err)
	e2, err := bus.Publish(ctx, KindUpdate, "orn:regen.raw:a", "cid-b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), e1.Seq)
	assert.Equal(t, int64(2), e2.Seq)
}

func TestSubscribe_PatternFilterAndOrder(t *testing.T) {
	bus, err := New(NewMemoryJournal())
	require.NoError(t, err)
	ctx := context.Background()

	sub, err := bus.Subscribe("agent-1", []string{"orn:regen.raw:*"}, 0, AtLeastOnce, 16)
	require.NoError(t, err)
	defer bus.Unsubscribe("agent-1")

	_, err = bus.Publish(ctx, KindNew, "orn:regen.raw:notion/pageA", "cid-1")
	require.NoError(t, err)
	_, err = bus.Publish(ctx, KindNew, "orn:regen.governance:prop-7", "cid-2")
	require.NoError(t, err)
	_, err = bus.Publish(ctx, KindUpdate, "orn:regen.raw:notion/pageA", "cid-3")
	require.NoError(t, err)

	got := collect(t, sub, 2)
	assert.Equal(t, int64(1), got[0].Seq)
	assert.Equal(t, KindNew, got[0].Kind)
	assert.Equal(t, int64(3), got[1].Seq)
	assert.Equal(t, KindUpdate, got[1].Kind)
	assertNoEvent(t, sub)
}

func TestReplay_FromCursor(t *testing.T) {
	journal := NewMemoryJournal()
	bus, err := New(journal)
	require.NoError(t, err)
	ctx := context.Background()

	// Scenario: two matching raw ingests, one unrelated event between them.
	_, err = bus.Publish(ctx, KindNew, "orn:regen.raw:notion/pageA", "cid-1")
	require.NoError(t, err)
	_, err = bus.Publish(ctx, KindNew, "orn:regen.markdown:notion/pageA", "cid-2")
	require.NoError(t, err)
	_, err = bus.Publish(ctx, KindNew, "orn:regen.raw:notion/pageB", "cid-3")
	require.NoError(t, err)

	sub, err := bus.Subscribe("agent-1", []string{"orn:regen.raw:*"}, 0, AtLeastOnce, 16)
	require.NoError(t, err)
	got := collect(t, sub, 2)
	assert.Equal(t, int64(1), got[0].Seq)
	assert.Equal(t, int64(3), got[1].Seq)
	sub.Ack(1)
	bus.Unsubscribe("agent-1")

	// Reconnecting from the acked cursor delivers only the later event.
	sub2, err := bus.Subscribe("agent-1", []string{"orn:regen.raw:*"}, 1, AtLeastOnce, 16)
	require.NoError(t, err)
	defer bus.Unsubscribe("agent-1")
	got = collect(t, sub2, 1)
	assert.Equal(t, int64(3), got[0].Seq)
	assertNoEvent(t, sub2)
}

func TestBackpressure_StallsWithoutDropping(t *testing.T) {
	bus, err := New(NewMemoryJournal())
	require.NoError(t, err)
	ctx := context.Background()

	sub, err := bus.Subscribe("slow", []string{"orn:regen.raw:*"}, 0, AtLeastOnce, 2)
	require.NoError(t, err)
	defer bus.Unsubscribe("slow")

	for i := 0; i < 4; i++ {
		_, err = bus.Publish(ctx, KindNew, "orn:regen.raw:doc", "cid")
		require.NoError(t, err)
	}

	// Window of 2: third delivery is withheld until an ack.
	got := collect(t, sub, 2)
	assert.Equal(t, int64(1), got[0].Seq)
	assert.Equal(t, int64(2), got[1].Seq)
	assertNoEvent(t, sub)

	sub.Ack(2)
	got = collect(t, sub, 2)
	assert.Equal(t, int64(3), got[0].Seq)
	assert.Equal(t, int64(4), got[1].Seq)
}

func TestAtMostOnce_NoAckRequired(t *testing.T) {
	bus, err := New(NewMemoryJournal())
	require.NoError(t, err)
	ctx := context.Background()

	sub, err := bus.Subscribe("fire-and-forget", nil, 0, AtMostOnce, 2)
	require.NoError(t, err)
	defer bus.Unsubscribe("fire-and-forget")

	for i := 0; i < 5; i++ {
		_, err = bus.Publish(ctx, KindNew, "orn:regen.raw:doc", "cid")
		require.NoError(t, err)
	}
	got := collect(t, sub, 5)
	assert.Equal(t, int64(5), got[4].Seq)
}

func TestSubscribe_DuplicateID(t *testing.T) {
	bus, err := New(NewMemoryJournal())
	require.NoError(t, err)

	_, err = bus.Subscribe("a", nil, 0, AtLeastOnce, 4)
	require.NoError(t, err)
	_, err = bus.Subscribe("a", nil, 0, AtLeastOnce, 4)
	assert.ErrorIs(t, err, ErrSubscriberExists)
}

func TestSQLiteJournal_ReplaySurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	j, err := OpenSQLiteJournal(dir)
	require.NoError(t, err)
	bus, err := New(j)
	require.NoError(t, err)
	_, err = bus.Publish(ctx, KindNew, "orn:regen.raw:a", "cid-1")
	require.NoError(t, err)
	_, err = bus.Publish(ctx, KindForget, "orn:regen.raw:a", "cid-1")
	require.NoError(t, err)
	require.NoError(t, j.Close())

	j2, err := OpenSQLiteJournal(dir)
	require.NoError(t, err)
	defer j2.Close()

	last, err := j2.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), last)

	// A bus over the reopened journal continues the sequence.
	bus2, err := New(j2)
	require.NoError(t, err)
	e, err := bus2.Publish(ctx, KindNew, "orn:regen.raw:b", "cid-2")
	require.NoError(t, err)
	assert.Equal(t, int64(3), e.Seq)

	evs, err := j2.After(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Equal(t, KindForget, evs[1].Kind)
}

func TestMatchGlob(t *testing.T) {
	cases := []struct {
		pattern, rid string
		want         bool
	}{
		{"orn:regen.raw:*", "orn:regen.raw:notion/pageA", true},
		{"orn:regen.raw:*", "orn:regen.markdown:notion/pageA", false},
		{"*", "orn:regen.raw:x", true},
		{"orn:regen.raw:notion/pageA", "orn:regen.raw:notion/pageA", true},
		{"orn:regen.raw:notion/pageA", "orn:regen.raw:notion/pageB", false},
		{"orn:*.raw:*", "orn:regen.raw:x", true},
		{"orn:*.governance:*", "orn:regen.raw:x", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, MatchGlob(c.pattern, c.rid), "%s vs %s", c.pattern, c.rid)
	}
}
