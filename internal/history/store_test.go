package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/screenpilot/internal/session"
)

func sampleRecord(id string, outcome session.State) Record {
	return Record{
		SessionID: id,
		Outcome:   outcome,
		EndedBy:   EndedByReset,
		StartedAt: time.Now().UTC().Add(-time.Minute),
	}
}

func TestInMemoryStoreKeepsNewestFirst(t *testing.T) {
	store := NewInMemoryStore(2)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := store.Save(ctx, sampleRecord(id, session.StateSuccess)); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	got, err := store.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(Recent()) = %d, want 2", len(got))
	}
	if got[0].SessionID != "c" || got[1].SessionID != "b" {
		t.Fatalf("Recent() order = %s,%s, want c,b", got[0].SessionID, got[1].SessionID)
	}
	if got[0].ID == "" || got[0].EndedAt.IsZero() {
		t.Fatalf("Save() should fill id and ended_at: %+v", got[0])
	}
}

func TestSaveRejectsUnknownOutcome(t *testing.T) {
	store := NewInMemoryStore(5)
	err := store.Save(context.Background(), sampleRecord("a", session.State("paused")))
	if !errors.Is(err, session.ErrUnknownState) {
		t.Fatalf("Save() error = %v, want ErrUnknownState", err)
	}
	if err := store.Save(context.Background(), Record{Outcome: session.StateIdle}); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("Save() without session id error = %v, want ErrInvalidRecord", err)
	}
}

func setupRedisStore(t *testing.T, limit int) (*RedisStore, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisStore(client, "test", limit), mr
}

func TestRedisStore_SaveAndRecent(t *testing.T) {
	store, _ := setupRedisStore(t, 10)
	ctx := context.Background()

	rec := sampleRecord("sess-1", session.StateError)
	rec.Reason = "timeout"
	rec.Uploads = 3
	require.NoError(t, store.Save(ctx, rec))
	require.NoError(t, store.Save(ctx, sampleRecord("sess-2", session.StateSuccess)))

	got, err := store.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "sess-2", got[0].SessionID)
	assert.Equal(t, "sess-1", got[1].SessionID)
	assert.Equal(t, session.StateError, got[1].Outcome)
	assert.Equal(t, "timeout", got[1].Reason)
	assert.Equal(t, 3, got[1].Uploads)
}

func TestRedisStore_CapsList(t *testing.T) {
	store, mr := setupRedisStore(t, 3)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, store.Save(ctx, sampleRecord(id, session.StateSuccess)))
	}

	items, err := mr.List("test:history")
	require.NoError(t, err)
	assert.Len(t, items, 3)

	got, err := store.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "e", got[0].SessionID)
}

func TestRedisStore_RejectsCorruptOutcome(t *testing.T) {
	store, mr := setupRedisStore(t, 3)
	_, err := mr.Lpush("test:history", `{"id":"x","session_id":"s","outcome":"bogus"}`)
	require.NoError(t, err)

	_, err = store.Recent(context.Background(), 1)
	assert.ErrorIs(t, err, session.ErrUnknownState)
}

func TestNewStoreDefaultsToMemory(t *testing.T) {
	store, err := NewStore(context.Background(), "", "", 5)
	require.NoError(t, err)
	_, ok := store.(*InMemoryStore)
	assert.True(t, ok)
}

func TestNewStoreUsesRedisURL(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := NewStore(context.Background(), "", "redis://"+mr.Addr(), 5)
	require.NoError(t, err)
	defer store.Close()
	_, ok := store.(*RedisStore)
	assert.True(t, ok)
}

func TestRecorderSavesAsynchronously(t *testing.T) {
	store := NewInMemoryStore(5)
	rec := NewRecorder(store, 4)
	rec.Record(sampleRecord("a", session.StateSuccess))
	rec.Record(sampleRecord("b", session.StateError))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, rec.Close(ctx))

	got, err := store.Recent(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	// Records after Close are ignored rather than panicking.
	rec.Record(sampleRecord("c", session.StateSuccess))
}

func TestSaveRedactsPII(t *testing.T) {
	store := NewInMemoryStore(5)
	rec := sampleRecord("a", session.StateResponse)
	rec.AIText = "Email sam@example.com or call +1 (555) 123-9876, card 4242 4242 4242 4242."
	require.NoError(t, store.Save(context.Background(), rec))

	got, err := store.Recent(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].PIIRedacted)
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		assert.Contains(t, got[0].AIText, marker)
	}

	plain := sampleRecord("b", session.StateSuccess)
	plain.AIText = "Tap the blue button."
	require.NoError(t, store.Save(context.Background(), plain))
	got, err = store.Recent(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, got[0].PIIRedacted)
	assert.Equal(t, "Tap the blue button.", got[0].AIText)
}
