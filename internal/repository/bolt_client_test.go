package repository

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"persona-relay/internal/domain"
)

func openTestBolt(t *testing.T) *BoltStore {
	t.Helper()
	s, err := OpenBoltStore(filepath.Join(t.TempDir(), "state", "relay.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBolt_CreateAndResolveConversation(t *testing.T) {
	s := openTestBolt(t)
	ctx := context.Background()

	c, err := s.CreateConversation(ctx, domain.Conversation{ID: "abc", ThreadHandle: "t1", Visitor: "anonymous"})
	require.NoError(t, err)
	require.NotEmpty(t, c.StoreRecordID)
	require.NotEqual(t, "abc", c.StoreRecordID)
	require.Equal(t, domain.ModeAutomatic, c.Mode)

	byID, err := s.GetConversation(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, c.StoreRecordID, byID.StoreRecordID)
	require.Equal(t, "t1", byID.ThreadHandle)

	byThread, err := s.GetConversationByThread(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, "abc", byThread.ID)
}

func TestBolt_ThreadHandleCannotBeReused(t *testing.T) {
	s := openTestBolt(t)
	ctx := context.Background()

	_, err := s.CreateConversation(ctx, domain.Conversation{ID: "a", ThreadHandle: "t1"})
	require.NoError(t, err)
	_, err = s.CreateConversation(ctx, domain.Conversation{ID: "b", ThreadHandle: "t1"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "already correlated")

	_, err = s.GetConversation(ctx, "b")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestBolt_UnknownConversation(t *testing.T) {
	s := openTestBolt(t)
	_, err := s.GetConversation(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.GetConversationByThread(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.SetMode(context.Background(), "999", domain.ModeManual)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestBolt_SetModeReturnsPrevious(t *testing.T) {
	s := openTestBolt(t)
	ctx := context.Background()
	c, err := s.CreateConversation(ctx, domain.Conversation{ID: "abc", ThreadHandle: "t1"})
	require.NoError(t, err)

	prev, err := s.SetMode(ctx, c.StoreRecordID, domain.ModeManual)
	require.NoError(t, err)
	require.Equal(t, domain.ModeAutomatic, prev)

	prev, err = s.SetMode(ctx, c.StoreRecordID, domain.ModeManual)
	require.NoError(t, err)
	require.Equal(t, domain.ModeManual, prev)

	got, err := s.GetConversation(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, domain.ModeManual, got.Mode)
}

func TestBolt_MessagesOrderedByTimestampThenID(t *testing.T) {
	s := openTestBolt(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for _, m := range []domain.Message{
		{ID: "c", ConversationID: "abc", Role: domain.RoleOperator, Content: "third", Timestamp: t0.Add(time.Second)},
		{ID: "b", ConversationID: "abc", Role: domain.RoleVisitor, Content: "second", Timestamp: t0, Displayed: true},
		{ID: "a", ConversationID: "abc", Role: domain.RoleVisitor, Content: "first", Timestamp: t0, Displayed: true},
		{ID: "z", ConversationID: "other", Role: domain.RoleVisitor, Content: "elsewhere", Timestamp: t0},
	} {
		require.NoError(t, s.SaveMessage(ctx, m))
	}

	msgs, err := s.ListMessages(ctx, "abc", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, []string{"first", "second", "third"}, []string{msgs[0].Content, msgs[1].Content, msgs[2].Content})

	last, err := s.ListMessages(ctx, "abc", 2)
	require.NoError(t, err)
	require.Equal(t, "second", last[0].Content)
	require.Equal(t, "third", last[1].Content)

	undisplayed, err := s.ListUndisplayed(ctx, "abc")
	require.NoError(t, err)
	require.Len(t, undisplayed, 1)
	require.Equal(t, "c", undisplayed[0].ID)
}

func TestBolt_DuplicateMessageID(t *testing.T) {
	s := openTestBolt(t)
	ctx := context.Background()
	m := domain.Message{ID: "m1", ConversationID: "abc", Role: domain.RoleVisitor, Content: "hi", Timestamp: time.Now()}
	require.NoError(t, s.SaveMessage(ctx, m))
	require.Error(t, s.SaveMessage(ctx, m))
}

func TestBolt_MarkDisplayedIsIdempotent(t *testing.T) {
	s := openTestBolt(t)
	ctx := context.Background()
	require.NoError(t, s.SaveMessage(ctx, domain.Message{ID: "m1", ConversationID: "abc", Role: domain.RoleOperator, Content: "hi", Timestamp: time.Now()}))

	flipped, err := s.MarkDisplayed(ctx, "m1")
	require.NoError(t, err)
	require.True(t, flipped)

	flipped, err = s.MarkDisplayed(ctx, "m1")
	require.NoError(t, err)
	require.False(t, flipped)

	_, err = s.MarkDisplayed(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestBolt_ConcurrentMarkDisplayedFlipsExactlyOnce(t *testing.T) {
	s := openTestBolt(t)
	ctx := context.Background()
	require.NoError(t, s.SaveMessage(ctx, domain.Message{ID: "m1", ConversationID: "abc", Role: domain.RoleOperator, Content: "hi", Timestamp: time.Now()}))

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		flips int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.MarkDisplayed(ctx, "m1")
			require.NoError(t, err)
			if ok {
				mu.Lock()
				flips++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, flips)
}

func TestOpenBoltStore_EmptyPath(t *testing.T) {
	_, err := OpenBoltStore(" ")
	require.Error(t, err)
}
