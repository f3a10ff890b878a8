package usecase

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"persona-relay/internal/domain"
)

func TestFetchUndisplayed_ReturnsInOrderAndMarks(t *testing.T) {
	f := newFixture(t)
	f.seedConversation(t, "conv-1", "T1", domain.ModeManual)
	t0 := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	f.seedMessage(t, "conv-1", "b", domain.RoleOperator, "second", false, t0.Add(time.Second))
	f.seedMessage(t, "conv-1", "a", domain.RoleOperator, "first", false, t0)
	f.seedMessage(t, "conv-1", "v", domain.RoleVisitor, "seen", true, t0)

	got, err := f.svc.FetchUndisplayed(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "first", got[0].Content)
	require.Equal(t, "second", got[1].Content)
	require.True(t, got[0].Displayed)

	again, err := f.svc.FetchUndisplayed(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Empty(t, again)
}

func TestFetchUndisplayed_ConcurrentPullsDeliverOnce(t *testing.T) {
	f := newFixture(t)
	f.seedConversation(t, "conv-1", "T1", domain.ModeManual)
	t0 := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	const n = 25
	for i := 0; i < n; i++ {
		f.seedMessage(t, "conv-1", fmt.Sprintf("m%02d", i), domain.RoleOperator, "x", false, t0.Add(time.Duration(i)*time.Millisecond))
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[string]int{}
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := f.svc.FetchUndisplayed(context.Background(), "conv-1")
			require.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			for _, m := range got {
				seen[m.ID]++
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, n)
	for id, count := range seen {
		require.Equal(t, 1, count, "message %s delivered %d times", id, count)
	}
	for _, m := range f.store.transcript("conv-1") {
		require.True(t, m.Displayed)
	}
}

func TestFetchUndisplayed_PartialBatchFailure(t *testing.T) {
	f := newFixture(t)
	f.seedConversation(t, "conv-1", "T1", domain.ModeManual)
	t0 := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	f.seedMessage(t, "conv-1", "a", domain.RoleOperator, "one", false, t0)
	f.seedMessage(t, "conv-1", "b", domain.RoleOperator, "two", false, t0.Add(time.Second))
	f.seedMessage(t, "conv-1", "c", domain.RoleOperator, "three", false, t0.Add(2*time.Second))
	f.store.markErr["b"] = errBoom

	got, err := f.svc.FetchUndisplayed(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "a", got[0].ID)
	require.Equal(t, "c", got[1].ID)

	delete(f.store.markErr, "b")
	retry, err := f.svc.FetchUndisplayed(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Len(t, retry, 1)
	require.Equal(t, "b", retry[0].ID)
}

func TestFetchUndisplayed_Errors(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.FetchUndisplayed(context.Background(), "")
	expectCode(t, err, ErrorInvalidInput, "missing_conversation_id")

	f.store.listErr = errBoom
	_, err = f.svc.FetchUndisplayed(context.Background(), "conv-1")
	expectCode(t, err, ErrorInternal, "store_read_error")
}

func TestFetchUndisplayed_UnknownConversationIsEmpty(t *testing.T) {
	f := newFixture(t)
	got, err := f.svc.FetchUndisplayed(context.Background(), "nope")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestAcknowledge(t *testing.T) {
	f := newFixture(t)
	f.seedConversation(t, "conv-1", "T1", domain.ModeManual)
	f.seedMessage(t, "conv-1", "m1", domain.RoleOperator, "hi", false, time.Now())

	require.NoError(t, f.svc.Acknowledge(context.Background(), "m1"))
	require.NoError(t, f.svc.Acknowledge(context.Background(), "m1"), "acknowledging twice is a no-op")

	got, err := f.svc.FetchUndisplayed(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Empty(t, got, "acknowledged message must not be pulled again")

	err = f.svc.Acknowledge(context.Background(), "missing")
	expectCode(t, err, ErrorNotFound, "message_not_found")

	err = f.svc.Acknowledge(context.Background(), " ")
	expectCode(t, err, ErrorInvalidInput, "missing_message_id")

	f.store.markErr["m2"] = errBoom
	err = f.svc.Acknowledge(context.Background(), "m2")
	expectCode(t, err, ErrorInternal, "store_write_error")
}

func TestAcknowledge_AfterPullIsNoop(t *testing.T) {
	f := newFixture(t)
	f.seedConversation(t, "conv-1", "T1", domain.ModeManual)
	f.seedMessage(t, "conv-1", "m1", domain.RoleOperator, "hi", false, time.Now())

	got, err := f.svc.FetchUndisplayed(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NoError(t, f.svc.Acknowledge(context.Background(), "m1"))
}

func TestSubscribe_UnknownConversation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Subscribe(context.Background(), "nope")
	expectCode(t, err, ErrorNotFound, "conversation_not_found")
}

func TestSubscribe_PushDoesNotMarkDisplayed(t *testing.T) {
	f := newFixture(t)
	f.seedConversation(t, "conv-1", "T1", domain.ModeAutomatic)
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := f.svc.Subscribe(ctx, "conv-1")
	require.NoError(t, err)

	_, err = f.svc.OnChannelEvent(context.Background(), operatorEvent("T1", "pushed"))
	require.NoError(t, err)
	n := <-ch
	cancel()

	got, err := f.svc.FetchUndisplayed(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, n.ID, got[0].ID)
}
