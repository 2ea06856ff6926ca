package client

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realtime-service/internal/models"
)

func msg(chatID, id int) models.Message {
	return models.Message{ID: id, ChatID: chatID, Content: "hi"}
}

func ids(msgs []models.Message) []int {
	out := make([]int, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestMessageFeedLiveThenPollKeepsOneCopy(t *testing.T) {
	feed := NewMessageFeed()

	assert.True(t, feed.ApplyLive(msg(1, 10)))
	feed.ApplyPoll(1, []models.Message{msg(1, 9), msg(1, 10)})

	assert.Equal(t, []int{9, 10}, ids(feed.Messages(1)))
}

func TestMessageFeedIgnoresDuplicateLiveEvent(t *testing.T) {
	feed := NewMessageFeed()
	feed.ApplyPoll(1, []models.Message{msg(1, 1), msg(1, 2)})

	assert.False(t, feed.ApplyLive(msg(1, 2)))
	assert.True(t, feed.ApplyLive(msg(1, 3)))
	assert.False(t, feed.ApplyLive(msg(1, 3)))

	assert.Equal(t, []int{1, 2, 3}, ids(feed.Messages(1)))
	assert.Empty(t, feed.Messages(2))
}

func TestMessageFeedPollReplacesWholesale(t *testing.T) {
	feed := NewMessageFeed()
	feed.ApplyLive(msg(1, 5))
	feed.ApplyLive(msg(1, 6))

	feed.ApplyPoll(1, []models.Message{msg(1, 6), msg(1, 7), msg(1, 7)})

	assert.Equal(t, []int{6, 7}, ids(feed.Messages(1)))
}

func TestMessageFeedRemove(t *testing.T) {
	feed := NewMessageFeed()
	feed.ApplyPoll(1, []models.Message{msg(1, 1), msg(1, 2), msg(1, 3)})
	snapshot := feed.Messages(1)

	assert.True(t, feed.Remove(1, 2))
	assert.False(t, feed.Remove(1, 2))

	assert.Equal(t, []int{1, 3}, ids(feed.Messages(1)))
	assert.Equal(t, []int{1, 2, 3}, ids(snapshot))
}

func TestMessageFeedConcurrentLiveDelivery(t *testing.T) {
	feed := NewMessageFeed()
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := 1; id <= 50; id++ {
				feed.ApplyLive(msg(1, id))
			}
		}()
	}
	wg.Wait()

	assert.Len(t, feed.Messages(1), 50)
}

type markerStub struct {
	mu   sync.Mutex
	read []int
	all  int
	err  error
}

func (m *markerStub) MarkAsRead(_ context.Context, id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.read = append(m.read, id)
	return m.err
}

func (m *markerStub) MarkAllAsRead(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.all++
	return m.err
}

func notif(id int, read bool) models.Notification {
	return models.Notification{ID: id, Type: "like", IsRead: read}
}

func notifIDs(items []models.Notification) []int {
	out := make([]int, len(items))
	for i, n := range items {
		out[i] = n.ID
	}
	return out
}

func TestNotificationFeedPrependsAndCountsFirstSighting(t *testing.T) {
	feed := NewNotificationFeed(nil, zerolog.Nop())

	feed.ApplyLive(notif(1, false))
	feed.ApplyLive(notif(2, false))
	feed.ApplyLive(notif(3, true))
	feed.ApplyLive(notif(1, false))

	assert.Equal(t, []int{1, 3, 2}, notifIDs(feed.Items()))
	assert.Equal(t, 2, feed.UnreadCount())
}

func TestNotificationFeedPollRecomputesUnread(t *testing.T) {
	feed := NewNotificationFeed(nil, zerolog.Nop())
	feed.ApplyLive(notif(9, false))

	feed.ApplyPoll([]models.Notification{notif(9, false), notif(8, true), notif(7, false)})
	assert.Equal(t, 2, feed.UnreadCount())
	assert.Equal(t, []int{9, 8, 7}, notifIDs(feed.Items()))

	// Already listed by the poll, so the push echo does not count again.
	feed.ApplyLive(notif(7, false))
	assert.Equal(t, 2, feed.UnreadCount())
	assert.Equal(t, []int{7, 9, 8}, notifIDs(feed.Items()))
}

func TestNotificationFeedMarkAsRead(t *testing.T) {
	marker := &markerStub{}
	feed := NewNotificationFeed(marker, zerolog.Nop())
	feed.ApplyPoll([]models.Notification{notif(1, false), notif(2, false)})

	require.NoError(t, feed.MarkAsRead(context.Background(), 1))
	require.NoError(t, feed.MarkAsRead(context.Background(), 1))
	assert.Equal(t, 1, feed.UnreadCount())
	assert.Equal(t, []int{1, 1}, marker.read)

	require.NoError(t, feed.MarkAllAsRead(context.Background()))
	assert.Equal(t, 0, feed.UnreadCount())
	for _, n := range feed.Items() {
		assert.True(t, n.IsRead)
	}
	assert.Equal(t, 1, marker.all)
}

func TestNotificationFeedKeepsOptimisticStateOnMarkerError(t *testing.T) {
	marker := &markerStub{err: errors.New("offline")}
	feed := NewNotificationFeed(marker, zerolog.Nop())
	feed.ApplyLive(notif(1, false))

	err := feed.MarkAsRead(context.Background(), 1)
	require.Error(t, err)
	assert.Equal(t, 0, feed.UnreadCount())
}

func TestNotificationFeedLocalReadSurvivesEcho(t *testing.T) {
	feed := NewNotificationFeed(nil, zerolog.Nop())
	feed.ApplyLive(notif(1, false))
	require.NoError(t, feed.MarkAsRead(context.Background(), 1))

	feed.ApplyLive(notif(1, false))

	assert.Equal(t, 0, feed.UnreadCount())
	assert.True(t, feed.Items()[0].IsRead)
}

func TestNotificationFeedUnreadNeverNegative(t *testing.T) {
	feed := NewNotificationFeed(nil, zerolog.Nop())
	rng := rand.New(rand.NewSource(42))
	ctx := context.Background()

	for i := 0; i < 2000; i++ {
		id := rng.Intn(20)
		switch rng.Intn(5) {
		case 0:
			feed.ApplyLive(notif(id, rng.Intn(2) == 0))
		case 1:
			_ = feed.MarkAsRead(ctx, id)
		case 2:
			_ = feed.MarkAllAsRead(ctx)
		case 3:
			feed.ApplyPoll([]models.Notification{notif(id, false), notif(id+1, true)})
		default:
			_ = feed.MarkAsRead(ctx, rng.Intn(40))
		}
		require.GreaterOrEqual(t, feed.UnreadCount(), 0)
		require.Equal(t, visibleUnread(feed), feed.UnreadCount())
	}
}

func visibleUnread(feed *NotificationFeed) int {
	n := 0
	for _, item := range feed.Items() {
		if !item.IsRead {
			n++
		}
	}
	return n
}

func TestNotificationFeedCountsItemReenteringUnread(t *testing.T) {
	feed := NewNotificationFeed(nil, zerolog.Nop())
	feed.ApplyPoll([]models.Notification{notif(1, false), notif(2, true)})
	require.Equal(t, 1, feed.UnreadCount())

	// a newer page no longer carries 1, then its echo arrives
	feed.ApplyPoll([]models.Notification{notif(2, true)})
	require.Equal(t, 0, feed.UnreadCount())
	feed.ApplyLive(notif(1, false))

	assert.Equal(t, []int{1, 2}, notifIDs(feed.Items()))
	assert.Equal(t, 1, feed.UnreadCount())
}

func TestNotificationFeedLocalReadSurvivesDroppedPage(t *testing.T) {
	feed := NewNotificationFeed(nil, zerolog.Nop())
	feed.ApplyLive(notif(1, false))
	require.NoError(t, feed.MarkAsRead(context.Background(), 1))

	feed.ApplyPoll(nil)
	feed.ApplyLive(notif(1, false))
	assert.Equal(t, 0, feed.UnreadCount())

	feed.ApplyPoll([]models.Notification{notif(1, false)})
	assert.Equal(t, 0, feed.UnreadCount())
	assert.True(t, feed.Items()[0].IsRead)
}

func TestNotificationFeedReadEchoClearsCounter(t *testing.T) {
	feed := NewNotificationFeed(nil, zerolog.Nop())
	feed.ApplyLive(notif(1, false))
	feed.ApplyLive(notif(1, true))

	assert.Equal(t, 0, feed.UnreadCount())
}
