package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	commonlog "skilltrade_server/server/common/log"
	"skilltrade_server/server/signal/domain"
)

func TestMain(m *testing.M) {
	commonlog.Use(zap.NewNop())
	os.Exit(m.Run())
}

func drain(t *testing.T, p *Participant) []domain.Event {
	t.Helper()
	var events []domain.Event
	for {
		select {
		case frame, ok := <-p.Outbound():
			if !ok {
				return events
			}
			var event domain.Event
			require.NoError(t, json.Unmarshal(frame, &event))
			events = append(events, event)
		default:
			return events
		}
	}
}

func isClosed(p *Participant) bool {
	for {
		select {
		case _, ok := <-p.Outbound():
			if !ok {
				return true
			}
		default:
			return false
		}
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingPublisher) Publish(_ context.Context, key string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	lifecycle := payload.(domain.RoomLifecycle)
	r.events = append(r.events, key+":"+lifecycle.RoomID)
	return nil
}

func (r *recordingPublisher) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func TestJoinNotifiesOtherMembers(t *testing.T) {
	hub := NewHub(8)

	alice, joined := hub.Join("room-1", "alice")
	require.True(t, joined)
	events := drain(t, alice)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventJoined, events[0].Event)
	assert.Equal(t, []string{"alice"}, events[0].Members)

	bob, joined := hub.Join("room-1", "bob")
	require.True(t, joined)

	events = drain(t, alice)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventParticipantJoined, events[0].Event)
	assert.Equal(t, "bob", events[0].ParticipantID)

	events = drain(t, bob)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventJoined, events[0].Event)
	assert.Equal(t, []string{"alice", "bob"}, events[0].Members)
}

func TestDuplicateJoinIsNoop(t *testing.T) {
	hub := NewHub(8)
	alice, _ := hub.Join("room-1", "alice")
	bob, _ := hub.Join("room-1", "bob")
	drain(t, alice)
	drain(t, bob)

	again, joined := hub.Join("room-1", "bob")
	assert.False(t, joined)
	assert.Same(t, bob, again)
	assert.Empty(t, drain(t, alice))
	assert.Empty(t, drain(t, bob))
	assert.Equal(t, []string{"alice", "bob"}, hub.Members("room-1"))
}

func TestRelayStaysInsideRoomAndSkipsSender(t *testing.T) {
	hub := NewHub(8)
	a, _ := hub.Join("room-1", "A")
	b, _ := hub.Join("room-1", "B")
	c, _ := hub.Join("room-2", "C")
	drain(t, a)
	drain(t, b)
	drain(t, c)

	fanout := hub.Relay("room-1", "A", json.RawMessage(`42`))
	assert.Equal(t, 1, fanout)

	events := drain(t, b)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventMessage, events[0].Event)
	assert.Equal(t, "A", events[0].SenderID)
	assert.JSONEq(t, `42`, string(events[0].Payload))
	require.NotNil(t, events[0].Timestamp)

	assert.Empty(t, drain(t, a))
	assert.Empty(t, drain(t, c))
}

func TestRelayToUnknownRoomIsNoop(t *testing.T) {
	hub := NewHub(8)
	assert.Equal(t, 0, hub.Relay("nowhere", "ghost", json.RawMessage(`{"sdp":"x"}`)))
	assert.Equal(t, 0, hub.RoomCount())
}

func TestRelayPreservesSenderOrder(t *testing.T) {
	hub := NewHub(32)
	a, _ := hub.Join("room-1", "A")
	b, _ := hub.Join("room-1", "B")
	drain(t, a)
	drain(t, b)

	for i := 0; i < 10; i++ {
		hub.Relay("room-1", "A", json.RawMessage(fmt.Sprintf(`%d`, i)))
	}
	events := drain(t, b)
	require.Len(t, events, 10)
	for i, event := range events {
		assert.JSONEq(t, fmt.Sprintf(`%d`, i), string(event.Payload))
	}
}

func TestLeaveNotifiesAndCollectsEmptyRoom(t *testing.T) {
	hub := NewHub(8)
	a, _ := hub.Join("room-1", "A")
	b, _ := hub.Join("room-1", "B")
	drain(t, a)
	drain(t, b)

	require.True(t, hub.Leave("room-1", "B"))
	assert.True(t, isClosed(b))

	events := drain(t, a)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventParticipantLeft, events[0].Event)
	assert.Equal(t, "B", events[0].ParticipantID)
	assert.Equal(t, 1, hub.RoomCount())

	assert.False(t, hub.Leave("room-1", "B"))
	assert.False(t, hub.Leave("room-9", "A"))

	require.True(t, hub.Leave("room-1", "A"))
	assert.Equal(t, 0, hub.RoomCount())
	assert.Equal(t, 0, hub.ParticipantCount())
	assert.Empty(t, hub.Members("room-1"))
}

func TestJoiningAnotherRoomLeavesTheFirst(t *testing.T) {
	hub := NewHub(8)
	a, _ := hub.Join("room-1", "A")
	b, _ := hub.Join("room-1", "B")
	drain(t, a)
	drain(t, b)

	moved, joined := hub.Join("room-2", "B")
	require.True(t, joined)
	assert.NotSame(t, b, moved)
	assert.True(t, isClosed(b))

	events := drain(t, a)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventParticipantLeft, events[0].Event)
	assert.Equal(t, ReasonSwitchedRoom, events[0].Reason)

	assert.Equal(t, []string{"A"}, hub.Members("room-1"))
	assert.Equal(t, []string{"B"}, hub.Members("room-2"))

	// the old connection's cleanup must not evict the new membership
	assert.False(t, hub.Detach(b, ReasonDisconnected))
	assert.Equal(t, []string{"B"}, hub.Members("room-2"))
}

func TestReapIdleEvictsStaleParticipants(t *testing.T) {
	hub := NewHub(8)
	a, _ := hub.Join("room-1", "A")
	hub.Join("room-1", "B")

	assert.Empty(t, hub.ReapIdle(time.Now().Add(-time.Hour)))

	reaped := hub.ReapIdle(time.Now().Add(time.Hour))
	assert.ElementsMatch(t, []string{"A", "B"}, reaped)
	assert.True(t, isClosed(a))
	assert.Equal(t, 0, hub.RoomCount())
}

func TestFullQueueDropsFramesWithoutBlocking(t *testing.T) {
	hub := NewHub(2)
	a, _ := hub.Join("room-1", "A")
	hub.Join("room-1", "B")

	// A's queue now holds its ack and B's join notice.
	assert.Equal(t, 0, hub.Relay("room-1", "B", json.RawMessage(`"hello"`)))
	assert.Equal(t, int64(1), a.Dropped())

	events := drain(t, a)
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventParticipantJoined, events[1].Event)
}

func TestLifecycleEventsArePublished(t *testing.T) {
	hub := NewHub(8)
	publisher := &recordingPublisher{}
	hub.UseEvents(publisher)

	hub.Join("room-1", "A")
	hub.Join("room-1", "B")
	hub.Leave("room-1", "A")
	hub.Leave("room-1", "B")

	require.Eventually(t, func() bool { return len(publisher.snapshot()) == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"room.opened:room-1", "room.closed:room-1"}, publisher.snapshot())
}

func TestLifecycleEventsKeepOrderPerRoom(t *testing.T) {
	hub := NewHub(8)
	publisher := &recordingPublisher{}
	hub.UseEvents(publisher)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				roomID := fmt.Sprintf("room-%d-%d", w, i)
				hub.Join(roomID, "A")
				hub.Leave(roomID, "A")
			}
		}(w)
	}
	wg.Wait()
	hub.Close()

	events := publisher.snapshot()
	require.Len(t, events, 800)
	opened := map[string]bool{}
	for _, event := range events {
		switch {
		case strings.HasPrefix(event, RoutingRoomOpened+":"):
			opened[strings.TrimPrefix(event, RoutingRoomOpened+":")] = true
		case strings.HasPrefix(event, RoutingRoomClosed+":"):
			roomID := strings.TrimPrefix(event, RoutingRoomClosed+":")
			assert.True(t, opened[roomID], "room %s closed before it opened", roomID)
		}
	}
}

func TestTakeoverReplacesParticipantSilently(t *testing.T) {
	hub := NewHub(8)
	stale, _ := hub.Join("room-1", "A")
	b, _ := hub.Join("room-1", "B")
	drain(t, stale)
	drain(t, b)

	fresh := hub.Takeover("room-1", "A")
	require.NotSame(t, stale, fresh)
	assert.True(t, isClosed(stale))
	assert.Empty(t, drain(t, b))

	events := drain(t, fresh)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventJoined, events[0].Event)
	assert.Equal(t, []string{"A", "B"}, events[0].Members)

	assert.False(t, hub.Detach(stale, ReasonDisconnected))
	assert.Equal(t, []string{"A", "B"}, hub.Members("room-1"))

	hub.Relay("room-1", "B", json.RawMessage(`1`))
	events = drain(t, fresh)
	require.Len(t, events, 1)
	assert.Equal(t, "B", events[0].SenderID)

	other := hub.Takeover("room-2", "C")
	events = drain(t, other)
	require.Len(t, events, 1)
	assert.Equal(t, []string{"C"}, events[0].Members)
}

func TestConcurrentRoomsStayIsolated(t *testing.T) {
	hub := NewHub(256)
	var wg sync.WaitGroup
	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			roomID := fmt.Sprintf("room-%d", r)
			parts := make([]*Participant, 0, 4)
			for i := 0; i < 4; i++ {
				p, _ := hub.Join(roomID, fmt.Sprintf("%s-p%d", roomID, i))
				parts = append(parts, p)
			}
			for i := 0; i < 20; i++ {
				hub.Relay(roomID, parts[0].ID, json.RawMessage(`{"n":1}`))
			}
			for _, p := range parts {
				hub.Detach(p, ReasonLeft)
			}
		}(r)
	}
	wg.Wait()

	assert.Equal(t, 0, hub.RoomCount())
	assert.Equal(t, 0, hub.ParticipantCount())
}
