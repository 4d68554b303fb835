package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	commonlog "skilltrade_server/server/common/log"
	"skilltrade_server/server/signal/domain"
)

const (
	signalEventsChannel = "signal:events"
	DefaultQueueSize    = 64
	lifecycleQueueSize  = 1024

	RoutingRoomOpened = "room.opened"
	RoutingRoomClosed = "room.closed"

	ReasonLeft         = "left"
	ReasonDisconnected = "disconnected"
	ReasonSwitchedRoom = "switched_room"
	ReasonIdleTimeout  = "idle_timeout"
	ReasonShutdown     = "shutdown"
)

type eventPublisher interface {
	Publish(ctx context.Context, key string, payload any) error
}

// Participant is one member of one room. Its outbound queue is closed when it
// leaves, which is the signal for the transport to hang up.
type Participant struct {
	ID     string
	RoomID string

	send     chan []byte
	closed   bool
	lastSeen atomic.Int64
	dropped  atomic.Int64
}

func newParticipant(id, roomID string, queueSize int) *Participant {
	p := &Participant{ID: id, RoomID: roomID, send: make(chan []byte, queueSize)}
	p.Touch()
	return p
}

func (p *Participant) Outbound() <-chan []byte {
	return p.send
}

func (p *Participant) Touch() {
	p.lastSeen.Store(time.Now().UnixNano())
}

func (p *Participant) LastSeen() time.Time {
	return time.Unix(0, p.lastSeen.Load())
}

func (p *Participant) Dropped() int64 {
	return p.dropped.Load()
}

// enqueue must be called with the owning room locked.
func (p *Participant) enqueue(frame []byte) bool {
	if p.closed {
		return false
	}
	select {
	case p.send <- frame:
		return true
	default:
		p.dropped.Add(1)
		commonlog.Warnf("event=signal_hub action=deliver status=dropped room_id=%s participant_id=%s queue_size=%d", p.RoomID, p.ID, cap(p.send))
		return false
	}
}

type room struct {
	id      string
	mu      sync.Mutex
	members map[string]*Participant
	order   []string
}

func newRoom(id string) *room {
	return &room{id: id, members: map[string]*Participant{}}
}

func (r *room) broadcastLocked(frame []byte, excludeID string) int {
	count := 0
	for _, id := range r.order {
		if id == excludeID {
			continue
		}
		if r.members[id].enqueue(frame) {
			count++
		}
	}
	return count
}

func (r *room) removeLocked(id string) {
	delete(r.members, id)
	for i, member := range r.order {
		if member == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

type hubEvent struct {
	Kind      string          `json:"kind"`
	Origin    string          `json:"origin"`
	RoomID    string          `json:"room_id"`
	ExcludeID string          `json:"exclude_id,omitempty"`
	Frame     json.RawMessage `json:"frame"`
}

type lifecycleEvent struct {
	key     string
	payload domain.RoomLifecycle
}

type pending struct {
	remote []hubEvent
}

// Hub owns room membership for this process. Rooms lock independently; the hub
// lock only guards the room and participant indexes.
type Hub struct {
	mu        sync.RWMutex
	rooms     map[string]*room
	index     map[string]*Participant
	queueSize int
	nodeID    string

	events      eventPublisher
	lifecycle   chan lifecycleEvent
	lifecycleWG sync.WaitGroup

	redis     *redis.Client
	redisSub  *redis.PubSub
	subCancel context.CancelFunc
}

func NewHub(queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub{
		rooms:     map[string]*room{},
		index:     map[string]*Participant{},
		queueSize: queueSize,
		nodeID:    uuid.NewString(),
	}
}

func (h *Hub) NodeID() string {
	return h.nodeID
}

func (h *Hub) UseRedis(client *redis.Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.redis = client
}

// UseEvents starts publishing room lifecycle events. Events are queued under
// the hub lock and published by a single worker, so each room's opened event
// always precedes its closed event.
func (h *Hub) UseEvents(publisher eventPublisher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = publisher
	if publisher == nil || h.lifecycle != nil {
		return
	}
	h.lifecycle = make(chan lifecycleEvent, lifecycleQueueSize)
	h.lifecycleWG.Add(1)
	go h.runLifecycle(h.lifecycle)
}

// Join registers participantID in roomID and tells the other members. It
// returns false when the participant was already in that room, in which case
// nothing is sent. A participant present in another room leaves it first.
func (h *Hub) Join(roomID, participantID string) (*Participant, bool) {
	var out pending

	h.mu.Lock()
	if existing, ok := h.index[participantID]; ok {
		if existing.RoomID == roomID {
			h.mu.Unlock()
			return existing, false
		}
		h.removeLocked(existing, ReasonSwitchedRoom, &out)
	}

	r, ok := h.rooms[roomID]
	if !ok {
		r = newRoom(roomID)
		h.rooms[roomID] = r
		h.enqueueLifecycleLocked(lifecycleEvent{key: RoutingRoomOpened, payload: domain.RoomLifecycle{
			RoomID: roomID, NodeID: h.nodeID, At: time.Now().UTC(), Members: 1, Initiator: participantID,
		}})
	}
	p := newParticipant(participantID, roomID, h.queueSize)
	h.index[participantID] = p

	r.mu.Lock()
	r.members[participantID] = p
	r.order = append(r.order, participantID)
	members := append([]string(nil), r.order...)
	if ack, err := json.Marshal(domain.Event{Event: domain.EventJoined, RoomID: roomID, ParticipantID: participantID, Members: members}); err == nil {
		p.enqueue(ack)
	}
	frame, err := json.Marshal(domain.Event{Event: domain.EventParticipantJoined, RoomID: roomID, ParticipantID: participantID})
	if err == nil {
		fanout := r.broadcastLocked(frame, participantID)
		out.remote = append(out.remote, hubEvent{Kind: domain.EventParticipantJoined, RoomID: roomID, ExcludeID: participantID, Frame: frame})
		commonlog.Infof("event=signal_hub action=join status=ok room_id=%s participant_id=%s members=%d fanout_count=%d", roomID, participantID, len(members), fanout)
	}
	r.mu.Unlock()
	h.mu.Unlock()

	h.flush(out)
	return p, true
}

// Takeover hands participantID's slot in roomID to a fresh connection. When the
// participant is already there, the old queue is closed and replaced in place
// and the other members see no leave or join. Otherwise it behaves like Join.
func (h *Hub) Takeover(roomID, participantID string) *Participant {
	h.mu.Lock()
	existing, ok := h.index[participantID]
	if !ok || existing.RoomID != roomID {
		h.mu.Unlock()
		if p, joined := h.Join(roomID, participantID); joined {
			return p
		}
		return h.Takeover(roomID, participantID)
	}
	r := h.rooms[roomID]
	p := newParticipant(participantID, roomID, h.queueSize)
	h.index[participantID] = p

	r.mu.Lock()
	existing.closed = true
	close(existing.send)
	r.members[participantID] = p
	members := append([]string(nil), r.order...)
	if ack, err := json.Marshal(domain.Event{Event: domain.EventJoined, RoomID: roomID, ParticipantID: participantID, Members: members}); err == nil {
		p.enqueue(ack)
	}
	r.mu.Unlock()
	h.mu.Unlock()

	commonlog.Infof("event=signal_hub action=takeover status=ok room_id=%s participant_id=%s members=%d", roomID, participantID, len(members))
	return p
}

// Relay delivers payload to every member of roomID except senderID. An unknown
// room is not an error.
func (h *Hub) Relay(roomID, senderID string, payload json.RawMessage) int {
	now := time.Now().UTC()
	frame, err := json.Marshal(domain.Event{
		Event:     domain.EventMessage,
		RoomID:    roomID,
		SenderID:  senderID,
		Payload:   payload,
		Timestamp: &now,
	})
	if err != nil {
		commonlog.Warnf("event=signal_hub action=relay status=failed room_id=%s sender_id=%s error=%v", roomID, senderID, err)
		return 0
	}

	h.mu.RLock()
	r := h.rooms[roomID]
	h.mu.RUnlock()

	fanout := 0
	if r != nil {
		r.mu.Lock()
		fanout = r.broadcastLocked(frame, senderID)
		r.mu.Unlock()
	}
	h.flush(pending{remote: []hubEvent{{Kind: domain.EventMessage, RoomID: roomID, ExcludeID: senderID, Frame: frame}}})
	commonlog.Debugf("event=signal_hub action=relay status=ok room_id=%s sender_id=%s fanout_count=%d", roomID, senderID, fanout)
	return fanout
}

// Leave removes participantID from roomID. It reports whether anything changed.
func (h *Hub) Leave(roomID, participantID string) bool {
	return h.leave(roomID, participantID, nil, ReasonLeft)
}

// Detach removes p only if it is still the registered participant for its id,
// so a stale connection never evicts a newer one.
func (h *Hub) Detach(p *Participant, reason string) bool {
	if p == nil {
		return false
	}
	return h.leave(p.RoomID, p.ID, p, reason)
}

func (h *Hub) leave(roomID, participantID string, expect *Participant, reason string) bool {
	var out pending
	h.mu.Lock()
	p, ok := h.index[participantID]
	if !ok || p.RoomID != roomID || (expect != nil && p != expect) {
		h.mu.Unlock()
		return false
	}
	h.removeLocked(p, reason, &out)
	h.mu.Unlock()

	h.flush(out)
	return true
}

func (h *Hub) removeLocked(p *Participant, reason string, out *pending) {
	delete(h.index, p.ID)
	r, ok := h.rooms[p.RoomID]
	if !ok {
		return
	}

	r.mu.Lock()
	r.removeLocked(p.ID)
	p.closed = true
	close(p.send)
	remaining := len(r.order)
	frame, err := json.Marshal(domain.Event{Event: domain.EventParticipantLeft, RoomID: r.id, ParticipantID: p.ID, Reason: reason})
	fanout := 0
	if err == nil {
		fanout = r.broadcastLocked(frame, p.ID)
		out.remote = append(out.remote, hubEvent{Kind: domain.EventParticipantLeft, RoomID: r.id, ExcludeID: p.ID, Frame: frame})
	}
	r.mu.Unlock()

	if remaining == 0 {
		delete(h.rooms, r.id)
		h.enqueueLifecycleLocked(lifecycleEvent{key: RoutingRoomClosed, payload: domain.RoomLifecycle{
			RoomID: r.id, NodeID: h.nodeID, At: time.Now().UTC(), Initiator: p.ID,
		}})
	}
	commonlog.Infof("event=signal_hub action=leave status=ok room_id=%s participant_id=%s reason=%s remaining=%d fanout_count=%d", r.id, p.ID, reason, remaining, fanout)
}

func (h *Hub) Members(roomID string) []string {
	h.mu.RLock()
	r := h.rooms[roomID]
	h.mu.RUnlock()
	if r == nil {
		return []string{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.order...)
}

func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

func (h *Hub) ParticipantCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.index)
}

// ReapIdle detaches every participant not seen since cutoff and returns their ids.
func (h *Hub) ReapIdle(cutoff time.Time) []string {
	h.mu.RLock()
	stale := make([]*Participant, 0)
	for _, p := range h.index {
		if p.LastSeen().Before(cutoff) {
			stale = append(stale, p)
		}
	}
	h.mu.RUnlock()

	reaped := make([]string, 0, len(stale))
	for _, p := range stale {
		if h.Detach(p, ReasonIdleTimeout) {
			reaped = append(reaped, p.ID)
		}
	}
	return reaped
}

func (h *Hub) RunReaper(ctx context.Context, idleTimeout time.Duration) {
	interval := idleTimeout / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if reaped := h.ReapIdle(now.Add(-idleTimeout)); len(reaped) > 0 {
				commonlog.Infof("event=signal_hub action=reap status=ok count=%d", len(reaped))
			}
		}
	}
}

// Close detaches every participant so their transports shut down.
func (h *Hub) Close() {
	h.StopRedisSubscriber()
	h.mu.RLock()
	all := make([]*Participant, 0, len(h.index))
	for _, p := range h.index {
		all = append(all, p)
	}
	h.mu.RUnlock()
	for _, p := range all {
		h.Detach(p, ReasonShutdown)
	}

	h.mu.Lock()
	queue := h.lifecycle
	h.lifecycle = nil
	h.mu.Unlock()
	if queue != nil {
		close(queue)
		h.lifecycleWG.Wait()
	}
}

func (h *Hub) flush(out pending) {
	h.mu.RLock()
	redisClient := h.redis
	h.mu.RUnlock()

	if redisClient == nil {
		return
	}
	for _, event := range out.remote {
		h.publishRemote(redisClient, event)
	}
}

// enqueueLifecycleLocked must be called with h.mu held for writing.
func (h *Hub) enqueueLifecycleLocked(event lifecycleEvent) {
	if h.lifecycle == nil {
		return
	}
	select {
	case h.lifecycle <- event:
	default:
		commonlog.Warnf("event=signal_hub action=lifecycle status=dropped key=%s room_id=%s queue_size=%d", event.key, event.payload.RoomID, cap(h.lifecycle))
	}
}

func (h *Hub) runLifecycle(queue <-chan lifecycleEvent) {
	defer h.lifecycleWG.Done()
	for event := range queue {
		h.mu.RLock()
		publisher := h.events
		h.mu.RUnlock()
		if publisher != nil {
			h.publishLifecycle(publisher, event)
		}
	}
}

func (h *Hub) publishRemote(client *redis.Client, event hubEvent) {
	event.Origin = h.nodeID
	b, err := json.Marshal(event)
	if err != nil {
		commonlog.Errorf("event=signal_hub action=publish status=failed kind=%s room_id=%s error=%v", event.Kind, event.RoomID, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Publish(ctx, signalEventsChannel, b).Err(); err != nil {
		commonlog.Warnf("event=signal_hub action=publish status=failed kind=%s room_id=%s error=%v", event.Kind, event.RoomID, err)
	}
}

func (h *Hub) publishLifecycle(publisher eventPublisher, event lifecycleEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := publisher.Publish(ctx, event.key, event.payload); err != nil {
		commonlog.Warnf("event=signal_hub action=lifecycle status=failed key=%s room_id=%s error=%v", event.key, event.payload.RoomID, err)
		return
	}
	commonlog.Debugf("event=signal_hub action=lifecycle status=ok key=%s room_id=%s", event.key, event.payload.RoomID)
}

func (h *Hub) StartRedisSubscriber(ctx context.Context) error {
	h.mu.Lock()
	if h.redis == nil {
		h.mu.Unlock()
		return errors.New("redis client is nil")
	}
	if h.redisSub != nil {
		h.mu.Unlock()
		return nil
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := h.redis.Subscribe(subCtx, signalEventsChannel)
	h.redisSub = sub
	h.subCancel = cancel
	h.mu.Unlock()

	go h.consumeEvents(subCtx, sub)
	return nil
}

func (h *Hub) StopRedisSubscriber() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subCancel != nil {
		h.subCancel()
		h.subCancel = nil
	}
	if h.redisSub != nil {
		_ = h.redisSub.Close()
		h.redisSub = nil
	}
}

func (h *Hub) consumeEvents(ctx context.Context, sub *redis.PubSub) {
	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			return
		}
		var event hubEvent
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			continue
		}
		if event.Origin == h.nodeID || len(event.Frame) == 0 {
			continue
		}
		fanout := h.deliverLocal(event.RoomID, event.ExcludeID, event.Frame)
		commonlog.Debugf("event=signal_hub action=consume status=ok kind=%s room_id=%s fanout_count=%d", event.Kind, event.RoomID, fanout)
	}
}

func (h *Hub) deliverLocal(roomID, excludeID string, frame []byte) int {
	h.mu.RLock()
	r := h.rooms[roomID]
	h.mu.RUnlock()
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.broadcastLocked(frame, excludeID)
}
