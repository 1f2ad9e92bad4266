package runtime

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"

	"dm-relay/bus"
	"dm-relay/domain"
	"dm-relay/domain/event"
	apperrors "dm-relay/errors"
	"dm-relay/moderation"
	"dm-relay/queue"
	"dm-relay/repositories"
	"dm-relay/runtime/workers"
)

type chanSink struct {
	id     string
	events chan event.Event
}

func newChanSink() *chanSink {
	return &chanSink{id: uuid.NewString(), events: make(chan event.Event, 16)}
}

func (s *chanSink) ID() string { return s.id }

func (s *chanSink) Consume(ctx context.Context, e event.Event) error {
	select {
	case s.events <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *chanSink) next(t *testing.T) event.Event {
	t.Helper()
	select {
	case e := <-s.events:
		return e
	case <-time.After(2 * time.Second):
		require.Fail(t, "no event received in time")
		return nil
	}
}

func (s *chanSink) expectSilence(t *testing.T) {
	t.Helper()
	select {
	case e := <-s.events:
		require.Failf(t, "unexpected event", "%s", e.Name())
	case <-time.After(100 * time.Millisecond):
	}
}

type relayFixture struct {
	repo   *repositories.MessageRepository
	bus    *bus.Memory
	outbox *queue.Outbox
}

// newRelayFixture builds the shared collaborators of a multi-instance
// relay: one store, one bus, optionally one outbox.
func newRelayFixture(t *testing.T, withOutbox bool) *relayFixture {
	t.Helper()
	req := require.New(t)
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	req.NoError(err)
	t.Cleanup(func() { _ = db.Close() })

	repo, err := repositories.NewMessageRepository(db, slog.Default(), 50)
	req.NoError(err)
	t.Cleanup(func() { _ = repo.Close() })

	memory := bus.NewMemory()
	t.Cleanup(memory.Close)

	fixture := &relayFixture{repo: repo, bus: memory}
	if withOutbox {
		outbox, err := queue.NewOutbox(db, slog.Default())
		req.NoError(err)
		t.Cleanup(func() { _ = outbox.Close() })
		fixture.outbox = outbox
	}
	return fixture
}

// newInstance starts one engine as if it were a separate process sharing
// the fixture's bus and store.
func (f *relayFixture) newInstance(t *testing.T, mode PersistenceMode, moderator *moderation.Moderator) *Engine {
	t.Helper()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	engine, err := NewEngine(log, NewPresence(), f.repo, f.bus, mode, f.outbox, moderator, time.Second)
	require.NoError(t, err)
	require.NoError(t, engine.Start())
	return engine
}

func TestEngine_Send_Delivers_Cross_Instance(t *testing.T) {
	req := require.New(t)
	fixture := newRelayFixture(t, false)
	instanceA := fixture.newInstance(t, PersistSync, nil)
	instanceB := fixture.newInstance(t, PersistSync, nil)

	// Given alice and bob are connected to different instances
	alice := newChanSink()
	bob := newChanSink()
	instanceA.Register("alice", alice)
	instanceB.Register("bob", bob)

	// When alice sends a message through her instance
	sent, err := instanceA.Send(context.Background(), domain.SendCommand{
		From: "alice", To: "bob", Text: "hi", TempID: "tmp-1",
	})
	req.NoError(err)
	req.NotZero(sent.ID)
	req.Equal(domain.StatusSent, sent.Status)
	req.Equal("alice:bob", sent.ConversationKey)

	// Then alice is acknowledged with her correlation token
	ack, ok := alice.next(t).(event.MessageAccepted)
	req.True(ok)
	req.Equal("tmp-1", ack.TempID)
	req.Equal(sent.ID, ack.Message.ID)

	// And bob receives exactly one push on his instance
	pushed, ok := bob.next(t).(event.NewMessage)
	req.True(ok)
	req.Equal(sent.ID, pushed.Message.ID)
	req.Equal("hi", pushed.Message.Text)
	req.Equal(domain.StatusSent, pushed.Message.Status)
	bob.expectSilence(t)
}

func TestEngine_Send_Offline_Recipient(t *testing.T) {
	req := require.New(t)
	fixture := newRelayFixture(t, false)
	instance := fixture.newInstance(t, PersistSync, nil)

	alice := newChanSink()
	instance.Register("alice", alice)

	// When alice writes to an offline bob
	sent, err := instance.Send(context.Background(), domain.SendCommand{
		From: "alice", To: "bob", Text: "see you", TempID: "tmp-2",
	})
	req.NoError(err)

	// Then she is still acknowledged immediately
	_, ok := alice.next(t).(event.MessageAccepted)
	req.True(ok)

	// And the message waits in history with status sent
	messages, _, err := instance.History("bob", "alice", nil)
	req.NoError(err)
	req.Len(messages, 1)
	req.Equal(sent.ID, messages[0].ID)
	req.Equal(domain.StatusSent, messages[0].Status)
}

func TestEngine_Send_Rejects_Invalid_Command(t *testing.T) {
	req := require.New(t)
	fixture := newRelayFixture(t, false)
	instance := fixture.newInstance(t, PersistSync, nil)

	bob := newChanSink()
	instance.Register("bob", bob)

	for _, cmd := range []domain.SendCommand{
		{From: "alice", To: "bob", Text: ""},
		{From: "", To: "bob", Text: "hi"},
		{From: "alice", To: "alice", Text: "hi"},
		{From: "ali:ce", To: "bob", Text: "hi"},
	} {
		_, err := instance.Send(context.Background(), cmd)
		req.ErrorIs(err, apperrors.ErrConstraintViolation)
	}

	// Nothing was published for the rejected sends
	bob.expectSilence(t)
}

func TestEngine_Delivered_And_Read_Notify_Original_Sender(t *testing.T) {
	req := require.New(t)
	fixture := newRelayFixture(t, false)
	instanceA := fixture.newInstance(t, PersistSync, nil)
	instanceB := fixture.newInstance(t, PersistSync, nil)

	alice := newChanSink()
	bob := newChanSink()
	instanceA.Register("alice", alice)
	instanceB.Register("bob", bob)

	sent, err := instanceA.Send(context.Background(), domain.SendCommand{
		From: "alice", To: "bob", Text: "hi", TempID: "tmp-3",
	})
	req.NoError(err)
	alice.next(t) // acknowledgment
	bob.next(t)   // new message push

	// When bob acknowledges delivery on his instance
	req.NoError(instanceB.MarkDelivered(context.Background(), sent.ID))

	// Then alice is notified across instances
	status, ok := alice.next(t).(event.StatusChanged)
	req.True(ok)
	req.Equal(sent.ID, status.MessageID)
	req.Equal(domain.StatusDelivered, status.Status)

	// And a repeated acknowledgment is silently absorbed
	req.NoError(instanceB.MarkDelivered(context.Background(), sent.ID))
	alice.expectSilence(t)

	// When bob acknowledges view per message
	req.NoError(instanceB.MarkRead(context.Background(), sent.ID))
	status, ok = alice.next(t).(event.StatusChanged)
	req.True(ok)
	req.Equal(domain.StatusRead, status.Status)

	messages, _, err := instanceA.History("alice", "bob", nil)
	req.NoError(err)
	req.Equal(domain.StatusRead, messages[0].Status)
}

func TestEngine_Status_Update_Unknown_Message(t *testing.T) {
	req := require.New(t)
	fixture := newRelayFixture(t, false)
	instance := fixture.newInstance(t, PersistSync, nil)

	err := instance.MarkDelivered(context.Background(), 999)
	req.ErrorIs(err, apperrors.ErrUnknownMessage)
}

func TestEngine_OpenConversation_Marks_Read_And_Notifies(t *testing.T) {
	req := require.New(t)
	fixture := newRelayFixture(t, false)
	instanceA := fixture.newInstance(t, PersistSync, nil)
	instanceB := fixture.newInstance(t, PersistSync, nil)

	alice := newChanSink()
	bob := newChanSink()
	instanceA.Register("alice", alice)
	instanceB.Register("bob", bob)

	sent, err := instanceA.Send(context.Background(), domain.SendCommand{
		From: "alice", To: "bob", Text: "hi", TempID: "tmp-4",
	})
	req.NoError(err)
	alice.next(t)
	bob.next(t)

	// When bob opens the conversation
	req.NoError(instanceB.OpenConversation(context.Background(), "bob", "alice"))

	// Then alice gets the bulk notification
	read, ok := alice.next(t).(event.ConversationRead)
	req.True(ok)
	req.Equal("bob", read.Opener)
	req.Equal("alice", read.Counterparty)

	// And the store eventually reflects the read status
	req.Eventually(func() bool {
		messages, _, err := instanceA.History("alice", "bob", nil)
		return err == nil && len(messages) == 1 && messages[0].Status == domain.StatusRead
	}, 2*time.Second, 20*time.Millisecond)
	req.NotZero(sent.ID)
}

func TestEngine_Queued_Send_Acknowledges_Before_Persist(t *testing.T) {
	req := require.New(t)
	fixture := newRelayFixture(t, true)
	instance := fixture.newInstance(t, PersistQueued, nil)

	alice := newChanSink()
	bob := newChanSink()
	instance.Register("alice", alice)
	instance.Register("bob", bob)

	// When alice sends while the drain loop is not running yet
	sent, err := instance.Send(context.Background(), domain.SendCommand{
		From: "alice", To: "bob", Text: "hi", TempID: "tmp-5",
	})
	req.NoError(err)
	req.NotZero(sent.ID)

	// Then the acknowledgment and the push do not wait for the store
	ack, ok := alice.next(t).(event.MessageAccepted)
	req.True(ok)
	req.Equal(sent.ID, ack.Message.ID)
	bob.next(t)

	messages, _, err := instance.History("alice", "bob", nil)
	req.NoError(err)
	req.Empty(messages)

	// When the drain worker runs
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	drain := workers.NewOutboxDrain(fixture.outbox, fixture.repo, fixture.bus, slog.Default(), 10*time.Millisecond)
	go func() { _ = drain.Run(ctx) }()

	// Then the message eventually lands with the id the sender already saw
	req.Eventually(func() bool {
		messages, _, err := instance.History("alice", "bob", nil)
		return err == nil && len(messages) == 1 && messages[0].ID == sent.ID
	}, 2*time.Second, 20*time.Millisecond)
}

func TestEngine_Queued_Delivered_Ack_Races_Drain(t *testing.T) {
	req := require.New(t)
	fixture := newRelayFixture(t, true)
	instance := fixture.newInstance(t, PersistQueued, nil)

	alice := newChanSink()
	bob := newChanSink()
	instance.Register("alice", alice)
	instance.Register("bob", bob)

	// Given bob receives the push before the row has landed
	sent, err := instance.Send(context.Background(), domain.SendCommand{
		From: "alice", To: "bob", Text: "hi", TempID: "tmp-7",
	})
	req.NoError(err)
	alice.next(t) // acknowledgment
	bob.next(t)   // new message push

	// When bob acknowledges delivery ahead of the drain loop
	req.NoError(instance.MarkDelivered(context.Background(), sent.ID))

	// And the drain worker catches up
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	drain := workers.NewOutboxDrain(fixture.outbox, fixture.repo, fixture.bus, slog.Default(), 10*time.Millisecond)
	go func() { _ = drain.Run(ctx) }()

	// Then the transition is not lost: alice is notified once the row lands
	status, ok := alice.next(t).(event.StatusChanged)
	req.True(ok)
	req.Equal(sent.ID, status.MessageID)
	req.Equal(domain.StatusDelivered, status.Status)

	// And the store reflects it
	req.Eventually(func() bool {
		messages, _, err := instance.History("alice", "bob", nil)
		return err == nil && len(messages) == 1 && messages[0].Status == domain.StatusDelivered
	}, 2*time.Second, 20*time.Millisecond)
}

func TestEngine_Send_Censors_Text(t *testing.T) {
	req := require.New(t)
	fixture := newRelayFixture(t, false)
	moderator, err := moderation.NewModerator([]string{"idiot"}, '*')
	req.NoError(err)
	instance := fixture.newInstance(t, PersistSync, moderator)

	bob := newChanSink()
	instance.Register("bob", bob)

	sent, err := instance.Send(context.Background(), domain.SendCommand{
		From: "alice", To: "bob", Text: "you idiot", TempID: "tmp-6",
	})
	req.NoError(err)
	req.Equal("you *****", sent.Text)

	pushed, ok := bob.next(t).(event.NewMessage)
	req.True(ok)
	req.Equal("you *****", pushed.Message.Text)

	messages, _, err := instance.History("alice", "bob", nil)
	req.NoError(err)
	req.Equal("you *****", messages[0].Text)
}
