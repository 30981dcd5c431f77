package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wortley/dechecs/internal/bus"
	"github.com/wortley/dechecs/internal/game"
	"github.com/wortley/dechecs/internal/storage"
)

type fakeTransport struct {
	id string

	mu     sync.Mutex
	events []bus.Event
}

func newFakeTransport(id string) *fakeTransport {
	return &fakeTransport{id: id}
}

func (f *fakeTransport) ID() string { return f.id }

func (f *fakeTransport) Send(ev bus.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeTransport) countEvents(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.events {
		if ev.Name == name {
			n++
		}
	}
	return n
}

// lastEvent returns the most recent event with the given name.
func (f *fakeTransport) lastEvent(name string) (bus.Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i].Name == name {
			return f.events[i], true
		}
	}
	return bus.Event{}, false
}

type fakeLedger struct {
	mu            sync.Mutex
	winnerWallets []string
	draws         int
}

func (f *fakeLedger) DeclareWinner(ctx context.Context, sessionID, winnerAddr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.winnerWallets = append(f.winnerWallets, winnerAddr)
	return nil
}

func (f *fakeLedger) DeclareDraw(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.draws++
	return nil
}

func (f *fakeLedger) winners() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.winnerWallets...)
}

func (f *fakeLedger) drawCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.draws
}

type fixture struct {
	mr       *miniredis.Miniredis
	ctrl     *MatchController
	store    *storage.Client
	eventBus *bus.Bus
	ledger   *fakeLedger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	root, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	config := Config{
		WagerMin:               1,
		WagerMax:               100,
		TimeControls:           []int{3, 5, 10, 30},
		MinRounds:              1,
		MaxRounds:              10,
		ConcurrentSessionLimit: 100,
	}
	store := storage.NewClient(rdb)
	eventBus := bus.New(rdb)
	ledger := &fakeLedger{}
	ctrl := newMatchController(root, config, store, eventBus, ledger, newRegistry())
	ctrl.roundPause = 50 * time.Millisecond

	return &fixture{mr: mr, ctrl: ctrl, store: store, eventBus: eventBus, ledger: ledger}
}

func requireCode(t *testing.T, err error, code ErrorCode) {
	t.Helper()
	var gameErr *GameError
	require.ErrorAs(t, err, &gameErr)
	assert.Equal(t, code, gameErr.Code)
}

func waitForEvent(t *testing.T, tr *fakeTransport, name string) bus.Event {
	t.Helper()
	var found bus.Event
	require.Eventually(t, func() bool {
		ev, ok := tr.lastEvent(name)
		if ok {
			found = ev
		}
		return ok
	}, 2*time.Second, 10*time.Millisecond, "no %s event for %s", name, tr.id)
	return found
}

func decodePayload[T any](t *testing.T, ev bus.Event) T {
	t.Helper()
	var payload T
	require.NoError(t, json.Unmarshal(ev.Data, &payload))
	return payload
}

func (f *fixture) createSession(t *testing.T, tr *fakeTransport, timeControl int, rounds int) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.ctrl.Create(ctx, tr, timeControl, 10, "0x"+tr.id, rounds))
	ev, ok := tr.lastEvent(bus.EventGameID)
	require.True(t, ok, "creator did not receive the session id")
	return decodePayload[string](t, ev)
}

// startMatch seats two players and waits for both start events.
func (f *fixture) startMatch(t *testing.T, rounds int) (alice, bob *fakeTransport, sessionID string) {
	t.Helper()
	alice = newFakeTransport("alice")
	bob = newFakeTransport("bob")
	sessionID = f.createSession(t, alice, 5, rounds)
	require.NoError(t, f.ctrl.Accept(context.Background(), bob, sessionID, "0xbob"))
	waitForEvent(t, alice, bus.EventStart)
	waitForEvent(t, bob, bus.EventStart)
	return alice, bob, sessionID
}

// whiteAndBlack maps the two transports to their current colours.
func (f *fixture) whiteAndBlack(t *testing.T, sessionID string, alice, bob *fakeTransport) (white, black *fakeTransport) {
	t.Helper()
	session, err := f.store.Load(context.Background(), sessionID)
	require.NoError(t, err)
	if session.PlayerAt(game.ColourWhite) == alice.id {
		return alice, bob
	}
	return bob, alice
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := newFakeTransport("alice")

	requireCode(t, f.ctrl.Create(ctx, tr, 7, 10, "0xalice", 1), CodeInvalidRequest)
	requireCode(t, f.ctrl.Create(ctx, tr, 5, 0.5, "0xalice", 1), CodeInvalidRequest)
	requireCode(t, f.ctrl.Create(ctx, tr, 5, 101, "0xalice", 1), CodeInvalidRequest)
	requireCode(t, f.ctrl.Create(ctx, tr, 5, 10, "0xalice", 0), CodeInvalidRequest)
	requireCode(t, f.ctrl.Create(ctx, tr, 5, 10, "0xalice", 11), CodeInvalidRequest)

	_, ok := tr.lastEvent(bus.EventGameID)
	assert.False(t, ok)
}

func TestCreateCapacityLimit(t *testing.T) {
	f := newFixture(t)
	f.ctrl.config.ConcurrentSessionLimit = 1

	f.createSession(t, newFakeTransport("alice"), 5, 1)
	err := f.ctrl.Create(context.Background(), newFakeTransport("carol"), 5, 10, "0xcarol", 1)
	requireCode(t, err, CodeCapacityExceeded)
}

func TestCreateAcceptStartsMatch(t *testing.T) {
	f := newFixture(t)
	alice, bob, sessionID := f.startMatch(t, 3)

	aliceStart := decodePayload[bus.StartPayload](t, waitForEvent(t, alice, bus.EventStart))
	bobStart := decodePayload[bus.StartPayload](t, waitForEvent(t, bob, bus.EventStart))

	assert.Equal(t, 1, aliceStart.Colour+bobStart.Colour, "colours must be complementary")
	assert.Equal(t, int64(5*game.MillisPerMinute), aliceStart.TimeRemaining)
	assert.Equal(t, int64(5*game.MillisPerMinute), bobStart.TimeRemaining)
	assert.Equal(t, 1, aliceStart.Round)
	assert.Equal(t, 3, aliceStart.TotalRounds)

	session, err := f.store.Load(context.Background(), sessionID)
	require.NoError(t, err)
	assert.True(t, session.Full())
	assert.Equal(t, map[string]float64{"alice": 0, "bob": 0}, session.MatchScore)
	assert.Equal(t, "0xbob", session.Wallets["bob"])
}

func TestJoinPreviewsWithoutSeating(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := newFakeTransport("alice")
	sessionID := f.createSession(t, alice, 10, 4)

	bob := newFakeTransport("bob")
	require.NoError(t, f.ctrl.Join(ctx, bob, sessionID))

	ev, ok := bob.lastEvent(bus.EventGameInfo)
	require.True(t, ok)
	info := decodePayload[bus.GameInfoPayload](t, ev)
	assert.Equal(t, float64(10), info.WagerAmount)
	assert.Equal(t, 10, info.TimeControl)
	assert.Equal(t, 4, info.TotalRounds)

	session, err := f.store.Load(ctx, sessionID)
	require.NoError(t, err)
	assert.False(t, session.Full(), "join must not seat the player")
}

func TestJoinUnknownSession(t *testing.T) {
	f := newFixture(t)
	err := f.ctrl.Join(context.Background(), newFakeTransport("bob"), "missing")
	requireCode(t, err, CodeNotFound)
}

func TestThirdPlayerRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, sessionID := f.startMatch(t, 1)

	carol := newFakeTransport("carol")
	requireCode(t, f.ctrl.Join(ctx, carol, sessionID), CodeAlreadyFull)
	requireCode(t, f.ctrl.Accept(ctx, carol, sessionID, "0xcarol"), CodeAlreadyFull)
}

func TestMoveBroadcastsState(t *testing.T) {
	f := newFixture(t)
	alice, bob, sessionID := f.startMatch(t, 1)
	white, _ := f.whiteAndBlack(t, sessionID, alice, bob)

	require.NoError(t, f.ctrl.Move(context.Background(), white, "e2e4"))

	for _, tr := range []*fakeTransport{alice, bob} {
		move := decodePayload[bus.MovePayload](t, waitForEvent(t, tr, bus.EventMove))
		assert.Equal(t, "e2e4", move.Move)
		assert.Equal(t, game.ColourBlack, move.Turn)
		assert.Nil(t, move.Winner)
		assert.Nil(t, move.Outcome)
		assert.NotEmpty(t, move.LegalMoves)
		assert.Equal(t, []string{"e2e4"}, move.MoveStack)

		sync := decodePayload[bus.ClockSyncPayload](t, waitForEvent(t, tr, bus.EventClockSync))
		assert.Positive(t, sync.TimeRemainingWhite)
		assert.Positive(t, sync.TimeRemainingBlack)
	}

	session, err := f.store.Load(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, game.ColourBlack, session.Board.Turn())
}

func TestMoveOutOfTurn(t *testing.T) {
	f := newFixture(t)
	alice, bob, sessionID := f.startMatch(t, 1)
	white, black := f.whiteAndBlack(t, sessionID, alice, bob)

	requireCode(t, f.ctrl.Move(context.Background(), black, "e7e5"), CodeWrongTurn)
	requireCode(t, f.ctrl.Move(context.Background(), white, "e2e6"), CodeIllegalMove)
}

func TestMoveByStranger(t *testing.T) {
	f := newFixture(t)
	f.startMatch(t, 1)
	err := f.ctrl.Move(context.Background(), newFakeTransport("carol"), "e2e4")
	requireCode(t, err, CodeNotFound)
}

func TestResignEndsSingleRoundMatch(t *testing.T) {
	f := newFixture(t)
	alice, bob, sessionID := f.startMatch(t, 1)
	white, black := f.whiteAndBlack(t, sessionID, alice, bob)

	require.NoError(t, f.ctrl.Resign(context.Background(), white))

	move := decodePayload[bus.MovePayload](t, waitForEvent(t, black, bus.EventMove))
	require.NotNil(t, move.Outcome)
	assert.Equal(t, game.OutcomeResignation, *move.Outcome)
	require.NotNil(t, move.Winner)
	assert.Equal(t, game.ColourBlack, *move.Winner)

	ended := decodePayload[bus.MatchEndedPayload](t, waitForEvent(t, black, bus.EventMatchEnded))
	require.NotNil(t, ended.OverallWinner)
	assert.Equal(t, game.ColourBlack, *ended.OverallWinner)
	waitForEvent(t, white, bus.EventMatchEnded)

	assert.Equal(t, []string{"0x" + black.id}, f.ledger.winners())

	session, err := f.store.Load(context.Background(), sessionID)
	require.NoError(t, err)
	assert.True(t, session.Finished)
	assert.Equal(t, float64(1), session.MatchScore[black.id])
	assert.Equal(t, float64(0), session.MatchScore[white.id])
}

func TestAgreedDrawSplitsThePoint(t *testing.T) {
	f := newFixture(t)
	alice, bob, sessionID := f.startMatch(t, 1)

	require.NoError(t, f.ctrl.OfferDraw(context.Background(), alice))
	waitForEvent(t, bob, bus.EventDrawOffer)
	_, aliceSawOffer := alice.lastEvent(bus.EventDrawOffer)
	assert.False(t, aliceSawOffer, "draw offer must reach the opponent only")

	require.NoError(t, f.ctrl.AcceptDraw(context.Background(), bob))

	move := decodePayload[bus.MovePayload](t, waitForEvent(t, alice, bus.EventMove))
	require.NotNil(t, move.Outcome)
	assert.Equal(t, game.OutcomeAgreement, *move.Outcome)
	assert.Nil(t, move.Winner)

	ended := decodePayload[bus.MatchEndedPayload](t, waitForEvent(t, alice, bus.EventMatchEnded))
	assert.Nil(t, ended.OverallWinner)

	require.Eventually(t, func() bool { return f.ledger.drawCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, f.ledger.winners())

	session, err := f.store.Load(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, 0.5, session.MatchScore[alice.id])
	assert.Equal(t, 0.5, session.MatchScore[bob.id])
}

func TestFlagAcceptedWhenClockExpired(t *testing.T) {
	f := newFixture(t)
	alice, bob, sessionID := f.startMatch(t, 1)
	white, black := f.whiteAndBlack(t, sessionID, alice, bob)
	ctx := context.Background()

	// back-date the turn start so white is out of time
	session, err := f.store.Load(ctx, sessionID)
	require.NoError(t, err)
	session.TurnStartedAt = time.Now().UnixMilli() - session.RemainingWhite - 1000
	require.NoError(t, f.store.Save(ctx, session))

	require.NoError(t, f.ctrl.Flag(ctx, black, game.ColourWhite))

	move := decodePayload[bus.MovePayload](t, waitForEvent(t, white, bus.EventMove))
	require.NotNil(t, move.Outcome)
	assert.Equal(t, game.OutcomeTimeout, *move.Outcome)
	require.NotNil(t, move.Winner)
	assert.Equal(t, game.ColourBlack, *move.Winner)
	assert.Zero(t, move.TimeRemainingWhite)

	waitForEvent(t, black, bus.EventMatchEnded)
	assert.Equal(t, []string{"0x" + black.id}, f.ledger.winners())
}

func TestFlagDismissedSilently(t *testing.T) {
	f := newFixture(t)
	alice, bob, sessionID := f.startMatch(t, 1)
	_, black := f.whiteAndBlack(t, sessionID, alice, bob)
	ctx := context.Background()

	// premature claim: white is on turn with plenty of time left
	require.NoError(t, f.ctrl.Flag(ctx, black, game.ColourWhite))
	// claim against the colour not on turn
	require.NoError(t, f.ctrl.Flag(ctx, black, game.ColourBlack))

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, alice.countEvents(bus.EventMove))
	assert.Zero(t, alice.countEvents(bus.EventMatchEnded))

	session, err := f.store.Load(ctx, sessionID)
	require.NoError(t, err)
	assert.False(t, session.Finished)
	assert.Equal(t, int64(5*game.MillisPerMinute), session.RemainingWhite)
}

func TestFlagInvalidColour(t *testing.T) {
	f := newFixture(t)
	alice, _, _ := f.startMatch(t, 1)
	requireCode(t, f.ctrl.Flag(context.Background(), alice, 3), CodeInvalidRequest)
}

func TestMultiRoundProgression(t *testing.T) {
	f := newFixture(t)
	alice, bob, sessionID := f.startMatch(t, 2)
	ctx := context.Background()

	round1 := decodePayload[bus.StartPayload](t, waitForEvent(t, alice, bus.EventStart))

	require.NoError(t, f.ctrl.Resign(ctx, alice))
	waitForEvent(t, bob, bus.EventMove)

	// not the last round: no settlement, no match end
	assert.Empty(t, f.ledger.winners())
	assert.Zero(t, alice.countEvents(bus.EventMatchEnded))

	// after the pause the next round starts with colours reversed
	require.Eventually(t, func() bool {
		return alice.countEvents(bus.EventStart) == 2 && bob.countEvents(bus.EventStart) == 2
	}, 2*time.Second, 10*time.Millisecond)

	round2 := decodePayload[bus.StartPayload](t, waitForEvent(t, alice, bus.EventStart))
	assert.Equal(t, 2, round2.Round)
	assert.NotEqual(t, round1.Colour, round2.Colour)
	assert.Equal(t, int64(5*game.MillisPerMinute), round2.TimeRemaining)

	session, err := f.store.Load(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, session.Round)
	assert.False(t, session.Finished)

	require.NoError(t, f.ctrl.Resign(ctx, alice))

	ended := decodePayload[bus.MatchEndedPayload](t, waitForEvent(t, bob, bus.EventMatchEnded))
	require.NotNil(t, ended.OverallWinner)
	require.Eventually(t, func() bool {
		return len(f.ledger.winners()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"0xbob"}, f.ledger.winners())
}

func TestExitDuringPauseCancelsNextRound(t *testing.T) {
	f := newFixture(t)
	f.ctrl.roundPause = 200 * time.Millisecond
	alice, bob, _ := f.startMatch(t, 2)
	ctx := context.Background()

	require.NoError(t, f.ctrl.Resign(ctx, alice))
	waitForEvent(t, bob, bus.EventMove)

	// alice leaves before the pause elapses: bob wins by abandonment
	f.ctrl.Exit(ctx, alice.id)

	ended := decodePayload[bus.MatchEndedPayload](t, waitForEvent(t, bob, bus.EventMatchEnded))
	require.NotNil(t, ended.OverallWinner)
	move := decodePayload[bus.MovePayload](t, waitForEvent(t, bob, bus.EventMove))
	require.NotNil(t, move.Outcome)
	assert.Equal(t, game.OutcomeAbandoned, *move.Outcome)

	// round two never starts
	time.Sleep(3 * f.ctrl.roundPause)
	assert.Equal(t, 1, bob.countEvents(bus.EventStart))
	assert.Equal(t, []string{"0xbob"}, f.ledger.winners())
}

func TestExitTearsDownEmptySession(t *testing.T) {
	f := newFixture(t)
	alice, bob, sessionID := f.startMatch(t, 1)
	ctx := context.Background()

	require.NoError(t, f.ctrl.Resign(ctx, alice))
	waitForEvent(t, bob, bus.EventMatchEnded)

	f.ctrl.Exit(ctx, alice.id)
	session, err := f.store.Load(ctx, sessionID)
	require.NoError(t, err, "session must survive while one player remains")
	assert.Equal(t, []string{bob.id}, session.Players)

	f.ctrl.Exit(ctx, bob.id)
	_, err = f.store.Load(ctx, sessionID)
	assert.True(t, errors.Is(err, storage.ErrSessionNotFound))
}

func TestRoundEndStoreFailureBroadcastScoped(t *testing.T) {
	f := newFixture(t)
	alice, _, sessionID := f.startMatch(t, 1)

	// corrupt the version companion key so the round-end write cannot land
	require.NoError(t, f.mr.Set("game-version:"+sessionID, "corrupt"))

	err := f.ctrl.Resign(context.Background(), alice)
	var gameErr *GameError
	require.ErrorAs(t, err, &gameErr)
	assert.Equal(t, CodeStoreError, gameErr.Code)
	assert.True(t, gameErr.Broadcast, "round-end store failures affect both players")
	assert.Equal(t, sessionID, gameErr.SessionID)
}

func TestNextRoundStoreFailureBroadcastsError(t *testing.T) {
	f := newFixture(t)
	f.ctrl.roundPause = 200 * time.Millisecond
	alice, bob, sessionID := f.startMatch(t, 2)
	ctx := context.Background()

	require.NoError(t, f.ctrl.Resign(ctx, alice))
	waitForEvent(t, bob, bus.EventMove)

	// break the store before the round-end pause elapses
	require.NoError(t, f.mr.Set("game-version:"+sessionID, "corrupt"))

	ev := waitForEvent(t, alice, bus.EventError)
	errPayload := decodePayload[bus.ErrorPayload](t, ev)
	assert.Contains(t, errPayload.Message, "Store error")
	waitForEvent(t, bob, bus.EventError)
	assert.Equal(t, 1, bob.countEvents(bus.EventStart), "round two must not start")
}

func TestExitWinnerUsesCurrentColours(t *testing.T) {
	f := newFixture(t)
	alice, bob, sessionID := f.startMatch(t, 2)
	ctx := context.Background()

	// swap colours the way a round transition does
	session, err := f.store.Load(ctx, sessionID)
	require.NoError(t, err)
	session.ReverseColours()
	require.NoError(t, f.store.Save(ctx, session))
	bobColour := session.Colour(bob.id)

	f.ctrl.Exit(ctx, alice.id)

	ended := decodePayload[bus.MatchEndedPayload](t, waitForEvent(t, bob, bus.EventMatchEnded))
	require.NotNil(t, ended.OverallWinner)
	assert.Equal(t, bobColour, *ended.OverallWinner)

	move := decodePayload[bus.MovePayload](t, waitForEvent(t, bob, bus.EventMove))
	require.NotNil(t, move.Winner)
	assert.Equal(t, bobColour, *move.Winner)
	assert.Equal(t, []string{"0xbob"}, f.ledger.winners())
}

func TestRematchRestartsSettledMatch(t *testing.T) {
	f := newFixture(t)
	alice, bob, sessionID := f.startMatch(t, 1)
	ctx := context.Background()

	require.NoError(t, f.ctrl.Resign(ctx, alice))
	waitForEvent(t, bob, bus.EventMatchEnded)
	require.Eventually(t, func() bool { return len(f.ledger.winners()) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.ctrl.OfferRematch(ctx, bob))
	waitForEvent(t, alice, bus.EventRematchOffer)
	_, bobSawOffer := bob.lastEvent(bus.EventRematchOffer)
	assert.False(t, bobSawOffer, "rematch offer must reach the opponent only")

	require.NoError(t, f.ctrl.AcceptRematch(ctx, alice))
	require.Eventually(t, func() bool {
		return alice.countEvents(bus.EventStart) == 2 && bob.countEvents(bus.EventStart) == 2
	}, 2*time.Second, 10*time.Millisecond)

	start := decodePayload[bus.StartPayload](t, waitForEvent(t, alice, bus.EventStart))
	assert.Equal(t, 1, start.Round)

	session, err := f.store.Load(ctx, sessionID)
	require.NoError(t, err)
	assert.False(t, session.Finished)
	assert.Equal(t, map[string]float64{"alice": 0, "bob": 0}, session.MatchScore)

	// the new match settles independently of the first
	require.NoError(t, f.ctrl.Resign(ctx, bob))
	require.Eventually(t, func() bool {
		return len(f.ledger.winners()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "0xalice", f.ledger.winners()[1])
}
