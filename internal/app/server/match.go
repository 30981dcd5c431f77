package server

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wortley/dechecs/internal/bus"
	"github.com/wortley/dechecs/internal/game"
	"github.com/wortley/dechecs/internal/storage"
	"github.com/wortley/dechecs/pkg/logging"
)

// casAttempts bounds the load-mutate-save retry on version conflicts.
const casAttempts = 5

// roundEndPause lets clients display the round result before the next round
// starts.
const roundEndPause = 20 * time.Second

type settler interface {
	DeclareWinner(ctx context.Context, sessionID, winnerAddr string) error
	DeclareDraw(ctx context.Context, sessionID string) error
}

// errRoundAbandoned aborts a mutation without saving: the session was
// finished or emptied by the other player while this handler was suspended.
var errRoundAbandoned = errors.New("round abandoned")

// errFlagDismissed marks a spurious timeout claim; it is silent by design.
var errFlagDismissed = errors.New("flag dismissed")

// MatchController drives the session lifecycle:
// AwaitingOpponent -> Active -> RoundEnd -> {NextRoundActive | MatchEnded},
// with MatchEnded able to restart via rematch.
type MatchController struct {
	root     context.Context
	config   Config
	store    *storage.Client
	bus      *bus.Bus
	ledger   settler
	registry *registry
	clock    *game.Clock

	roundPause time.Duration
}

func newMatchController(
	root context.Context,
	config Config,
	store *storage.Client,
	eventBus *bus.Bus,
	ledger settler,
	registry *registry,
) *MatchController {
	return &MatchController{
		root:       root,
		config:     config,
		store:      store,
		bus:        eventBus,
		ledger:     ledger,
		registry:   registry,
		clock:      game.NewClock(),
		roundPause: roundEndPause,
	}
}

// mutate runs one load-mutate-save step against the shared store, retrying
// the whole step on version conflict. The callback must not assume any
// previously loaded copy of the session is still current.
func (m *MatchController) mutate(
	ctx context.Context,
	sessionID string,
	fn func(s *game.Session) error,
) (*game.Session, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		session, err := m.load(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if err := fn(session); err != nil {
			return nil, err
		}
		err = m.store.Save(ctx, session)
		if errors.Is(err, storage.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, errStore(err)
		}
		return session, nil
	}
	return nil, errStore(storage.ErrVersionConflict)
}

func (m *MatchController) load(ctx context.Context, sessionID string) (*game.Session, error) {
	session, err := m.store.Load(ctx, sessionID)
	if errors.Is(err, storage.ErrSessionNotFound) {
		return nil, errNotFound()
	}
	if err != nil {
		return nil, errStore(err)
	}
	return session, nil
}

func (m *MatchController) sessionOf(clientID string) (string, error) {
	sessionID, ok := m.registry.SessionOf(clientID)
	if !ok {
		return "", errNotFound()
	}
	return sessionID, nil
}

func (m *MatchController) subscribe(sessionID string, t transport) {
	sub := m.bus.Subscribe(m.root, sessionID, t.ID(), t.Send)
	m.registry.AddSubscription(sessionID, sub)
}

// Create allocates a new session with the caller as sole player. The new
// session id is returned to the creator only.
func (m *MatchController) Create(
	ctx context.Context,
	t transport,
	timeControl int,
	wager float64,
	walletAddr string,
	totalRounds int,
) error {
	switch {
	case !m.config.validTimeControl(timeControl):
		return errInvalidRequest("Invalid time control")
	case !m.config.validWager(wager):
		return errInvalidRequest("Invalid wager amount")
	case !m.config.validRounds(totalRounds):
		return errInvalidRequest("Invalid round count")
	}

	active, err := m.store.CountActive(ctx)
	if err != nil {
		return errStore(err)
	}
	if active >= m.config.ConcurrentSessionLimit {
		return errCapacityExceeded()
	}

	sessionID := uuid.NewString()
	session := game.NewSession(sessionID, t.ID(), walletAddr, timeControl, wager, totalRounds)
	if err := m.store.Save(ctx, session); err != nil {
		return errStore(err)
	}
	if err := m.store.IncrGamesPlayed(ctx); err != nil {
		logging.Warn("failed to bump usage counter", zap.Error(err))
	}

	m.registry.Bind(t.ID(), sessionID)
	m.subscribe(sessionID, t)

	logging.Info("session created",
		zap.String("session_id", sessionID),
		zap.String("client_id", t.ID()),
	)

	// The id goes straight over the creator's connection, not the bus.
	if err := t.Send(bus.MustEvent(bus.EventGameID, sessionID)); err != nil {
		logging.Error("failed to send game id", zap.String("client_id", t.ID()), zap.Error(err))
	}
	return nil
}

// Join previews a session for a prospective second player without mutating
// it, so the wager can be reviewed before funds are committed.
func (m *MatchController) Join(ctx context.Context, t transport, sessionID string) error {
	session, err := m.load(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Full() {
		return errAlreadyFull()
	}
	info := bus.GameInfoPayload{
		WagerAmount: session.Wager,
		TimeControl: session.TimeControl,
		TotalRounds: session.TotalRounds,
	}
	if err := t.Send(bus.MustEvent(bus.EventGameInfo, info)); err != nil {
		logging.Error("failed to send game info", zap.String("client_id", t.ID()), zap.Error(err))
	}
	return nil
}

// Accept seats the second player, assigns colours at random, starts the
// clock and sends each player an individual start event.
func (m *MatchController) Accept(ctx context.Context, t transport, sessionID, walletAddr string) error {
	session, err := m.mutate(ctx, sessionID, func(s *game.Session) error {
		if s.Full() {
			return errAlreadyFull()
		}
		s.Players = append(s.Players, t.ID())
		s.Wallets[t.ID()] = walletAddr
		s.MatchScore[t.ID()] = 0
		rand.Shuffle(len(s.Players), func(i, j int) {
			s.Players[i], s.Players[j] = s.Players[j], s.Players[i]
		})
		m.clock.Reset(s)
		return nil
	})
	if err != nil {
		return err
	}

	m.registry.Bind(t.ID(), sessionID)
	m.subscribe(sessionID, t)

	logging.Info("session accepted",
		zap.String("session_id", sessionID),
		zap.String("client_id", t.ID()),
	)

	m.publishStart(ctx, session)
	return nil
}

func (m *MatchController) publishStart(ctx context.Context, s *game.Session) {
	for colour, playerID := range s.Players {
		ev := bus.MustEvent(bus.EventStart, bus.StartPayload{
			Colour:        colour,
			TimeRemaining: s.Remaining(colour),
			Round:         s.Round,
			TotalRounds:   s.TotalRounds,
		})
		if err := m.bus.Publish(ctx, s.ID, playerID, ev); err != nil {
			logging.Error("failed to publish start event",
				zap.String("session_id", s.ID),
				zap.String("client_id", playerID),
				zap.Error(err),
			)
		}
	}
}

// finishRound runs after a terminal outcome was persisted. On the last
// round the match is decided and settled; otherwise the next round starts
// after a pause.
func (m *MatchController) finishRound(ctx context.Context, s *game.Session) {
	if s.Finished {
		winner := s.OverallWinner()
		ev := bus.MustEvent(bus.EventMatchEnded, bus.MatchEndedPayload{OverallWinner: winner})
		if err := m.bus.Broadcast(ctx, s.ID, ev); err != nil {
			logging.Error("failed to publish match end", zap.String("session_id", s.ID), zap.Error(err))
		}
		m.settle(ctx, s, winner)
		return
	}
	go m.startNextRound(s.ID)
}

// startNextRound waits out the round-end pause, then reloads the session:
// it may have been abandoned in the interim, in which case no new round
// starts.
func (m *MatchController) startNextRound(sessionID string) {
	timer := time.NewTimer(m.roundPause)
	defer timer.Stop()
	select {
	case <-m.root.Done():
		return
	case <-timer.C:
	}

	session, err := m.mutate(m.root, sessionID, func(s *game.Session) error {
		if s.Finished || !s.Full() {
			return errRoundAbandoned
		}
		s.Round++
		s.Board.Reset()
		s.ReverseColours()
		m.clock.Reset(s)
		return nil
	})
	if err != nil {
		if errors.Is(err, errRoundAbandoned) {
			return
		}
		logging.Warn("next round not started", zap.String("session_id", sessionID), zap.Error(err))
		// this runs detached from any inbound request, so a persistence
		// failure is broadcast from here rather than routed by a handler
		var gameErr *GameError
		if errors.As(broadcastStoreError(err, sessionID), &gameErr) && gameErr.Broadcast {
			ev := bus.MustEvent(bus.EventError, bus.ErrorPayload{Message: gameErr.Message})
			if perr := m.bus.Broadcast(m.root, sessionID, ev); perr != nil {
				logging.Error("failed to broadcast error event", zap.String("session_id", sessionID), zap.Error(perr))
			}
		}
		return
	}

	logging.Info("round started",
		zap.String("session_id", sessionID),
		zap.Int("round", session.Round),
	)
	m.publishStart(m.root, session)
}

// OfferRematch routes a rematch offer to the opponent only.
func (m *MatchController) OfferRematch(ctx context.Context, t transport) error {
	sessionID, err := m.sessionOf(t.ID())
	if err != nil {
		return err
	}
	session, err := m.load(ctx, sessionID)
	if err != nil {
		return err
	}
	opponent, ok := session.Opponent(t.ID())
	if !ok {
		return errNotFound()
	}
	return m.bus.Publish(ctx, sessionID, opponent, bus.MustEvent(bus.EventRematchOffer, nil))
}

// AcceptRematch starts a fresh match on the same session: board and clock
// reset, colours reversed from the prior match's final round, match score
// and round counter cleared.
func (m *MatchController) AcceptRematch(ctx context.Context, t transport) error {
	sessionID, err := m.sessionOf(t.ID())
	if err != nil {
		return err
	}
	session, err := m.mutate(ctx, sessionID, func(s *game.Session) error {
		if !s.Full() {
			return errNotFound()
		}
		s.Board.Reset()
		s.ReverseColours()
		for _, p := range s.Players {
			s.MatchScore[p] = 0
		}
		s.Round = 1
		s.Finished = false
		m.clock.Reset(s)
		return nil
	})
	if err != nil {
		return err
	}
	// the new match needs its own settlement
	if err := m.store.ClearSettled(ctx, sessionID); err != nil {
		logging.Error("failed to clear settlement marker", zap.String("session_id", sessionID), zap.Error(err))
	}

	logging.Info("rematch started", zap.String("session_id", sessionID))
	m.publishStart(ctx, session)
	return nil
}

// Exit handles a client leaving, by request or by disconnect. Leaving an
// unfinished two-player match forfeits it by abandonment.
func (m *MatchController) Exit(ctx context.Context, clientID string) {
	sessionID, ok := m.registry.SessionOf(clientID)
	if !ok {
		return
	}

	session, err := m.store.Load(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, storage.ErrSessionNotFound) {
			logging.Error("failed to load session on exit", zap.String("session_id", sessionID), zap.Error(err))
		}
		m.teardownClient(sessionID, clientID)
		return
	}

	if session.Full() && !session.Finished {
		// the winner's colour comes from the copy inside the versioned
		// write: a round-end colour swap may land between load and mutate
		var winner int
		saved, err := m.mutate(ctx, sessionID, func(s *game.Session) error {
			if !s.Full() || s.Finished {
				return errRoundAbandoned
			}
			colour := s.Colour(clientID)
			if colour < 0 {
				return errRoundAbandoned
			}
			winner = opponentColour(colour)
			s.Finished = true
			return nil
		})
		switch {
		case err == nil:
			session = saved
			outcome := game.OutcomeAbandoned
			m.broadcastControlMove(ctx, session, &winner, outcome)
			ev := bus.MustEvent(bus.EventMatchEnded, bus.MatchEndedPayload{OverallWinner: &winner})
			if err := m.bus.Broadcast(ctx, sessionID, ev); err != nil {
				logging.Error("failed to publish match end", zap.String("session_id", sessionID), zap.Error(err))
			}
			m.settle(ctx, session, &winner)
			logging.Info("session abandoned",
				zap.String("session_id", sessionID),
				zap.String("client_id", clientID),
			)
		case errors.Is(err, errRoundAbandoned):
			// the other player got there first
		default:
			logging.Error("failed to finish abandoned session", zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	m.clearSession(ctx, clientID, session)
}

func (m *MatchController) teardownClient(sessionID, clientID string) {
	m.registry.Unbind(clientID)
	for _, sub := range m.registry.RemoveClientSubscriptions(sessionID, clientID) {
		sub.Cancel()
	}
}

// clearSession tears down the leaving client's bindings. The last
// participant to leave takes the whole session with it: remaining
// subscriptions are cancelled and the store entry deleted.
func (m *MatchController) clearSession(ctx context.Context, clientID string, session *game.Session) {
	m.teardownClient(session.ID, clientID)

	if session.Full() {
		if _, err := m.mutate(ctx, session.ID, func(s *game.Session) error {
			s.RemovePlayer(clientID)
			return nil
		}); err != nil {
			logging.Error("failed to remove player from session",
				zap.String("session_id", session.ID),
				zap.Error(err),
			)
		}
		return
	}

	for _, sub := range m.registry.ClearSubscriptions(session.ID) {
		sub.Cancel()
	}
	if err := m.store.Delete(ctx, session.ID); err != nil {
		logging.Error("failed to delete session", zap.String("session_id", session.ID), zap.Error(err))
	}
	logging.Info("session cleared", zap.String("session_id", session.ID))
}

// settle submits the match outcome to the ledger, at most once per match.
// Failures are logged, never rolled back: finished state already persisted.
func (m *MatchController) settle(ctx context.Context, s *game.Session, winner *int) {
	ok, err := m.store.MarkSettled(ctx, s.ID)
	if err != nil {
		logging.Error("failed to record settlement marker", zap.String("session_id", s.ID), zap.Error(err))
		return
	}
	if !ok {
		logging.Warn("settlement already submitted", zap.String("session_id", s.ID))
		return
	}
	if winner != nil {
		err = m.ledger.DeclareWinner(ctx, s.ID, s.Wallets[s.PlayerAt(*winner)])
	} else {
		err = m.ledger.DeclareDraw(ctx, s.ID)
	}
	if err != nil {
		logging.Error("settlement failed", zap.String("session_id", s.ID), zap.Error(err))
	}
}

func opponentColour(colour int) int {
	return 1 - colour
}

func applyRoundScore(s *game.Session, winner *int) {
	if winner == nil {
		for _, p := range s.Players {
			s.MatchScore[p] += 0.5
		}
		return
	}
	s.MatchScore[s.PlayerAt(*winner)]++
}
