// Package storetest provides an in-memory coordination store with the
// same method surface and semantics as the live one. Role tests run
// their loops against it; seed helpers put records directly into the
// maps so scenarios can start from any state.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/FishoutG/queue-sim/internal/store"
)

type playerRec struct {
	p         store.Player
	expiresAt time.Time
}

type lockRec struct {
	token     string
	expiresAt time.Time
}

// Store is a drop-in fake. The zero value is not usable; call New.
type Store struct {
	mu sync.Mutex

	// PlayerTTL mirrors the live store's record lifetime.
	PlayerTTL time.Duration

	// Hook, when set, runs before every operation and may inject a
	// failure. The op name matches the method name.
	Hook func(op string) error

	players     map[string]playerRec
	queue       []string
	sessions    map[string]store.Session
	avail       map[string]int64
	games       map[string]store.Game
	gamePlayers map[string]map[string]bool
	locks       map[string]lockRec

	events []store.Event
	subs   map[int]chan store.Event
	nextID int
}

// New returns an empty store.
func New() *Store {
	return &Store{
		PlayerTTL:   10 * time.Minute,
		players:     make(map[string]playerRec),
		sessions:    make(map[string]store.Session),
		avail:       make(map[string]int64),
		games:       make(map[string]store.Game),
		gamePlayers: make(map[string]map[string]bool),
		locks:       make(map[string]lockRec),
		subs:        make(map[int]chan store.Event),
	}
}

func (s *Store) hook(op string) error {
	if s.Hook != nil {
		return s.Hook(op)
	}
	return nil
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// --- players ---

func (s *Store) livePlayer(id string) (store.Player, bool) {
	rec, ok := s.players[id]
	if !ok {
		return store.Player{}, false
	}
	if !rec.expiresAt.IsZero() && time.Now().After(rec.expiresAt) {
		delete(s.players, id)
		return store.Player{}, false
	}
	return rec.p, true
}

func (s *Store) putPlayer(p store.Player) {
	s.players[p.ID] = playerRec{p: p, expiresAt: time.Now().Add(s.PlayerTTL)}
}

func (s *Store) EnsurePlayer(_ context.Context, id string) error {
	if err := s.hook("EnsurePlayer"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.livePlayer(id)
	if !ok {
		p = store.Player{ID: id, State: store.StateLobby}
	}
	p.HeartbeatAt = nowMillis()
	s.putPlayer(p)
	return nil
}

func (s *Store) TouchPlayer(ctx context.Context, id string) error {
	return s.EnsurePlayer(ctx, id)
}

func (s *Store) SetPlayerReady(_ context.Context, id string) error {
	if err := s.hook("SetPlayerReady"); err != nil {
		return err
	}
	s.setState(id, store.StateReady)
	return nil
}

func (s *Store) SetPlayerLobby(_ context.Context, id string) error {
	if err := s.hook("SetPlayerLobby"); err != nil {
		return err
	}
	s.setState(id, store.StateLobby)
	return nil
}

func (s *Store) setState(id, state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.livePlayer(id)
	if !ok {
		p = store.Player{ID: id}
	}
	p.State = state
	p.HeartbeatAt = nowMillis()
	s.putPlayer(p)
}

func (s *Store) DemoteIdlePlayer(_ context.Context, id string) error {
	if err := s.hook("DemoteIdlePlayer"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.livePlayer(id)
	if ok && p.State != store.StateLobby {
		return nil
	}
	s.putPlayer(store.Player{ID: id, State: store.StateLobby, HeartbeatAt: nowMillis()})
	return nil
}

func (s *Store) ResetPlayerToLobby(_ context.Context, id string) error {
	if err := s.hook("ResetPlayerToLobby"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putPlayer(store.Player{ID: id, State: store.StateLobby, HeartbeatAt: nowMillis()})
	return nil
}

func (s *Store) Player(_ context.Context, id string) (store.Player, error) {
	if err := s.hook("Player"); err != nil {
		return store.Player{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.livePlayer(id)
	if !ok {
		return store.Player{}, store.ErrNotFound
	}
	return p, nil
}

func (s *Store) PlayerStates(_ context.Context, ids []string) (map[string]store.Player, error) {
	if err := s.hook("PlayerStates"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]store.Player, len(ids))
	for _, id := range ids {
		if p, ok := s.livePlayer(id); ok {
			out[id] = p
		}
	}
	return out, nil
}

func (s *Store) ScanPlayers(_ context.Context, fn func(store.Player) error) error {
	if err := s.hook("ScanPlayers"); err != nil {
		return err
	}
	s.mu.Lock()
	snapshot := make([]store.Player, 0, len(s.players))
	for id := range s.players {
		if p, ok := s.livePlayer(id); ok {
			snapshot = append(snapshot, p)
		}
	}
	s.mu.Unlock()
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].ID < snapshot[j].ID })
	for _, p := range snapshot {
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

// --- queue ---

func (s *Store) PushReady(_ context.Context, id string) error {
	if err := s.hook("PushReady"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, id)
	return nil
}

func (s *Store) PopReady(_ context.Context, n int64) ([]string, error) {
	if err := s.hook("PopReady"); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if int64(len(s.queue)) < n {
		n = int64(len(s.queue))
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]string, n)
	copy(out, s.queue[:n])
	s.queue = append([]string(nil), s.queue[n:]...)
	return out, nil
}

func (s *Store) ReturnReady(_ context.Context, ids []string) error {
	if err := s.hook("ReturnReady"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, ids...)
	return nil
}

func (s *Store) QueueLen(_ context.Context) (int64, error) {
	if err := s.hook("QueueLen"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.queue)), nil
}

func (s *Store) QueueSnapshot(_ context.Context) ([]string, error) {
	if err := s.hook("QueueSnapshot"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queue...), nil
}

func (s *Store) RemoveQueued(_ context.Context, id string) (int64, error) {
	if err := s.hook("RemoveQueued"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	kept := s.queue[:0]
	for _, q := range s.queue {
		if q == id {
			removed++
			continue
		}
		kept = append(kept, q)
	}
	s.queue = kept
	return removed, nil
}

// --- sessions ---

func (s *Store) recompute(id string) {
	sess, ok := s.sessions[id]
	if !ok {
		delete(s.avail, id)
		return
	}
	avail := sess.MaxSlots - sess.ActiveGames
	if avail < 0 {
		avail = 0
	}
	sess.AvailableSlots = avail
	sess.UpdatedAt = nowMillis()
	s.sessions[id] = sess
	if avail > 0 {
		s.avail[id] = avail
	} else {
		delete(s.avail, id)
	}
}

// pickAvailable mirrors ZREVRANGE ordering: highest score first, ties
// broken by descending member.
func (s *Store) pickAvailable() (string, bool) {
	best := ""
	var bestScore int64 = -1
	for id, score := range s.avail {
		if score > bestScore || (score == bestScore && id > best) {
			best, bestScore = id, score
		}
	}
	return best, bestScore >= 0
}

func (s *Store) ReserveSlot(_ context.Context) (string, error) {
	if err := s.hook("ReserveSlot"); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		id, ok := s.pickAvailable()
		if !ok {
			return "", store.ErrNoCapacity
		}
		sess, exists := s.sessions[id]
		if exists && sess.ActiveGames < sess.MaxSlots {
			sess.ActiveGames++
			s.sessions[id] = sess
			s.recompute(id)
			return id, nil
		}
		if exists {
			sess.AvailableSlots = 0
			s.sessions[id] = sess
		}
		delete(s.avail, id)
	}
}

func (s *Store) ReleaseSlot(_ context.Context, sessionID string) error {
	if err := s.hook("ReleaseSlot"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	if sess.ActiveGames > 0 {
		sess.ActiveGames--
	}
	s.sessions[sessionID] = sess
	s.recompute(sessionID)
	return nil
}

func (s *Store) AppendSessionGame(_ context.Context, sessionID, gameID string) error {
	if err := s.hook("AppendSessionGame"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	for _, id := range sess.GameIDs {
		if id == gameID {
			return nil
		}
	}
	sess.GameIDs = append(append([]string(nil), sess.GameIDs...), gameID)
	sess.UpdatedAt = nowMillis()
	s.sessions[sessionID] = sess
	return nil
}

func (s *Store) RemoveSessionGame(_ context.Context, sessionID, gameID string) (bool, error) {
	if err := s.hook("RemoveSessionGame"); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return false, nil
	}
	kept := make([]string, 0, len(sess.GameIDs))
	removed := false
	for _, id := range sess.GameIDs {
		if id == gameID {
			removed = true
			continue
		}
		kept = append(kept, id)
	}
	if !removed {
		return false, nil
	}
	sess.GameIDs = kept
	if sess.ActiveGames > 0 {
		sess.ActiveGames--
	}
	s.sessions[sessionID] = sess
	s.recompute(sessionID)
	return true, nil
}

func (s *Store) RefreshSessionAvailability(_ context.Context, sessionID string) (int64, error) {
	if err := s.hook("RefreshSessionAvailability"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		delete(s.avail, sessionID)
		return -1, nil
	}
	s.recompute(sessionID)
	return s.sessions[sessionID].AvailableSlots, nil
}

func (s *Store) WriteSessionState(_ context.Context, sess store.Session) error {
	if err := s.hook("WriteSessionState"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.GameIDs = append([]string(nil), sess.GameIDs...)
	s.sessions[sess.ID] = sess
	s.recompute(sess.ID)
	return nil
}

func (s *Store) Session(_ context.Context, id string) (store.Session, error) {
	if err := s.hook("Session"); err != nil {
		return store.Session{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return store.Session{}, store.ErrNotFound
	}
	sess.GameIDs = append([]string(nil), sess.GameIDs...)
	return sess, nil
}

func (s *Store) Sessions(_ context.Context) ([]store.Session, error) {
	if err := s.hook("Sessions"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sess.GameIDs = append([]string(nil), sess.GameIDs...)
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DeleteSession(_ context.Context, id string) error {
	if err := s.hook("DeleteSession"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	delete(s.avail, id)
	return nil
}

func (s *Store) AvailableCapacity(_ context.Context) (store.Capacity, error) {
	if err := s.hook("AvailableCapacity"); err != nil {
		return store.Capacity{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var c store.Capacity
	for _, score := range s.avail {
		c.Sessions++
		c.Slots += score
	}
	return c, nil
}

func (s *Store) AvailabilityIndex(_ context.Context) (map[string]int64, error) {
	if err := s.hook("AvailabilityIndex"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.avail))
	for id, score := range s.avail {
		out[id] = score
	}
	return out, nil
}

func (s *Store) DropAvailability(_ context.Context, sessionID string) error {
	if err := s.hook("DropAvailability"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.avail, sessionID)
	return nil
}

// --- games ---

func (s *Store) CreateGame(ctx context.Context, g store.Game, players []string) error {
	if err := s.hook("CreateGame"); err != nil {
		return err
	}
	s.mu.Lock()
	g.State = store.GameRunning
	s.games[g.ID] = g
	set := make(map[string]bool, len(players))
	now := nowMillis()
	for _, p := range players {
		set[p] = true
		s.putPlayer(store.Player{
			ID: p, State: store.StateInGame,
			GameID: g.ID, SessionID: g.SessionID, HeartbeatAt: now,
		})
	}
	s.gamePlayers[g.ID] = set
	s.mu.Unlock()
	return s.AppendSessionGame(ctx, g.SessionID, g.ID)
}

func (s *Store) Game(_ context.Context, id string) (store.Game, error) {
	if err := s.hook("Game"); err != nil {
		return store.Game{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.games[id]
	if !ok {
		return store.Game{}, store.ErrNotFound
	}
	return g, nil
}

func (s *Store) GamePlayers(_ context.Context, id string) ([]string, error) {
	if err := s.hook("GamePlayers"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.gamePlayers[id]))
	for p := range s.gamePlayers[id] {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) ScanGames(_ context.Context, fn func(store.Game) error) error {
	if err := s.hook("ScanGames"); err != nil {
		return err
	}
	s.mu.Lock()
	snapshot := make([]store.Game, 0, len(s.games))
	for _, g := range s.games {
		snapshot = append(snapshot, g)
	}
	s.mu.Unlock()
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].ID < snapshot[j].ID })
	for _, g := range snapshot {
		if err := fn(g); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) FinishGame(_ context.Context, gameID string, players []string) error {
	if err := s.hook("FinishGame"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.games[gameID]
	if ok {
		g.State = store.GameFinished
		g.FinishedAt = nowMillis()
		s.games[gameID] = g
	}
	for _, id := range players {
		p, alive := s.livePlayer(id)
		if !alive || p.GameID != gameID {
			continue
		}
		s.putPlayer(store.Player{ID: id, State: store.StateLobby, HeartbeatAt: nowMillis()})
	}
	return nil
}

// --- locks ---

func (s *Store) AcquireLock(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	if err := s.hook("AcquireLock"); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.locks[key]; ok && time.Now().Before(rec.expiresAt) {
		return "", false, nil
	}
	token := uuid.NewString()
	s.locks[key] = lockRec{token: token, expiresAt: time.Now().Add(ttl)}
	return token, true, nil
}

func (s *Store) ReleaseLock(_ context.Context, key, token string) error {
	if err := s.hook("ReleaseLock"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.locks[key]; ok && rec.token == token {
		delete(s.locks, key)
	}
	return nil
}

// --- events ---

func (s *Store) PublishMatchFound(_ context.Context, ev store.Event) error {
	if err := s.hook("PublishMatchFound"); err != nil {
		return err
	}
	ev.Kind = store.EventMatchFound
	s.publish(ev)
	return nil
}

func (s *Store) PublishMatchEnded(_ context.Context, ev store.Event) error {
	if err := s.hook("PublishMatchEnded"); err != nil {
		return err
	}
	ev.Kind = store.EventMatchEnded
	s.publish(ev)
	return nil
}

func (s *Store) publish(ev store.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (s *Store) SubscribeEvents(ctx context.Context, _ zerolog.Logger) (<-chan store.Event, error) {
	if err := s.hook("SubscribeEvents"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	ch := make(chan store.Event, 64)
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// --- test helpers ---

// SeedPlayer installs a record verbatim, leaving HeartbeatAt untouched so
// tests can backdate heartbeats.
func (s *Store) SeedPlayer(p store.Player) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.players[p.ID] = playerRec{p: p, expiresAt: time.Now().Add(s.PlayerTTL)}
}

// SeedSession installs a session record and syncs the index. Unlike the
// write operations it preserves the given UpdatedAt, so tests can model
// records whose runner went silent.
func (s *Store) SeedSession(sess store.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.GameIDs = append([]string(nil), sess.GameIDs...)
	avail := sess.MaxSlots - sess.ActiveGames
	if avail < 0 {
		avail = 0
	}
	sess.AvailableSlots = avail
	s.sessions[sess.ID] = sess
	if avail > 0 {
		s.avail[sess.ID] = avail
	} else {
		delete(s.avail, sess.ID)
	}
}

// SeedGame installs a game record with its player set, without touching
// player or session records.
func (s *Store) SeedGame(g store.Game, players []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.games[g.ID] = g
	set := make(map[string]bool, len(players))
	for _, p := range players {
		set[p] = true
	}
	s.gamePlayers[g.ID] = set
}

// SeedAvailability forces a raw index entry, bypassing the session
// record. Lets tests model a stale or malformed index.
func (s *Store) SeedAvailability(sessionID string, score int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.avail[sessionID] = score
}

// DeleteGame wipes a game record and its player set, simulating a
// vanished or manually purged game.
func (s *Store) DeleteGame(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.games, id)
	delete(s.gamePlayers, id)
}

// ExpirePlayer simulates TTL expiry.
func (s *Store) ExpirePlayer(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.players, id)
}

// ExpireLock simulates lease expiry.
func (s *Store) ExpireLock(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, key)
}

// LockHeld reports whether a live lease exists for key.
func (s *Store) LockHeld(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.locks[key]
	return ok && time.Now().Before(rec.expiresAt)
}

// PublishedEvents returns everything published so far, in order.
func (s *Store) PublishedEvents() []store.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.Event(nil), s.events...)
}
