package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pivotbot/internal/config"
	"pivotbot/internal/md"
	"pivotbot/internal/orders"
	"pivotbot/internal/pivot"
	"pivotbot/internal/schedule"
	"pivotbot/internal/state"
)

// Daily ladder 70/80/90/100/110/120/130.
func testLevels() *pivot.Set {
	ladder := pivot.Compute(pivot.PeriodBar{High: 110, Low: 90, Close: 100})
	return &pivot.Set{Daily: ladder, Weekly: ladder, Monthly: ladder}
}

type fakeStore struct {
	recs map[string]*state.TickerRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{recs: map[string]*state.TickerRecord{}}
}

func (f *fakeStore) seed(symbol string, levels *pivot.Set) {
	f.recs[symbol] = &state.TickerRecord{
		Symbol:     symbol,
		TradingDay: "2026-08-28",
		Levels:     levels,
	}
}

func cloneRecord(rec *state.TickerRecord) *state.TickerRecord {
	c := *rec
	if rec.LastBar != nil {
		bar := *rec.LastBar
		c.LastBar = &bar
	}
	if rec.Monitoring != nil {
		m := *rec.Monitoring
		if m.OrderIDs != nil {
			ids := *m.OrderIDs
			m.OrderIDs = &ids
		}
		c.Monitoring = &m
	}
	return &c
}

func (f *fakeStore) Get(symbol string) (*state.TickerRecord, error) {
	rec, ok := f.recs[symbol]
	if !ok {
		return nil, nil
	}
	return cloneRecord(rec), nil
}

func (f *fakeStore) Apply(rec *state.TickerRecord) (bool, error) {
	current, ok := f.recs[rec.Symbol]
	if !ok || current.TradingDay != rec.TradingDay {
		return false, nil
	}
	f.recs[rec.Symbol] = cloneRecord(rec)
	return true, nil
}

// fakeOrders records the sequence of gateway mutations so tests can assert
// ordering, not just counts.
type fakeOrders struct {
	ops         []string
	placements  int
	placeErr    error
	cancels     []state.OrderIDs
	cancelErr   error
	legsOpen    bool
	legsOpenErr error
	entryFilled bool
}

func (f *fakeOrders) Place(_ context.Context, symbol string, _, _ float64) (state.OrderIDs, error) {
	if f.placeErr != nil {
		return state.OrderIDs{}, f.placeErr
	}
	f.placements++
	f.ops = append(f.ops, "place")
	return state.OrderIDs{Entry: "entry-1", TakeProfit: "profit-1", StopLoss: "stop-1"}, nil
}

func (f *fakeOrders) Cancel(_ context.Context, ids state.OrderIDs) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancels = append(f.cancels, ids)
	f.ops = append(f.ops, "cancel")
	return nil
}

func (f *fakeOrders) LegsOpen(context.Context, state.OrderIDs) (bool, error) {
	return f.legsOpen, f.legsOpenErr
}

func (f *fakeOrders) EntryFilled(context.Context, string) (bool, error) {
	return f.entryFilled, nil
}

func newTestEngine(t *testing.T, store Store, orderMgr OrderManager, policy Policy) *Engine {
	t.Helper()
	session, err := schedule.NewSession(config.Default().Session)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(context.Background(), store, orderMgr, session, policy, nil, logger)
}

var testLoc = func() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		panic(err)
	}
	return loc
}()

// barAt builds a one-minute bar stamped at the given New York wall time on a
// trading Friday.
func barAt(hour, minute int, open, high, low, close float64) md.Bar {
	return md.Bar{
		Symbol:    "QQQ",
		Timestamp: time.Date(2026, 8, 28, hour, minute, 0, 0, testLoc),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     close,
	}
}

// crossAndPlace walks QQQ from idle to a pending bracket at s2 (80 toward
// 90): one bar to cross, one bar to arm and place.
func crossAndPlace(t *testing.T, eng *Engine, store *fakeStore) {
	t.Helper()
	eng.handleBar(context.Background(), barAt(10, 0, 80, 80.6, 79.9, 80.5))
	eng.handleBar(context.Background(), barAt(10, 1, 80.5, 82.5, 80.3, 80.7))
	require.Equal(t, state.PhaseOrderPending, store.recs["QQQ"].Phase())
}

func TestCrossoverStartsWatching(t *testing.T) {
	store := newFakeStore()
	store.seed("QQQ", testLevels())
	mgr := &fakeOrders{}
	eng := newTestEngine(t, store, mgr, Policy{})

	eng.handleBar(context.Background(), barAt(10, 0, 80, 80.6, 79.9, 80.5))

	rec := store.recs["QQQ"]
	require.Equal(t, state.PhaseWatching, rec.Phase())
	require.Equal(t, pivot.LevelS2, rec.Monitoring.Level)
	require.Equal(t, 80.0, rec.Monitoring.LevelPrice)
	require.Equal(t, 90.0, rec.Monitoring.TargetPrice)
	require.False(t, rec.Monitoring.ReachedQuarterMark)
	require.Zero(t, mgr.placements)
	require.NotNil(t, rec.LastBar)
	require.Equal(t, 80.5, rec.LastBar.Close)
}

func TestCrossoverBarSeedsArming(t *testing.T) {
	store := newFakeStore()
	store.seed("QQQ", testLevels())
	mgr := &fakeOrders{}
	eng := newTestEngine(t, store, mgr, Policy{})

	// The crossover bar's high clears the quarter mark (82.5): armed on the
	// spot, but no placement until the next close confirms.
	eng.handleBar(context.Background(), barAt(10, 0, 80, 83.2, 79.9, 83))

	rec := store.recs["QQQ"]
	require.Equal(t, state.PhaseArmed, rec.Phase())
	require.True(t, rec.Monitoring.ReachedQuarterMark)
	require.Zero(t, mgr.placements)

	// The next bar places without re-touching the quarter mark.
	eng.handleBar(context.Background(), barAt(10, 1, 83, 83.3, 82.3, 82.7))
	require.Equal(t, state.PhaseOrderPending, store.recs["QQQ"].Phase())
	require.Equal(t, 1, mgr.placements)
}

func TestQuarterMarkArmsAndPlaces(t *testing.T) {
	store := newFakeStore()
	store.seed("QQQ", testLevels())
	mgr := &fakeOrders{}
	eng := newTestEngine(t, store, mgr, Policy{})

	eng.handleBar(context.Background(), barAt(10, 0, 80, 80.6, 79.9, 80.5))
	// Quarter mark for s2 toward s1 is 82.5.
	eng.handleBar(context.Background(), barAt(10, 1, 80.5, 82.5, 80.3, 80.7))

	rec := store.recs["QQQ"]
	require.Equal(t, state.PhaseOrderPending, rec.Phase())
	require.Equal(t, 1, mgr.placements)
	require.Equal(t, "entry-1", rec.Monitoring.OrderIDs.Entry)
}

func TestArmingIsSticky(t *testing.T) {
	store := newFakeStore()
	store.seed("QQQ", testLevels())
	mgr := &fakeOrders{}
	eng := newTestEngine(t, store, mgr, Policy{})

	eng.handleBar(context.Background(), barAt(10, 0, 80, 80.6, 79.9, 80.5))
	// High touches the quarter mark but the close falls back under the level.
	eng.handleBar(context.Background(), barAt(10, 1, 80.5, 82.6, 79.7, 79.8))

	rec := store.recs["QQQ"]
	require.Equal(t, state.PhaseArmed, rec.Phase())
	require.Zero(t, mgr.placements)

	// The next close back above the level places without re-touching.
	eng.handleBar(context.Background(), barAt(10, 2, 79.8, 80.3, 79.6, 80.2))
	require.Equal(t, state.PhaseOrderPending, store.recs["QQQ"].Phase())
	require.Equal(t, 1, mgr.placements)
}

func TestDuplicateBarIsDropped(t *testing.T) {
	store := newFakeStore()
	store.seed("QQQ", testLevels())
	mgr := &fakeOrders{legsOpen: true}
	eng := newTestEngine(t, store, mgr, Policy{})

	crossAndPlace(t, eng, store)
	eng.handleBar(context.Background(), barAt(10, 1, 80.5, 82.5, 80.3, 80.7))

	require.Equal(t, 1, mgr.placements)
}

func TestBarWithoutLevelsIgnored(t *testing.T) {
	store := newFakeStore()
	mgr := &fakeOrders{}
	eng := newTestEngine(t, store, mgr, Policy{})

	eng.handleBar(context.Background(), barAt(10, 0, 80, 83.2, 79.9, 83))

	require.Empty(t, store.recs)
	require.Zero(t, mgr.placements)
}

func TestHalfwayAdvanceCancelsUnfilledEntry(t *testing.T) {
	store := newFakeStore()
	store.seed("QQQ", testLevels())
	mgr := &fakeOrders{legsOpen: true}
	eng := newTestEngine(t, store, mgr, Policy{})

	crossAndPlace(t, eng, store)

	// Halfway from 80 toward 90 is 85; price ran past it without a fill.
	eng.handleBar(context.Background(), barAt(10, 2, 84, 85.7, 83.9, 85.5))

	rec := store.recs["QQQ"]
	require.Equal(t, state.PhaseIdle, rec.Phase())
	require.Len(t, mgr.cancels, 1)
	require.Equal(t, "entry-1", mgr.cancels[0].Entry)
}

func TestCutoffCancelsWithoutRearm(t *testing.T) {
	store := newFakeStore()
	store.seed("QQQ", testLevels())
	mgr := &fakeOrders{legsOpen: true}
	eng := newTestEngine(t, store, mgr, Policy{})

	crossAndPlace(t, eng, store)

	// Past the order cutoff the unfilled bracket is canceled and the bar's
	// own crossing does not start a new watch.
	eng.handleBar(context.Background(), barAt(15, 31, 79.9, 80.7, 79.8, 80.6))

	rec := store.recs["QQQ"]
	require.Equal(t, state.PhaseIdle, rec.Phase())
	require.Len(t, mgr.cancels, 1)
}

func TestNoPlacementAfterCutoff(t *testing.T) {
	store := newFakeStore()
	store.seed("QQQ", testLevels())
	mgr := &fakeOrders{}
	eng := newTestEngine(t, store, mgr, Policy{})

	eng.handleBar(context.Background(), barAt(15, 31, 80, 80.6, 79.9, 80.5))
	eng.handleBar(context.Background(), barAt(15, 32, 80.5, 82.6, 80.3, 80.7))

	rec := store.recs["QQQ"]
	require.Equal(t, state.PhaseArmed, rec.Phase())
	require.Zero(t, mgr.placements)
}

func TestResolvedLegRerunsCrossover(t *testing.T) {
	store := newFakeStore()
	store.seed("QQQ", testLevels())
	mgr := &fakeOrders{legsOpen: true}
	eng := newTestEngine(t, store, mgr, Policy{})

	crossAndPlace(t, eng, store)

	// An exit leg resolved; the same bar jumps from the prior close of 80.7
	// over s1 and starts a new watch immediately.
	mgr.legsOpen = false
	eng.handleBar(context.Background(), barAt(10, 2, 90.2, 90.6, 90.1, 90.5))

	rec := store.recs["QQQ"]
	require.Equal(t, state.PhaseWatching, rec.Phase())
	require.Equal(t, pivot.LevelS1, rec.Monitoring.Level)
	require.Nil(t, rec.Monitoring.OrderIDs)
}

func TestFilledEntryHoldsThroughHalfway(t *testing.T) {
	store := newFakeStore()
	store.seed("QQQ", testLevels())
	mgr := &fakeOrders{legsOpen: true, entryFilled: true}
	eng := newTestEngine(t, store, mgr, Policy{})

	crossAndPlace(t, eng, store)

	// The position is held, so the halfway rule must not cancel the legs.
	eng.handleBar(context.Background(), barAt(10, 2, 85, 86.2, 84.9, 86))

	rec := store.recs["QQQ"]
	require.Equal(t, state.PhaseOrderPending, rec.Phase())
	require.Empty(t, mgr.cancels)
	require.Equal(t, "entry-1", rec.Monitoring.OrderIDs.Entry)
}

func TestStatusUnknownKeepsBracket(t *testing.T) {
	store := newFakeStore()
	store.seed("QQQ", testLevels())
	mgr := &fakeOrders{legsOpen: true}
	eng := newTestEngine(t, store, mgr, Policy{})

	crossAndPlace(t, eng, store)

	mgr.legsOpenErr = context.DeadlineExceeded
	eng.handleBar(context.Background(), barAt(10, 2, 84, 85.7, 83.9, 85.5))

	rec := store.recs["QQQ"]
	require.Equal(t, state.PhaseOrderPending, rec.Phase())
	require.Empty(t, mgr.cancels)
	// Bar is still recorded so the replay guard advances.
	require.Equal(t, 85.5, rec.LastBar.Close)
}

func TestInsufficientSizingRetriesNextBar(t *testing.T) {
	store := newFakeStore()
	store.seed("QQQ", testLevels())
	mgr := &fakeOrders{placeErr: orders.ErrInsufficientSizing}
	eng := newTestEngine(t, store, mgr, Policy{})

	eng.handleBar(context.Background(), barAt(10, 0, 80, 80.6, 79.9, 80.5))
	eng.handleBar(context.Background(), barAt(10, 1, 80.5, 82.5, 80.3, 80.7))

	rec := store.recs["QQQ"]
	require.Equal(t, state.PhaseArmed, rec.Phase())

	mgr.placeErr = nil
	eng.handleBar(context.Background(), barAt(10, 2, 80.7, 81, 80.5, 80.9))
	require.Equal(t, state.PhaseOrderPending, store.recs["QQQ"].Phase())
	require.Equal(t, 1, mgr.placements)
}

func pendingAtPivot(t *testing.T, eng *Engine, store *fakeStore) {
	t.Helper()
	eng.handleBar(context.Background(), barAt(10, 0, 100, 100.6, 99.9, 100.5))
	// Quarter mark for pivot toward r1 is 102.5.
	eng.handleBar(context.Background(), barAt(10, 1, 100.5, 102.5, 100.3, 100.7))
	require.Equal(t, state.PhaseOrderPending, store.recs["QQQ"].Phase())
	require.Equal(t, pivot.LevelPivot, store.recs["QQQ"].Monitoring.Level)
}

func TestCancelOnCrossoverSupersedes(t *testing.T) {
	store := newFakeStore()
	store.seed("QQQ", testLevels())
	mgr := &fakeOrders{legsOpen: true}
	eng := newTestEngine(t, store, mgr, Policy{CancelOnCrossover: true})

	pendingAtPivot(t, eng, store)

	// Price collapsed and crossed s2 from below, still short of the pivot's
	// halfway point.
	eng.handleBar(context.Background(), barAt(10, 2, 79.5, 80.8, 79.4, 80.5))

	rec := store.recs["QQQ"]
	require.Equal(t, pivot.LevelS2, rec.Monitoring.Level)
	require.Nil(t, rec.Monitoring.OrderIDs)
	require.Len(t, mgr.cancels, 1)

	// The superseding watch arms and places; the old bracket was canceled
	// strictly before the new one went out.
	eng.handleBar(context.Background(), barAt(10, 3, 80.5, 82.6, 80.3, 80.7))
	require.Equal(t, state.PhaseOrderPending, store.recs["QQQ"].Phase())
	require.Equal(t, []string{"place", "cancel", "place"}, mgr.ops)
}

func TestCrossoverIgnoredWhilePendingByDefault(t *testing.T) {
	store := newFakeStore()
	store.seed("QQQ", testLevels())
	mgr := &fakeOrders{legsOpen: true}
	eng := newTestEngine(t, store, mgr, Policy{})

	pendingAtPivot(t, eng, store)
	eng.handleBar(context.Background(), barAt(10, 2, 79.5, 80.8, 79.4, 80.5))

	rec := store.recs["QQQ"]
	require.Equal(t, pivot.LevelPivot, rec.Monitoring.Level)
	require.Empty(t, mgr.cancels)
}

func TestSupersedeBlockedByCancelFailure(t *testing.T) {
	store := newFakeStore()
	store.seed("QQQ", testLevels())
	mgr := &fakeOrders{legsOpen: true}
	eng := newTestEngine(t, store, mgr, Policy{CancelOnCrossover: true})

	pendingAtPivot(t, eng, store)

	// The old legs cannot be canceled, so the pending bracket stays the only
	// live one and no replacement is placed.
	mgr.cancelErr = context.DeadlineExceeded
	eng.handleBar(context.Background(), barAt(10, 2, 79.5, 80.8, 79.4, 80.5))

	rec := store.recs["QQQ"]
	require.Equal(t, pivot.LevelPivot, rec.Monitoring.Level)
	require.NotNil(t, rec.Monitoring.OrderIDs)
	require.Equal(t, 1, mgr.placements)
}

// Full lifecycle on a tight ladder: cross into Watching, arm at the quarter
// mark, hold while the entry is filled, go idle when an exit leg resolves.
func TestLifecycleCrossArmHoldResolve(t *testing.T) {
	ladder := pivot.Ladder{S3: 97, S2: 98, S1: 99, Pivot: 100, R1: 101, R2: 102, R3: 103}
	store := newFakeStore()
	store.seed("QQQ", &pivot.Set{Daily: ladder})
	mgr := &fakeOrders{legsOpen: true}
	eng := newTestEngine(t, store, mgr, Policy{})

	// The crossover bar's high already clears the quarter mark 99.25, so the
	// watch starts armed.
	eng.handleBar(context.Background(), barAt(10, 0, 98.5, 99.5, 98.4, 99.5))
	rec := store.recs["QQQ"]
	require.Equal(t, state.PhaseArmed, rec.Phase())
	require.Equal(t, pivot.LevelS1, rec.Monitoring.Level)
	require.Equal(t, 100.0, rec.Monitoring.TargetPrice)
	require.Zero(t, mgr.placements)

	// Next close above the level: place.
	eng.handleBar(context.Background(), barAt(10, 1, 99.5, 99.8, 99.4, 99.6))
	require.Equal(t, state.PhaseOrderPending, store.recs["QQQ"].Phase())
	require.Equal(t, 1, mgr.placements)

	// Entry filled, exit legs working: hold, no new attempts.
	mgr.entryFilled = true
	eng.handleBar(context.Background(), barAt(10, 2, 99.6, 99.9, 99.5, 99.7))
	require.Equal(t, state.PhaseOrderPending, store.recs["QQQ"].Phase())
	require.Equal(t, 1, mgr.placements)

	// Profit leg filled: back to idle.
	mgr.legsOpen = false
	eng.handleBar(context.Background(), barAt(10, 3, 99.8, 99.9, 99.7, 99.9))
	require.Equal(t, state.PhaseIdle, store.recs["QQQ"].Phase())
	require.Equal(t, 1, mgr.placements)
}

func TestDispatchProcessesInOrder(t *testing.T) {
	store := newFakeStore()
	store.seed("QQQ", testLevels())
	mgr := &fakeOrders{}
	eng := newTestEngine(t, store, mgr, Policy{})

	ctx := context.Background()
	eng.Dispatch(ctx, barAt(10, 0, 80, 80.6, 79.9, 80.5))
	eng.Dispatch(ctx, barAt(10, 1, 80.5, 82.5, 80.3, 80.7))
	eng.Shutdown()

	rec := store.recs["QQQ"]
	require.Equal(t, state.PhaseOrderPending, rec.Phase())
	require.Equal(t, 1, mgr.placements)
}

func TestDispatchOutlivesSessionContext(t *testing.T) {
	store := newFakeStore()
	store.seed("QQQ", testLevels())
	mgr := &fakeOrders{}
	eng := newTestEngine(t, store, mgr, Policy{})

	dayCtx, cancelDay := context.WithCancel(context.Background())
	eng.Dispatch(dayCtx, barAt(10, 0, 80, 80.6, 79.9, 80.5))
	cancelDay()

	// A later session dispatches with a fresh context; the worker spawned
	// during the first session must still process its bars.
	nextDay, cancelNext := context.WithCancel(context.Background())
	defer cancelNext()
	eng.Dispatch(nextDay, barAt(10, 1, 80.5, 82.5, 80.3, 80.7))
	eng.Shutdown()

	require.Equal(t, state.PhaseOrderPending, store.recs["QQQ"].Phase())
	require.Equal(t, 1, mgr.placements)
}

func TestDispatchAfterShutdownIsNoop(t *testing.T) {
	store := newFakeStore()
	store.seed("QQQ", testLevels())
	mgr := &fakeOrders{}
	eng := newTestEngine(t, store, mgr, Policy{})

	eng.Shutdown()
	eng.Dispatch(context.Background(), barAt(10, 0, 80, 83.2, 79.9, 83))

	require.Zero(t, mgr.placements)
}
