package hedger

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"bybit-hedge-bot/internal/config"
	"bybit-hedge-bot/internal/metrics"
	"bybit-hedge-bot/internal/models"
	"bybit-hedge-bot/internal/registry"
	"bybit-hedge-bot/internal/storage"
	"bybit-hedge-bot/internal/storage/sqlite"
)

type placedOrder struct {
	Market models.Market
	Symbol string
	Side   models.OrderSide
	Qty    float64
	Price  float64
}

// fakeExchange fills every order instantly unless statusFn overrides
// the order status responses.
type fakeExchange struct {
	mu     sync.Mutex
	seq    int
	price  float64
	fee    float64
	mmr    float64
	orders map[string]placedOrder

	statusFn       func(orderID string, o placedOrder) (models.OrderState, error)
	placeErr       error
	cancelFill     float64
	balances       map[string]models.WalletBalance
	balanceErr     error
	balanceErrCoin string
	cancelled      []string
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		price:  50000,
		fee:    0.001,
		mmr:    0.005,
		orders: make(map[string]placedOrder),
	}
}

func (f *fakeExchange) GetMarketSnapshot(ctx context.Context, market models.Market, symbol string) (models.MarketSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return models.MarketSnapshot{Symbol: symbol, Price: f.price, ObservedAt: time.Now()}, nil
}

func (f *fakeExchange) GetInstrumentInfo(ctx context.Context, market models.Market, symbol string) (models.InstrumentInfo, error) {
	return models.InstrumentInfo{Symbol: symbol, QtyStep: 0.001, MinQty: 0.001, TickSize: 0.5}, nil
}

func (f *fakeExchange) GetMMR(ctx context.Context, symbol string) (float64, error) {
	return f.mmr, nil
}

func (f *fakeExchange) GetFeeRate(ctx context.Context, market models.Market, symbol string) (float64, error) {
	return f.fee, nil
}

func (f *fakeExchange) GetWalletBalance(ctx context.Context, coin string) (models.WalletBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balanceErr != nil && (f.balanceErrCoin == "" || f.balanceErrCoin == coin) {
		return models.WalletBalance{}, f.balanceErr
	}
	if bal, ok := f.balances[coin]; ok {
		return bal, nil
	}
	return models.WalletBalance{Coin: coin, Free: 1e9, Total: 1e9}, nil
}

func (f *fakeExchange) SetLeverage(ctx context.Context, symbol string, leverage float64) error {
	return nil
}

func (f *fakeExchange) PlaceLimitOrder(ctx context.Context, market models.Market, symbol string, side models.OrderSide, qty, price float64, orderLinkID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return "", f.placeErr
	}
	f.seq++
	id := "ord-" + strconv.Itoa(f.seq)
	f.orders[id] = placedOrder{Market: market, Symbol: symbol, Side: side, Qty: qty, Price: price}
	return id, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, market models.Market, symbol, orderID string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	return f.cancelFill, nil
}

func (f *fakeExchange) GetOrderStatus(ctx context.Context, market models.Market, symbol, orderID string) (models.OrderState, error) {
	f.mu.Lock()
	o, ok := f.orders[orderID]
	fn := f.statusFn
	f.mu.Unlock()
	if !ok {
		return models.OrderState{}, models.ErrOrderNotFound
	}
	if fn != nil {
		return fn(orderID, o)
	}
	return models.OrderState{OrderID: orderID, Phase: models.PhaseFilled, FilledQty: o.Qty, AvgPrice: o.Price}, nil
}

func (f *fakeExchange) placedOrders() []placedOrder {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]placedOrder, 0, len(f.orders))
	for i := 1; i <= f.seq; i++ {
		out = append(out, f.orders["ord-"+strconv.Itoa(i)])
	}
	return out
}

func testConfig() config.HedgeConfig {
	return config.HedgeConfig{
		QuoteCurrency:     "USDT",
		TickOffset:        10,
		PollInterval:      time.Millisecond,
		RepositionTimeout: time.Hour,
		MaxLeverage:       10,
		MaxMarketAge:      10 * time.Second,
	}
}

func newTestService(t *testing.T, ex Exchange, cfg config.HedgeConfig) (*Service, storage.Store, *registry.Registry) {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "bot.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	reg := registry.New()
	svc := NewService(ex, store, reg, metrics.NewNoop(), nil, cfg, zap.NewNop())
	return svc, store, reg
}

func TestHedgeHappyPath(t *testing.T) {
	ex := newFakeExchange()
	svc, store, _ := newTestService(t, ex, testConfig())

	res, err := svc.Hedge(context.Background(), 7, models.HedgeRequest{Sum: 1000, Symbol: "BTCUSDT", Volatility: 0.1}, nil)
	if err != nil {
		t.Fatalf("hedge failed: %v", err)
	}
	if res.SpotFilled != 0.02 {
		t.Fatalf("spot filled: got %v, want 0.02", res.SpotFilled)
	}
	if res.FuturesFilled != 0.019 {
		t.Fatalf("futures filled: got %v, want 0.019", res.FuturesFilled)
	}
	if !res.BalanceVerified {
		t.Fatalf("expected verified balance")
	}

	sess, err := store.SessionByID(context.Background(), res.SessionID)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if sess.Status != models.SessionCompleted {
		t.Fatalf("session status: got %s, want completed", sess.Status)
	}
	if sess.SpotQty != 0.02 || sess.FuturesQty != 0.019 {
		t.Fatalf("persisted quantities: got %v/%v", sess.SpotQty, sess.FuturesQty)
	}

	orders, err := store.OrdersForSession(context.Background(), res.SessionID)
	if err != nil {
		t.Fatalf("load orders: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("expected 2 order rows, got %d", len(orders))
	}
	for _, o := range orders {
		if o.Status != models.OrderFilled {
			t.Fatalf("order %s: status %s, want filled", o.OrderID, o.Status)
		}
	}

	placed := ex.placedOrders()
	if placed[0].Market != models.MarketSpot || placed[0].Side != models.SideBuy {
		t.Fatalf("first order should buy spot: %+v", placed[0])
	}
	if placed[0].Price != 49995 {
		t.Fatalf("spot limit price: got %v, want 49995", placed[0].Price)
	}
	if placed[1].Market != models.MarketFutures || placed[1].Side != models.SideSell {
		t.Fatalf("second order should sell futures: %+v", placed[1])
	}
	if placed[1].Price != 50005 {
		t.Fatalf("futures limit price: got %v, want 50005", placed[1].Price)
	}
	if placed[1].Qty != 0.019 {
		t.Fatalf("futures qty from realized spot: got %v, want 0.019", placed[1].Qty)
	}
}

func TestHedgeDuplicateRejectedBeforeSizing(t *testing.T) {
	ex := newFakeExchange()
	svc, _, reg := newTestService(t, ex, testConfig())

	if _, err := reg.TryAdmit(7, "BTCUSDT", models.KindHedge); err != nil {
		t.Fatalf("seed admit failed: %v", err)
	}
	_, err := svc.Hedge(context.Background(), 7, models.HedgeRequest{Sum: 1000, Symbol: "BTCUSDT"}, nil)
	if !errors.Is(err, registry.ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if len(ex.placedOrders()) != 0 {
		t.Fatalf("duplicate request must not reach the exchange")
	}
}

func TestHedgeCancellationMarksSessionCancelled(t *testing.T) {
	ex := newFakeExchange()
	// Orders never fill on their own; the cancel yields a partial fill.
	ex.statusFn = func(orderID string, o placedOrder) (models.OrderState, error) {
		return models.OrderState{OrderID: orderID, Phase: models.PhaseNew, RemainingQty: o.Qty}, nil
	}
	ex.cancelFill = 0.005
	svc, store, reg := newTestService(t, ex, testConfig())

	done := make(chan struct{})
	var res HedgeResult
	var hedgeErr error
	go func() {
		defer close(done)
		res, hedgeErr = svc.Hedge(context.Background(), 7, models.HedgeRequest{Sum: 1000, Symbol: "BTCUSDT"}, nil)
	}()

	deadline := time.After(5 * time.Second)
	for {
		if reg.Cancel(7, "BTCUSDT") {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("operation never became cancellable")
		case <-time.After(time.Millisecond):
		}
	}
	<-done

	if !errors.Is(hedgeErr, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", hedgeErr)
	}
	if res.SpotFilled != 0.005 {
		t.Fatalf("cancel-time fill not conserved: got %v, want 0.005", res.SpotFilled)
	}
	sess, err := store.SessionByID(context.Background(), res.SessionID)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if sess.Status != models.SessionCancelled {
		t.Fatalf("session status: got %s, want cancelled", sess.Status)
	}
	if sess.SpotQty != 0.005 {
		t.Fatalf("persisted partial fill: got %v, want 0.005", sess.SpotQty)
	}
	if _, ok := reg.Lookup(7, "BTCUSDT"); ok {
		t.Fatalf("registry entry should be released after the engine stopped")
	}
}

func TestHedgeRepositionsOnTimeout(t *testing.T) {
	ex := newFakeExchange()
	var mu sync.Mutex
	polls := 0
	// The first spot order never fills; its replacement and the
	// futures leg fill instantly.
	ex.statusFn = func(orderID string, o placedOrder) (models.OrderState, error) {
		mu.Lock()
		defer mu.Unlock()
		if orderID == "ord-1" {
			polls++
			return models.OrderState{OrderID: orderID, Phase: models.PhaseNew, RemainingQty: o.Qty}, nil
		}
		return models.OrderState{OrderID: orderID, Phase: models.PhaseFilled, FilledQty: o.Qty, AvgPrice: o.Price}, nil
	}

	cfg := testConfig()
	cfg.RepositionTimeout = 5 * time.Millisecond
	svc, store, _ := newTestService(t, ex, cfg)

	res, err := svc.Hedge(context.Background(), 7, models.HedgeRequest{Sum: 1000, Symbol: "BTCUSDT"}, nil)
	if err != nil {
		t.Fatalf("hedge failed: %v", err)
	}
	if res.SpotFilled != 0.02 {
		t.Fatalf("spot filled: got %v, want 0.02", res.SpotFilled)
	}

	orders, err := store.OrdersForSession(context.Background(), res.SessionID)
	if err != nil {
		t.Fatalf("load orders: %v", err)
	}
	// Original spot order, repositioned spot order, futures order.
	if len(orders) != 3 {
		t.Fatalf("expected 3 order rows, got %d", len(orders))
	}
	var cancelledRows int
	for _, o := range orders {
		if o.Status == models.OrderCancelled {
			cancelledRows++
		}
	}
	if cancelledRows != 1 {
		t.Fatalf("expected exactly one cancelled row, got %d", cancelledRows)
	}
	if len(ex.cancelled) != 1 || ex.cancelled[0] != "ord-1" {
		t.Fatalf("expected ord-1 cancelled on the exchange, got %v", ex.cancelled)
	}
}

func TestHedgeAssumesFillWhenOrderVanishes(t *testing.T) {
	ex := newFakeExchange()
	ex.statusFn = func(orderID string, o placedOrder) (models.OrderState, error) {
		return models.OrderState{}, models.ErrOrderNotFound
	}
	svc, store, _ := newTestService(t, ex, testConfig())

	// Each clock read moves time forward so the lookup grace expires
	// after a few polls.
	var mu sync.Mutex
	offset := time.Duration(0)
	base := time.Now()
	svc.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		offset += 2 * time.Second
		return base.Add(offset)
	}

	res, err := svc.Hedge(context.Background(), 7, models.HedgeRequest{Sum: 1000, Symbol: "BTCUSDT"}, nil)
	if err != nil {
		t.Fatalf("hedge failed: %v", err)
	}
	if res.SpotFilled != 0.02 || res.FuturesFilled != 0.019 {
		t.Fatalf("assumed fills wrong: spot %v futures %v", res.SpotFilled, res.FuturesFilled)
	}
	sess, err := store.SessionByID(context.Background(), res.SessionID)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if sess.Status != models.SessionCompleted {
		t.Fatalf("session status: got %s, want completed", sess.Status)
	}
}

func TestHedgePersistenceFailureCancelsOrder(t *testing.T) {
	ex := newFakeExchange()
	store := &failingStore{failInsertOrder: true}
	reg := registry.New()
	svc := NewService(ex, store, reg, metrics.NewNoop(), nil, testConfig(), zap.NewNop())

	_, err := svc.Hedge(context.Background(), 7, models.HedgeRequest{Sum: 1000, Symbol: "BTCUSDT"}, nil)
	if !errors.Is(err, ErrPersistenceFailed) {
		t.Fatalf("expected ErrPersistenceFailed, got %v", err)
	}
	if len(ex.cancelled) != 1 {
		t.Fatalf("orphaned order should be cancelled, got cancels %v", ex.cancelled)
	}
}

func TestHedgeProgressSinkPanicIsSwallowed(t *testing.T) {
	ex := newFakeExchange()
	svc, store, _ := newTestService(t, ex, testConfig())

	res, err := svc.Hedge(context.Background(), 7, models.HedgeRequest{Sum: 1000, Symbol: "BTCUSDT"}, func(Progress) {
		panic("sink exploded")
	})
	if err != nil {
		t.Fatalf("hedge should survive a panicking sink: %v", err)
	}
	sess, err := store.SessionByID(context.Background(), res.SessionID)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if sess.Status != models.SessionCompleted {
		t.Fatalf("session status: got %s, want completed", sess.Status)
	}
}

func TestHedgeReportsWalletNetQuantity(t *testing.T) {
	ex := newFakeExchange()
	// The wallet already held base coin; the reconciled net quantity
	// is what the exchange reports, not the computed gross fill.
	ex.balances = map[string]models.WalletBalance{
		"BTC": {Coin: "BTC", Free: 0.5, Total: 0.5},
	}
	svc, _, _ := newTestService(t, ex, testConfig())

	res, err := svc.Hedge(context.Background(), 7, models.HedgeRequest{Sum: 1000, Symbol: "BTCUSDT"}, nil)
	if err != nil {
		t.Fatalf("hedge failed: %v", err)
	}
	if res.SpotFilled != 0.02 {
		t.Fatalf("spot filled: got %v, want 0.02", res.SpotFilled)
	}
	if res.NetSpotQty != 0.5 {
		t.Fatalf("net spot quantity: got %v, want 0.5 from the wallet", res.NetSpotQty)
	}
	if !res.BalanceVerified {
		t.Fatalf("expected verified balance")
	}
}

func TestHedgeProgressReportsFillChanges(t *testing.T) {
	ex := newFakeExchange()
	var mu sync.Mutex
	polls := make(map[string]int)
	// The spot order fills in three chunks; the futures leg instantly.
	ex.statusFn = func(orderID string, o placedOrder) (models.OrderState, error) {
		mu.Lock()
		defer mu.Unlock()
		if o.Market != models.MarketSpot {
			return models.OrderState{OrderID: orderID, Phase: models.PhaseFilled, FilledQty: o.Qty, AvgPrice: o.Price}, nil
		}
		polls[orderID]++
		switch polls[orderID] {
		case 1:
			return models.OrderState{OrderID: orderID, Phase: models.PhasePartiallyFilled, FilledQty: 0.005, RemainingQty: o.Qty - 0.005}, nil
		case 2:
			return models.OrderState{OrderID: orderID, Phase: models.PhasePartiallyFilled, FilledQty: 0.01, RemainingQty: o.Qty - 0.01}, nil
		default:
			return models.OrderState{OrderID: orderID, Phase: models.PhaseFilled, FilledQty: o.Qty, AvgPrice: o.Price}, nil
		}
	}
	svc, _, _ := newTestService(t, ex, testConfig())

	var events []Progress
	res, err := svc.Hedge(context.Background(), 7, models.HedgeRequest{Sum: 1000, Symbol: "BTCUSDT"}, func(p Progress) {
		events = append(events, p)
	})
	if err != nil {
		t.Fatalf("hedge failed: %v", err)
	}
	if res.SpotFilled != 0.02 {
		t.Fatalf("spot filled: got %v, want 0.02", res.SpotFilled)
	}

	seen := make(map[float64]bool)
	for _, e := range events {
		if e.Stage == StageSpot {
			seen[e.FilledQty] = true
		}
	}
	for _, want := range []float64{0.005, 0.01, 0.02} {
		if !seen[want] {
			t.Fatalf("no spot progress event with cumulative fill %v; events: %+v", want, events)
		}
	}
}

func TestHedgeBalanceCheckDegradesGracefully(t *testing.T) {
	ex := newFakeExchange()
	// Sizing reads the USDT wallet, reconciliation the base coin; only
	// the latter fails.
	ex.balanceErr = errors.New("balance endpoint down")
	ex.balanceErrCoin = "BTC"
	svc, store, _ := newTestService(t, ex, testConfig())

	res, err := svc.Hedge(context.Background(), 7, models.HedgeRequest{Sum: 1000, Symbol: "BTCUSDT"}, nil)
	if err != nil {
		t.Fatalf("hedge failed: %v", err)
	}
	if res.BalanceVerified {
		t.Fatalf("expected unverified balance when reconciliation is unavailable")
	}
	if res.NetSpotQty != 0.02 {
		t.Fatalf("degraded net quantity should fall back to the gross fill: got %v", res.NetSpotQty)
	}
	sess, err := store.SessionByID(context.Background(), res.SessionID)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if sess.Status != models.SessionCompleted {
		t.Fatalf("session status: got %s, want completed", sess.Status)
	}
}

func TestUnhedgeReversesMostRecentHedge(t *testing.T) {
	ex := newFakeExchange()
	svc, store, _ := newTestService(t, ex, testConfig())

	hedge, err := svc.Hedge(context.Background(), 7, models.HedgeRequest{Sum: 1000, Symbol: "BTCUSDT"}, nil)
	if err != nil {
		t.Fatalf("hedge failed: %v", err)
	}

	res, err := svc.Unhedge(context.Background(), 7, models.UnhedgeRequest{Symbol: "BTCUSDT"}, nil)
	if err != nil {
		t.Fatalf("unhedge failed: %v", err)
	}
	if res.SourceSessionID != hedge.SessionID {
		t.Fatalf("unhedge source: got %d, want %d", res.SourceSessionID, hedge.SessionID)
	}
	if res.FuturesFilled != 0.019 || res.SpotFilled != 0.02 {
		t.Fatalf("unwind fills: futures %v spot %v", res.FuturesFilled, res.SpotFilled)
	}

	placed := ex.placedOrders()
	// Hedge placed two orders; the unwind buys futures back before
	// selling spot.
	if placed[2].Market != models.MarketFutures || placed[2].Side != models.SideBuy {
		t.Fatalf("unwind should close the short first: %+v", placed[2])
	}
	if placed[3].Market != models.MarketSpot || placed[3].Side != models.SideSell {
		t.Fatalf("unwind should sell spot last: %+v", placed[3])
	}

	src, err := store.SessionByID(context.Background(), hedge.SessionID)
	if err != nil {
		t.Fatalf("load source session: %v", err)
	}
	if !src.HasUnhedged || src.UnhedgedBy != res.SessionID {
		t.Fatalf("source not linked to unwind: %+v", src)
	}

	// The unwind row records the notional being unwound.
	unwind, err := store.SessionByID(context.Background(), res.SessionID)
	if err != nil {
		t.Fatalf("load unwind session: %v", err)
	}
	if unwind.Sum != 1000 {
		t.Fatalf("unwind sum: got %v, want the source session's 1000", unwind.Sum)
	}

	// A second unwind finds nothing.
	if _, err := svc.Unhedge(context.Background(), 7, models.UnhedgeRequest{Symbol: "BTCUSDT"}, nil); !errors.Is(err, ErrNothingToUnhedge) {
		t.Fatalf("expected ErrNothingToUnhedge, got %v", err)
	}
}

func TestUnhedgeWithoutHedgeFails(t *testing.T) {
	ex := newFakeExchange()
	svc, _, _ := newTestService(t, ex, testConfig())

	_, err := svc.Unhedge(context.Background(), 7, models.UnhedgeRequest{Symbol: "BTCUSDT"}, nil)
	if !errors.Is(err, ErrNothingToUnhedge) {
		t.Fatalf("expected ErrNothingToUnhedge, got %v", err)
	}
}

// failingStore satisfies storage.Store but fails order inserts; all
// other methods behave just enough for the pre-order path.
type failingStore struct {
	failInsertOrder bool
	sessions        sync.Map
	nextID          int64
	mu              sync.Mutex
}

func (f *failingStore) InsertSession(ctx context.Context, s models.Session) (int64, error) {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.mu.Unlock()
	s.ID = id
	f.sessions.Store(id, s)
	return id, nil
}

func (f *failingStore) UpdateSessionStatus(ctx context.Context, sessionID int64, status models.SessionStatus) error {
	return nil
}

func (f *failingStore) UpdateSessionQuantities(ctx context.Context, sessionID int64, spotQty, futuresQty float64) error {
	return nil
}

func (f *failingStore) SessionByID(ctx context.Context, sessionID int64) (models.Session, error) {
	v, ok := f.sessions.Load(sessionID)
	if !ok {
		return models.Session{}, storage.ErrNotFound
	}
	return v.(models.Session), nil
}

func (f *failingStore) CompletedUnhedgedSessions(ctx context.Context, chatID int64, symbol string) ([]models.Session, error) {
	return nil, nil
}

func (f *failingStore) MarkSessionUnhedged(ctx context.Context, sessionID, unhedgeSessionID int64) error {
	return nil
}

func (f *failingStore) LiveSessions(ctx context.Context) ([]models.Session, error) {
	return nil, nil
}

func (f *failingStore) InsertOrder(ctx context.Context, o models.Order) (int64, error) {
	if f.failInsertOrder {
		return 0, errors.New("disk full")
	}
	return 1, nil
}

func (f *failingStore) UpdateOrderStatus(ctx context.Context, orderRowID int64, status models.OrderStatus) error {
	return nil
}

func (f *failingStore) OrdersForSession(ctx context.Context, sessionID int64) ([]models.Order, error) {
	return nil, nil
}

func (f *failingStore) InsertFundingSample(ctx context.Context, sample models.FundingRateSample) error {
	return nil
}

func (f *failingStore) FundingSamplesSince(ctx context.Context, symbol string, since time.Time) ([]models.FundingRateSample, error) {
	return nil, nil
}

func (f *failingStore) Get(ctx context.Context, key string) (string, bool, error) {
	return "", false, nil
}

func (f *failingStore) Set(ctx context.Context, key, value string) error {
	return nil
}

func (f *failingStore) Close() error {
	return nil
}
