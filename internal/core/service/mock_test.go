package service

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
)

// Mock LedgerRepository: staged writes are applied on commit, so two transactions
// that are not serialized by the lock manager can lose updates.
type mockLedger struct {
	mu        sync.Mutex
	products  map[string]domain.Product
	logs      []domain.StockLogEntry
	audits    []domain.AuditEntry
	commitErr error
	txCount   int
}

func newMockLedger() *mockLedger {
	return &mockLedger{products: make(map[string]domain.Product)}
}

func (m *mockLedger) seed(id string, stock int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[id] = domain.Product{ID: id, StockQuantity: stock}
}

func (m *mockLedger) stock(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.products[id].StockQuantity
}

func (m *mockLedger) entries(id string) []domain.StockLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.StockLogEntry
	for _, e := range m.logs {
		if e.ProductID == id {
			out = append(out, e)
		}
	}
	return out
}

func (m *mockLedger) WithinTx(ctx context.Context, fn func(ctx context.Context, tx port.LedgerTx) error) error {
	tx := &mockTx{ledger: m, staged: make(map[string]domain.Product)}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErr != nil {
		return m.commitErr
	}
	for id, p := range tx.staged {
		m.products[id] = p
	}
	m.logs = append(m.logs, tx.logs...)
	m.audits = append(m.audits, tx.audits...)
	m.txCount++
	return nil
}

func (m *mockLedger) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[productID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *mockLedger) CreateProduct(ctx context.Context, product domain.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.products[product.ID]; ok {
		return domain.ErrProductExists
	}
	product.StockQuantity = 0
	m.products[product.ID] = product
	return nil
}

func (m *mockLedger) History(ctx context.Context, productID string, limit, offset int) ([]domain.StockLogEntry, error) {
	all := m.entries(productID)
	out := make([]domain.StockLogEntry, 0, limit)
	for i := len(all) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (m *mockLedger) Entries(ctx context.Context, productID string) ([]domain.StockLogEntry, error) {
	return m.entries(productID), nil
}

type mockTx struct {
	ledger *mockLedger
	staged map[string]domain.Product
	logs   []domain.StockLogEntry
	audits []domain.AuditEntry
}

func (t *mockTx) GetProductForUpdate(ctx context.Context, productID string) (*domain.Product, error) {
	if p, ok := t.staged[productID]; ok {
		return &p, nil
	}
	p, err := t.ledger.GetProduct(ctx, productID)
	if err != nil || p == nil {
		return p, err
	}
	// widen the read-modify-write window so missing serialization shows up
	time.Sleep(50 * time.Microsecond)
	return p, nil
}

func (t *mockTx) UpdateStock(ctx context.Context, productID string, quantity int) error {
	p, err := t.GetProductForUpdate(ctx, productID)
	if err != nil {
		return err
	}
	p.StockQuantity = quantity
	t.staged[productID] = *p
	return nil
}

func (t *mockTx) InsertLog(ctx context.Context, entry domain.StockLogEntry) error {
	t.logs = append(t.logs, entry)
	return nil
}

func (t *mockTx) FindOrderEntry(ctx context.Context, productID, orderID string, delta int) (*domain.StockLogEntry, error) {
	for _, e := range append(t.ledger.entries(productID), t.logs...) {
		if e.ProductID == productID && e.OrderID == orderID && e.Quantity == delta {
			return &e, nil
		}
	}
	return nil, nil
}

func (t *mockTx) InsertAudit(ctx context.Context, entry domain.AuditEntry) error {
	t.audits = append(t.audits, entry)
	return nil
}

// Mock LockRepository
type mockLocks struct {
	mu    sync.Mutex
	rows  map[string]domain.StockLock
	err   error
	tries int
}

func newMockLocks() *mockLocks {
	return &mockLocks{rows: make(map[string]domain.StockLock)}
}

func (m *mockLocks) TryInsert(ctx context.Context, lock domain.StockLock, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tries++
	if m.err != nil {
		return false, m.err
	}
	if cur, ok := m.rows[lock.ProductID]; ok && !cur.Expired(now) {
		return false, nil
	}
	m.rows[lock.ProductID] = lock
	return true, nil
}

func (m *mockLocks) Delete(ctx context.Context, productID, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.rows[productID]; ok && cur.LockedBy == holder {
		delete(m.rows, productID)
	}
	return nil
}

func (m *mockLocks) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, l := range m.rows {
		if l.Expired(now) {
			delete(m.rows, id)
			n++
		}
	}
	return n, nil
}

func (m *mockLocks) Get(ctx context.Context, productID string, now time.Time) (*domain.StockLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.rows[productID]
	if !ok || l.Expired(now) {
		return nil, nil
	}
	return &l, nil
}

func (m *mockLocks) held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// Mock IdempotencyBackend, used for both the cache and the durable side
type mockIdem struct {
	mu      sync.Mutex
	records map[string]domain.IdempotencyRecord
	getErr  error
	putErr  error
	now     func() time.Time
}

func newMockIdem() *mockIdem {
	return &mockIdem{records: make(map[string]domain.IdempotencyRecord), now: time.Now}
}

func (m *mockIdem) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	r, ok := m.records[key]
	if !ok || r.Expired(m.now()) {
		return nil, nil
	}
	return &r, nil
}

func (m *mockIdem) PutIfAbsent(ctx context.Context, record domain.IdempotencyRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return false, m.putErr
	}
	if r, ok := m.records[record.Key]; ok && !r.Expired(m.now()) {
		return false, nil
	}
	m.records[record.Key] = record
	return true, nil
}

func (m *mockIdem) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, r := range m.records {
		if r.Expired(now) {
			delete(m.records, k)
			n++
		}
	}
	return n, nil
}

func (m *mockIdem) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[key]
	return ok
}

func (m *mockIdem) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[string]domain.IdempotencyRecord)
}

// Mock AuditSink
type mockAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (m *mockAudit) Record(ctx context.Context, entry domain.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *mockAudit) failures() []domain.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AuditEntry
	for _, e := range m.entries {
		if !e.Success {
			out = append(out, e)
		}
	}
	return out
}

// Mock StockEventPublisher
type mockEvents struct {
	mu     sync.Mutex
	events []domain.StockChanged
	err    error
}

func (m *mockEvents) PublishStockChanged(ctx context.Context, events []domain.StockChanged) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, events...)
	return nil
}

func (m *mockEvents) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// Mock OrderRepository
type mockOrders struct {
	mu      sync.Mutex
	orders  map[string]domain.Order
	saveErr error
}

func newMockOrders() *mockOrders {
	return &mockOrders{orders: make(map[string]domain.Order)}
}

func (m *mockOrders) Get(ctx context.Context, marketplace, id string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[marketplace+":"+id]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (m *mockOrders) Save(ctx context.Context, order domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.orders[order.Reference()] = order
	return nil
}

// Mock ProductMapper: sku maps to itself unless listed as unmapped
type mockMapper struct {
	mapping map[string]string
}

func (m mockMapper) Resolve(ctx context.Context, marketplace, sku string) (string, bool, error) {
	id, ok := m.mapping[sku]
	return id, ok, nil
}

type testEnv struct {
	ledger  *mockLedger
	locks   *mockLocks
	cache   *mockIdem
	durable *mockIdem
	audit   *mockAudit
	events  *mockEvents

	lockMgr *LockManager
	idem    *IdempotencyStore
	svc     *StockService
}

func newTestEnv() *testEnv {
	env := &testEnv{
		ledger:  newMockLedger(),
		locks:   newMockLocks(),
		cache:   newMockIdem(),
		durable: newMockIdem(),
		audit:   &mockAudit{},
		events:  &mockEvents{},
	}
	env.lockMgr = NewLockManager(env.locks)
	env.idem = NewIdempotencyStore(env.cache, env.durable)
	env.svc = NewStockService(env.ledger, env.lockMgr, env.idem, env.audit, env.events, StockServiceConfig{
		LockTTL:       30 * time.Second,
		RetryAttempts: 200,
		RetryBackoff:  100 * time.Microsecond,
		StockKeyTTL:   24 * time.Hour,
		HolderPrefix:  "test",
	})
	return env
}

var errBoom = errors.New("boom")
