package userstream

import (
	"sync"

	"github.com/coachpo/venuelink/internal/infra/adapters/binance"
)

// OrderHandler receives order updates on the channel goroutine.
type OrderHandler func(accountID int64, update binance.OrderUpdate)

// PositionHandler receives position updates on the channel goroutine.
type PositionHandler func(accountID int64, update binance.PositionUpdate)

// BalanceHandler receives the balance entries of one account update.
type BalanceHandler func(accountID int64, updates []binance.BalanceUpdate)

type orderKey struct {
	accountID int64
	orderID   int64
}

type positionKey struct {
	accountID int64
	symbol    string
}

// routes holds keyed handlers plus catch-alls for one event class.
type routes[K comparable, F any] struct {
	mu    sync.RWMutex
	next  uint64
	keyed map[K]map[uint64]F
	all   map[uint64]F
}

func newRoutes[K comparable, F any]() *routes[K, F] {
	return &routes[K, F]{keyed: make(map[K]map[uint64]F), all: make(map[uint64]F)}
}

func (r *routes[K, F]) add(key *K, fn F) func() {
	r.mu.Lock()
	id := r.next
	r.next++
	if key == nil {
		r.all[id] = fn
	} else {
		bucket, ok := r.keyed[*key]
		if !ok {
			bucket = make(map[uint64]F)
			r.keyed[*key] = bucket
		}
		bucket[id] = fn
	}
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if key == nil {
				delete(r.all, id)
				return
			}
			if bucket, ok := r.keyed[*key]; ok {
				delete(bucket, id)
				if len(bucket) == 0 {
					delete(r.keyed, *key)
				}
			}
		})
	}
}

// lookup returns keyed handlers first, then catch-alls.
func (r *routes[K, F]) lookup(key K) []F {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]F, 0, len(r.keyed[key])+len(r.all))
	for _, fn := range r.keyed[key] {
		out = append(out, fn)
	}
	for _, fn := range r.all {
		out = append(out, fn)
	}
	return out
}

// HandleOrder subscribes fn to updates for one exchange order id.
func (m *Manager) HandleOrder(accountID, orderID int64, fn OrderHandler) (cancel func()) {
	key := orderKey{accountID: accountID, orderID: orderID}
	return m.orders.add(&key, fn)
}

// HandleOrders subscribes fn to every order update.
func (m *Manager) HandleOrders(fn OrderHandler) (cancel func()) {
	return m.orders.add(nil, fn)
}

// HandlePosition subscribes fn to position updates for one symbol.
func (m *Manager) HandlePosition(accountID int64, symbol string, fn PositionHandler) (cancel func()) {
	key := positionKey{accountID: accountID, symbol: normalizeSymbol(symbol)}
	return m.positions.add(&key, fn)
}

// HandlePositions subscribes fn to every position update.
func (m *Manager) HandlePositions(fn PositionHandler) (cancel func()) {
	return m.positions.add(nil, fn)
}

// HandleBalances subscribes fn to balance entries of account updates.
func (m *Manager) HandleBalances(fn BalanceHandler) (cancel func()) {
	return m.balances.add(nil, fn)
}

func (m *Manager) routeOrder(accountID int64, update binance.OrderUpdate) {
	for _, fn := range m.orders.lookup(orderKey{accountID: accountID, orderID: update.OrderID}) {
		fn(accountID, update)
	}
	m.recordChange(accountID, update.Symbol)
}

func (m *Manager) routePositions(accountID int64, updates []binance.PositionUpdate) {
	for _, update := range updates {
		for _, fn := range m.positions.lookup(positionKey{accountID: accountID, symbol: update.Symbol}) {
			fn(accountID, update)
		}
		m.recordChange(accountID, update.Symbol)
	}
}

func (m *Manager) routeBalances(accountID int64, updates []binance.BalanceUpdate) {
	if len(updates) == 0 {
		return
	}
	for _, fn := range m.balances.lookup(struct{}{}) {
		fn(accountID, updates)
	}
}

func (m *Manager) recordChange(accountID int64, symbol string) {
	if m.changes != nil && symbol != "" {
		m.changes.RecordChange(accountID, symbol)
	}
}
