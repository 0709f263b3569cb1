package registry

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"bybit-hedge-bot/internal/models"
)

var ErrAlreadyRunning = errors.New("operation already running for this chat and symbol")

// FloatCell is a mutex-guarded float64 shared between the engine (sole
// writer) and concurrent observers (cancellation initiator, progress
// reporter).
type FloatCell struct {
	mu sync.Mutex
	v  float64
}

func (c *FloatCell) Load() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v
}

func (c *FloatCell) Store(v float64) {
	c.mu.Lock()
	c.v = v
	c.mu.Unlock()
}

// StringCell holds the engine's current exchange order id.
type StringCell struct {
	mu sync.Mutex
	v  string
}

func (c *StringCell) Load() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v
}

func (c *StringCell) Store(v string) {
	c.mu.Lock()
	c.v = v
	c.mu.Unlock()
}

// Operation is one admitted hedge or unhedge. The engine owns the
// mutable cells for the operation's lifetime; everyone else only reads.
type Operation struct {
	ChatID int64
	Symbol string
	Kind   models.OperationKind

	sessionID atomic.Int64

	// OrderID and Filled are live views into the engine's loop state.
	OrderID *StringCell
	Filled  *FloatCell

	progressMessageID atomic.Int64

	cancelOnce sync.Once
	cancelled  chan struct{}
}

// Cancel requests a cooperative stop. The engine observes it at its
// next monitoring checkpoint; latency is bounded by the poll interval.
func (op *Operation) Cancel() {
	op.cancelOnce.Do(func() { close(op.cancelled) })
}

// Cancelled returns a channel closed once cancellation was requested.
func (op *Operation) Cancelled() <-chan struct{} {
	return op.cancelled
}

func (op *Operation) CancelRequested() bool {
	select {
	case <-op.cancelled:
		return true
	default:
		return false
	}
}

// SetSessionID publishes the session row id once persistence assigned
// it. Admission happens before the session row exists, so observers
// must tolerate a zero id for a short window.
func (op *Operation) SetSessionID(id int64) {
	op.sessionID.Store(id)
}

func (op *Operation) SessionID() int64 {
	return op.sessionID.Load()
}

func (op *Operation) SetProgressMessageID(id int64) {
	op.progressMessageID.Store(id)
}

func (op *Operation) ProgressMessageID() int64 {
	return op.progressMessageID.Load()
}

type key struct {
	chatID int64
	symbol string
}

// Registry enforces at most one in-flight operation per (chat, symbol).
type Registry struct {
	mu  sync.Mutex
	ops map[key]*Operation
}

func New() *Registry {
	return &Registry{ops: make(map[key]*Operation)}
}

// TryAdmit atomically checks for an existing entry and inserts a new
// one. The single check-and-insert under the lock is what prevents two
// operations for the same scope/symbol from racing into existence.
func (r *Registry) TryAdmit(chatID int64, symbol string, kind models.OperationKind) (*Operation, error) {
	k := key{chatID: chatID, symbol: symbol}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ops[k]; exists {
		return nil, ErrAlreadyRunning
	}
	op := &Operation{
		ChatID:    chatID,
		Symbol:    symbol,
		Kind:      kind,
		OrderID:   &StringCell{},
		Filled:    &FloatCell{},
		cancelled: make(chan struct{}),
	}
	r.ops[k] = op
	return op, nil
}

// Release removes the entry. The engine calls this on every terminal
// transition; during cancellation the entry stays visible until the
// engine has actually stopped, because the engine itself releases.
func (r *Registry) Release(chatID int64, symbol string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ops, key{chatID: chatID, symbol: symbol})
}

// Cancel triggers cancellation for the matching operation. It reports
// whether an operation was found; the entry is not removed here.
func (r *Registry) Cancel(chatID int64, symbol string) bool {
	r.mu.Lock()
	op, ok := r.ops[key{chatID: chatID, symbol: symbol}]
	r.mu.Unlock()
	if !ok {
		return false
	}
	op.Cancel()
	return true
}

// Lookup returns the live operation for (chat, symbol), if any.
func (r *Registry) Lookup(chatID int64, symbol string) (*Operation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[key{chatID: chatID, symbol: symbol}]
	return op, ok
}

// ActiveForChat snapshots a chat's running operations, ordered by
// session id for stable rendering.
func (r *Registry) ActiveForChat(chatID int64) []*Operation {
	r.mu.Lock()
	var out []*Operation
	for k, op := range r.ops {
		if k.chatID == chatID {
			out = append(out, op)
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID() < out[j].SessionID() })
	return out
}
