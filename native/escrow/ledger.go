package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"escrowledger/core/events"
	"escrowledger/core/types"
	"escrowledger/observability"
)

var (
	errNilSettlement = errors.New("escrow ledger: settlement not configured")
	errNotEmpty      = errors.New("escrow ledger: restore requires an empty ledger")
)

// Config holds the values fixed at ledger initialisation.
type Config struct {
	// MinimumDeposit is the smallest amount CreateEscrow accepts.
	MinimumDeposit *big.Int
	// Arbitrator is the only identity allowed to resolve disputes.
	Arbitrator Identity
	// SettlementTimeout bounds every settlement call. Zero means no bound
	// beyond the caller's context.
	SettlementTimeout time.Duration
}

func (c Config) validate() (Config, error) {
	arbitrator, err := c.Arbitrator.canonical()
	if err != nil {
		return Config{}, fmt.Errorf("arbitrator: %w", err)
	}
	if arbitrator.IsZero() {
		return Config{}, fmt.Errorf("arbitrator: %w: zero address", ErrInvalidIdentity)
	}
	if c.MinimumDeposit != nil && c.MinimumDeposit.Sign() < 0 {
		return Config{}, fmt.Errorf("%w: minimum deposit must be non-negative", ErrValidation)
	}
	if c.SettlementTimeout < 0 {
		return Config{}, fmt.Errorf("%w: settlement timeout must be non-negative", ErrValidation)
	}
	return Config{
		MinimumDeposit:    cloneBigInt(c.MinimumDeposit),
		Arbitrator:        arbitrator,
		SettlementTimeout: c.SettlementTimeout,
	}, nil
}

// Option customises a ledger.
type Option func(*Ledger)

// WithJournal makes every commit durable through j.
func WithJournal(j Journal) Option {
	return func(l *Ledger) {
		if j != nil {
			l.journal = j
		}
	}
}

// WithEmitter configures where committed transitions are announced.
func WithEmitter(emitter events.Emitter) Option {
	return func(l *Ledger) {
		if emitter != nil {
			l.emitter = emitter
		}
	}
}

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics overrides the process-wide metrics registry.
func WithMetrics(m *observability.EscrowMetrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithNowFunc overrides the unix-seconds clock. Primarily intended for tests.
func WithNowFunc(now func() int64) Option {
	return func(l *Ledger) {
		if now != nil {
			l.nowFn = now
		}
	}
}

type entry struct {
	mu     sync.Mutex
	escrow *Escrow
}

// Ledger is the registry of every escrow. Ids are assigned sequentially from
// zero and never reused; records are never removed.
type Ledger struct {
	cfg        Config
	settlement Settlement
	journal    Journal
	emitter    events.Emitter
	logger     *slog.Logger
	metrics    *observability.EscrowMetrics
	nowFn      func() int64

	// createMu serialises creation so ids stay gapless even when a deposit
	// fails part way.
	createMu sync.Mutex

	mu      sync.RWMutex
	records map[uint64]*entry
	order   []uint64
	nextID  uint64
}

// NewLedger constructs an empty ledger.
func NewLedger(cfg Config, settlement Settlement, opts ...Option) (*Ledger, error) {
	validated, err := cfg.validate()
	if err != nil {
		return nil, err
	}
	if settlement == nil {
		return nil, errNilSettlement
	}
	l := &Ledger{
		cfg:        validated,
		settlement: settlement,
		journal:    memoryJournal{},
		emitter:    events.NoopEmitter{},
		logger:     slog.Default(),
		metrics:    observability.Escrow(),
		nowFn:      func() int64 { return time.Now().Unix() },
		records:    make(map[uint64]*entry),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Arbitrator returns the configured dispute resolver.
func (l *Ledger) Arbitrator() Identity { return l.cfg.Arbitrator }

// MinimumDeposit returns a copy of the configured deposit floor.
func (l *Ledger) MinimumDeposit() *big.Int { return cloneBigInt(l.cfg.MinimumDeposit) }

// CreateParams describes a new escrow. Value, when set, is the amount the
// caller actually submitted and must equal Amount.
type CreateParams struct {
	Buyer      Identity
	Seller     Identity
	Amount     *big.Int
	Milestones int
	Value      *big.Int
}

// CreateEscrow validates p, takes the deposit through the settlement layer and
// registers the escrow. Nothing is registered if the deposit fails.
func (l *Ledger) CreateEscrow(ctx context.Context, p CreateParams) (*Escrow, error) {
	esc, err := l.create(ctx, p)
	if err != nil {
		l.metrics.RecordTransition("create", ErrorKind(err))
		return nil, err
	}
	l.metrics.RecordTransition("create", ErrorKind(nil))
	l.metrics.SetRecords(l.Len())
	l.emit(NewCreatedEvent(esc))
	l.logger.Info("escrow created",
		slog.Uint64("escrow", esc.ID),
		slog.String("amount", esc.Amount.String()),
		slog.Int("milestones", esc.Milestones.Len()))
	return esc.Clone(), nil
}

func (l *Ledger) create(ctx context.Context, p CreateParams) (*Escrow, error) {
	buyer, err := p.Buyer.canonical()
	if err != nil || buyer.IsZero() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBuyer, p.Buyer)
	}
	seller, err := p.Seller.canonical()
	if err != nil || seller.IsZero() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSeller, p.Seller)
	}
	if seller == buyer {
		return nil, fmt.Errorf("%w: seller equals buyer", ErrInvalidSeller)
	}
	if p.Amount == nil || p.Amount.Cmp(l.cfg.MinimumDeposit) < 0 {
		return nil, fmt.Errorf("%w: minimum is %s", ErrInsufficientDeposit, l.cfg.MinimumDeposit)
	}
	if p.Value != nil && p.Value.Cmp(p.Amount) != 0 {
		return nil, fmt.Errorf("%w: value %s, amount %s", ErrValueMismatch, p.Value, p.Amount)
	}
	milestones, err := NewMilestoneSet(p.Amount, p.Milestones)
	if err != nil {
		return nil, err
	}

	l.createMu.Lock()
	defer l.createMu.Unlock()

	l.mu.RLock()
	id := l.nextID
	l.mu.RUnlock()

	now := l.now()
	esc := &Escrow{
		ID:               id,
		Buyer:            buyer,
		Seller:           seller,
		Amount:           cloneBigInt(p.Amount),
		Status:           StatusActive,
		CurrentMilestone: 0,
		Milestones:       milestones,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := esc.Validate(); err != nil {
		return nil, err
	}
	deposit := Deposit{EscrowID: id, From: buyer, Amount: cloneBigInt(p.Amount)}
	err = l.commit(ctx, esc, nil, func(ctx context.Context) error {
		return l.settlement.Deposit(ctx, deposit)
	})
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.records[id] = &entry{escrow: esc}
	l.order = append(l.order, id)
	l.nextID = id + 1
	l.mu.Unlock()
	return esc, nil
}

// commit runs the journal write and the settlement call as one unit. Settlement
// errors are classified as ErrSettlementFailure.
func (l *Ledger) commit(ctx context.Context, next *Escrow, transfer *Transfer, settle func(context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if l.cfg.SettlementTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.SettlementTimeout)
		defer cancel()
	}
	start := time.Now()
	var settleErr error
	err := l.journal.Commit(ctx, next, transfer, func(ctx context.Context) error {
		if err := settle(ctx); err != nil {
			settleErr = fmt.Errorf("%w: %w", ErrSettlementFailure, err)
			return settleErr
		}
		return nil
	})
	l.metrics.ObserveSettlement(time.Since(start))
	if settleErr != nil {
		l.logger.Warn("escrow settlement failed",
			slog.Uint64("escrow", next.ID),
			slog.String("error", settleErr.Error()))
		return settleErr
	}
	if err != nil {
		return fmt.Errorf("escrow %d: journal commit: %w", next.ID, err)
	}
	return nil
}

// Restore loads previously committed records into an empty ledger, typically
// from a journal at boot. Records must carry consecutive ids starting at zero.
func (l *Ledger) Restore(records []*Escrow) error {
	l.createMu.Lock()
	defer l.createMu.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.records) != 0 {
		return errNotEmpty
	}
	restored := make(map[uint64]*entry, len(records))
	order := make([]uint64, 0, len(records))
	for i, rec := range records {
		if rec == nil {
			return fmt.Errorf("escrow ledger: nil record at position %d", i)
		}
		if rec.ID != uint64(i) {
			return fmt.Errorf("escrow ledger: record %d found at position %d", rec.ID, i)
		}
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("escrow ledger: restore: %w", err)
		}
		restored[rec.ID] = &entry{escrow: rec.Clone()}
		order = append(order, rec.ID)
	}
	l.records = restored
	l.order = order
	l.nextID = uint64(len(records))
	l.metrics.SetRecords(len(records))
	return nil
}

func (l *Ledger) lookup(id uint64) (*entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ent, ok := l.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: escrow %d", ErrNotFound, id)
	}
	return ent, nil
}

// Get returns a snapshot of the escrow with the given id.
func (l *Ledger) Get(id uint64) (*Escrow, error) {
	ent, err := l.lookup(id)
	if err != nil {
		return nil, err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	return ent.escrow.Clone(), nil
}

// Milestones returns a snapshot of the escrow's milestones.
func (l *Ledger) Milestones(id uint64) ([]Milestone, error) {
	ent, err := l.lookup(id)
	if err != nil {
		return nil, err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	return ent.escrow.Milestones.Snapshot(), nil
}

// ListByIdentity returns, in creation order, the ids of every escrow where id
// is the buyer or the seller.
func (l *Ledger) ListByIdentity(id Identity) []uint64 {
	canonical, err := id.canonical()
	if err != nil {
		return []uint64{}
	}
	l.mu.RLock()
	order := make([]uint64, len(l.order))
	copy(order, l.order)
	entries := make([]*entry, len(order))
	for i, escrowID := range order {
		entries[i] = l.records[escrowID]
	}
	l.mu.RUnlock()

	out := make([]uint64, 0)
	for i, ent := range entries {
		ent.mu.Lock()
		match := ent.escrow.HasParty(canonical)
		ent.mu.Unlock()
		if match {
			out = append(out, order[i])
		}
	}
	return out
}

// IDs returns every escrow id in creation order.
func (l *Ledger) IDs() []uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]uint64, len(l.order))
	copy(out, l.order)
	return out
}

// Len returns the number of escrows ever created.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order)
}

func (l *Ledger) emit(evt *types.Event) {
	if l == nil || l.emitter == nil || evt == nil {
		return
	}
	l.emitter.Emit(escrowEvent{evt: evt})
}

func (l *Ledger) now() int64 {
	if l == nil || l.nowFn == nil {
		return time.Now().Unix()
	}
	return l.nowFn()
}
