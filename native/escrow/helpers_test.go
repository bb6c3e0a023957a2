package escrow

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"escrowledger/core/events"
	"escrowledger/observability"
)

func newTestIdentity(fill byte) Identity {
	return Identity(common.BytesToAddress(bytes.Repeat([]byte{fill}, 20)).Hex())
}

var (
	buyerID      = newTestIdentity(0x11)
	sellerID     = newTestIdentity(0x22)
	arbitratorID = newTestIdentity(0xA1)
	outsiderID   = newTestIdentity(0x33)
)

var errSettlementDown = errors.New("settlement offline")

// mockSettlement records every call and can be told to fail or stall.
type mockSettlement struct {
	mu        sync.Mutex
	deposits  []Deposit
	transfers []Transfer
	fail      error
	delay     time.Duration
}

func (m *mockSettlement) setFail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

func (m *mockSettlement) wait(ctx context.Context) error {
	m.mu.Lock()
	delay, fail := m.delay, m.fail
	m.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fail
}

func (m *mockSettlement) Deposit(ctx context.Context, d Deposit) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deposits = append(m.deposits, d)
	return nil
}

func (m *mockSettlement) Transfer(ctx context.Context, t Transfer) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transfers = append(m.transfers, t)
	return nil
}

func (m *mockSettlement) Transfers() []Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transfer(nil), m.transfers...)
}

type fixture struct {
	ledger   *Ledger
	engine   *Engine
	settle   *mockSettlement
	recorder *events.Recorder
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	settle := &mockSettlement{}
	recorder := &events.Recorder{}
	base := []Option{
		WithEmitter(recorder),
		WithMetrics(observability.NewEscrowMetrics(prometheus.NewRegistry())),
		WithNowFunc(func() int64 { return 1_700_000_000 }),
	}
	ledger, err := NewLedger(Config{
		MinimumDeposit: big.NewInt(10),
		Arbitrator:     arbitratorID,
	}, settle, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return &fixture{ledger: ledger, engine: NewEngine(ledger), settle: settle, recorder: recorder}
}

func (f *fixture) create(t *testing.T, amount int64, milestones int) *Escrow {
	t.Helper()
	esc, err := f.ledger.CreateEscrow(context.Background(), CreateParams{
		Buyer:      buyerID,
		Seller:     sellerID,
		Amount:     big.NewInt(amount),
		Milestones: milestones,
	})
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	return esc
}

func (f *fixture) eventTypes() []string {
	recorded := f.recorder.Events()
	out := make([]string, len(recorded))
	for i, evt := range recorded {
		out[i] = evt.EventType()
	}
	return out
}

func requireKind(t *testing.T, err error, want error) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %v, got nil", want)
	}
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}
