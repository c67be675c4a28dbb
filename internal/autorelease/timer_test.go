package autorelease

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/gigledger/internal/escrow"
	"github.com/mbd888/gigledger/internal/ledger"
	"github.com/mbd888/gigledger/internal/marketplace"
	"github.com/mbd888/gigledger/internal/milestone"
	"github.com/mbd888/gigledger/internal/subscription"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	escrows    *escrow.Service
	milestones *milestone.Service
	ledger     *ledger.Ledger
	clock      *clock
	timer      *Timer
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	l := ledger.New(ledger.NewMemoryStore(), nil)
	market := marketplace.NewMemoryStore()
	clk := &clock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	plans := subscription.NewResolver(subscription.NewMemoryStore(), l, nil).WithClock(clk.Now)

	for _, job := range []*marketplace.Job{
		{ID: "job_split", ClientID: "usr_client", Title: "App", Budget: 10000},
		{ID: "job_whole", ClientID: "usr_client", Title: "Logo", Budget: 8000},
	} {
		require.NoError(t, market.CreateJob(ctx, job))
	}
	require.NoError(t, market.CreateProposal(ctx, &marketplace.Proposal{ID: "prop_split", JobID: "job_split", FreelancerID: "usr_free", BidAmount: 10000}))
	require.NoError(t, market.CreateProposal(ctx, &marketplace.Proposal{ID: "prop_whole", JobID: "job_whole", FreelancerID: "usr_free", BidAmount: 8000}))

	client, err := l.EnsureWallet(ctx, ledger.OwnerUser, "usr_client")
	require.NoError(t, err)
	_, err = l.Deposit(ctx, client.ID, 20000, "seed:client")
	require.NoError(t, err)

	esc := escrow.NewService(escrow.NewMemoryStore(), l, plans, market).WithClock(clk.Now)
	ms := milestone.NewService(milestone.NewMemoryStore(), esc, market, market).WithClock(clk.Now)
	timer := NewTimer(ms, esc, time.Hour, quietLogger()).WithClock(clk.Now)
	return &fixture{escrows: esc, milestones: ms, ledger: l, clock: clk, timer: timer}
}

func (f *fixture) hire(t *testing.T, jobID, proposalID string, amount int64) *escrow.Escrow {
	t.Helper()
	hire, err := f.escrows.Create(context.Background(), escrow.CreateRequest{
		JobID: jobID, ProposalID: proposalID, Amount: amount, CallerID: "usr_client",
	})
	require.NoError(t, err)
	return hire.Escrow
}

func (f *fixture) freelancerBalance(t *testing.T) int64 {
	t.Helper()
	w, err := f.ledger.EnsureWallet(context.Background(), ledger.OwnerUser, "usr_free")
	require.NoError(t, err)
	b, err := f.ledger.GetBalance(context.Background(), w.ID)
	require.NoError(t, err)
	return b
}

func TestTick_AutoApprovesMilestone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.hire(t, "job_split", "prop_split", 10000)

	ms, err := f.milestones.Create(ctx, "job_split", "usr_client", []milestone.Input{
		{Title: "Design", Amount: 6000, Percentage: decimal.NewFromInt(60)},
		{Title: "Build", Amount: 4000, Percentage: decimal.NewFromInt(40)},
	})
	require.NoError(t, err)
	_, err = f.milestones.Submit(ctx, ms[0].ID, "usr_free", "", nil)
	require.NoError(t, err)

	res := f.timer.Tick(ctx, f.clock.Now())
	assert.Equal(t, Result{}, res, "nothing due yet")

	f.clock.Advance(73 * time.Hour)
	res = f.timer.Tick(ctx, f.clock.Now())
	assert.Equal(t, 1, res.MilestonesApproved)
	assert.Zero(t, res.EscrowsReleased, "milestone escrows never release whole")

	m, err := f.milestones.Get(ctx, ms[0].ID)
	require.NoError(t, err)
	assert.Equal(t, milestone.StatusPaid, m.Status)
	assert.Equal(t, int64(5583), f.freelancerBalance(t))

	res = f.timer.Tick(ctx, f.clock.Now())
	assert.Equal(t, Result{}, res)
	assert.Equal(t, int64(5583), f.freelancerBalance(t), "a second tick pays nothing")
}

func TestTick_AutoReleasesDeliveredEscrow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.hire(t, "job_whole", "prop_whole", 8000)

	_, err := f.escrows.MarkDelivered(ctx, e.ID, "usr_free")
	require.NoError(t, err)

	f.clock.Advance(71 * time.Hour)
	assert.Equal(t, Result{}, f.timer.Tick(ctx, f.clock.Now()))

	f.clock.Advance(2 * time.Hour)
	res := f.timer.Tick(ctx, f.clock.Now())
	assert.Equal(t, 1, res.EscrowsReleased)

	got, err := f.escrows.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusReleased, got.Status)
	assert.Equal(t, escrow.ResolutionAutoReleased, got.Resolution)
	assert.Equal(t, int64(7443), f.freelancerBalance(t))
}

type brokenMilestones struct {
	panics bool
}

func (b *brokenMilestones) ListDueForAutoRelease(context.Context, time.Time, int) ([]*milestone.Milestone, error) {
	if b.panics {
		panic("boom")
	}
	return nil, errors.New("db down")
}

func (b *brokenMilestones) AutoApprove(context.Context, string) (*milestone.Approval, error) {
	return nil, nil
}

func TestTick_MilestoneListFailureStillReleasesEscrows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.hire(t, "job_whole", "prop_whole", 8000)
	_, err := f.escrows.MarkDelivered(ctx, e.ID, "usr_free")
	require.NoError(t, err)
	f.clock.Advance(80 * time.Hour)

	timer := NewTimer(&brokenMilestones{}, f.escrows, 0, quietLogger())
	res := timer.Tick(ctx, f.clock.Now())
	assert.Equal(t, 1, res.EscrowsReleased)
}

func TestSafeTick_RecoversPanic(t *testing.T) {
	f := newFixture(t)
	timer := NewTimer(&brokenMilestones{panics: true}, f.escrows, 0, quietLogger())
	assert.NotPanics(t, func() { timer.safeTick(context.Background()) })
}

func TestTimer_StartStop(t *testing.T) {
	f := newFixture(t)
	timer := NewTimer(f.milestones, f.escrows, 10*time.Millisecond, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()

	require.Eventually(t, timer.Running, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	timer.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not stop within 2 seconds")
	}
	assert.False(t, timer.Running())
}

func TestTimer_ContextCancellation(t *testing.T) {
	f := newFixture(t)
	timer := NewTimer(f.milestones, f.escrows, time.Hour, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not stop on context cancel within 2 seconds")
	}
}
