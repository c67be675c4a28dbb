package milestone

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/gigledger/internal/apperr"
	"github.com/mbd888/gigledger/internal/escrow"
	"github.com/mbd888/gigledger/internal/events"
	"github.com/mbd888/gigledger/internal/ledger"
	"github.com/mbd888/gigledger/internal/marketplace"
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

// failingEscrows fails every release while fail is set.
type failingEscrows struct {
	*escrow.Service
	fail bool
}

func (f *failingEscrows) ReleaseAmount(ctx context.Context, id string, gross int64, meta escrow.ReleaseMeta) (*escrow.Payout, error) {
	if f.fail {
		return nil, errors.New("escrow unavailable")
	}
	return f.Service.ReleaseAmount(ctx, id, gross, meta)
}

// brokenStore fails every CreateAll.
type brokenStore struct {
	Store
}

func (brokenStore) CreateAll(context.Context, []*Milestone) error {
	return errors.New("disk full")
}

type fixture struct {
	svc        *Service
	escrows    *escrow.Service
	release    *failingEscrows
	ledger     *ledger.Ledger
	market     *marketplace.MemoryStore
	events     *events.Recorder
	clock      *clock
	freelancer string
	platform   string
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithStore(t, NewMemoryStore())
}

func newFixtureWithStore(t *testing.T, store Store) *fixture {
	t.Helper()
	ctx := context.Background()

	l := ledger.New(ledger.NewMemoryStore(), nil)
	market := marketplace.NewMemoryStore()
	clk := &clock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	plans := subscription.NewResolver(subscription.NewMemoryStore(), l, nil).WithClock(clk.Now)
	rec := &events.Recorder{}

	require.NoError(t, market.CreateJob(ctx, &marketplace.Job{ID: "job_1", ClientID: "usr_client", Title: "Mobile app", Budget: 10000}))
	require.NoError(t, market.CreateJob(ctx, &marketplace.Job{ID: "job_2", ClientID: "usr_client", Title: "Landing page", Budget: 2000}))
	require.NoError(t, market.CreateProposal(ctx, &marketplace.Proposal{ID: "prop_1", JobID: "job_1", FreelancerID: "usr_free", BidAmount: 10000}))

	client, err := l.EnsureWallet(ctx, ledger.OwnerUser, "usr_client")
	require.NoError(t, err)
	_, err = l.Deposit(ctx, client.ID, 12000, "seed:client")
	require.NoError(t, err)
	freelancer, err := l.EnsureWallet(ctx, ledger.OwnerUser, "usr_free")
	require.NoError(t, err)
	platform, err := l.EnsureWallet(ctx, ledger.OwnerPlatform, "platform")
	require.NoError(t, err)

	esc := escrow.NewService(escrow.NewMemoryStore(), l, plans, market).WithEvents(rec).WithClock(clk.Now)
	release := &failingEscrows{Service: esc}
	svc := NewService(store, release, market, market).WithEvents(rec).WithClock(clk.Now)
	return &fixture{
		svc: svc, escrows: esc, release: release, ledger: l, market: market, events: rec, clock: clk,
		freelancer: freelancer.ID, platform: platform.ID,
	}
}

func (f *fixture) hire(t *testing.T) *escrow.Escrow {
	t.Helper()
	hire, err := f.escrows.Create(context.Background(), escrow.CreateRequest{
		JobID: "job_1", ProposalID: "prop_1", Amount: 10000, CallerID: "usr_client",
	})
	require.NoError(t, err)
	return hire.Escrow
}

// split hires and creates the 60/40 split of the 10,000 escrow.
func (f *fixture) split(t *testing.T) (*escrow.Escrow, []*Milestone) {
	t.Helper()
	e := f.hire(t)
	ms, err := f.svc.Create(context.Background(), "job_1", "usr_client", []Input{
		{Title: "Design", Amount: 6000, Percentage: pct(60)},
		{Title: "Build", Amount: 4000, Percentage: pct(40)},
	})
	require.NoError(t, err)
	return e, ms
}

func (f *fixture) balance(t *testing.T, walletID string) int64 {
	t.Helper()
	b, err := f.ledger.GetBalance(context.Background(), walletID)
	require.NoError(t, err)
	return b
}

func (f *fixture) escrow(t *testing.T, id string) *escrow.Escrow {
	t.Helper()
	e, err := f.escrows.Get(context.Background(), id)
	require.NoError(t, err)
	return e
}

func pct(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

func TestCreate_Split(t *testing.T) {
	f := newFixture(t)
	e, ms := f.split(t)

	require.Len(t, ms, 2)
	for i, m := range ms {
		assert.Equal(t, StatusPending, m.Status)
		assert.Equal(t, i, m.OrderIndex)
		assert.Equal(t, DefaultAutoReleaseHours, m.AutoReleaseHours)
		assert.Contains(t, m.ID, "ms_")
	}
	assert.True(t, f.escrow(t, e.ID).MilestonesEnabled)

	job, err := f.market.GetJob(context.Background(), "job_1")
	require.NoError(t, err)
	assert.True(t, job.MilestonesEnabled)
	assert.Contains(t, f.events.Types(), events.MilestonesCreated)

	_, err = f.svc.Create(context.Background(), "job_1", "usr_client", []Input{{Title: "Again", Amount: 100, Percentage: pct(100)}})
	assert.ErrorIs(t, err, ErrAlreadySplit)
}

func TestCreate_Validation(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		caller string
		inputs []Input
		want   error
	}{
		{"no milestones", "usr_client", nil, ErrInvalidSplit},
		{"sum too low", "usr_client", []Input{
			{Title: "A", Amount: 5000, Percentage: pct(50)},
			{Title: "B", Amount: 4000, Percentage: pct(48)},
		}, ErrInvalidSplit},
		{"sum too high", "usr_client", []Input{
			{Title: "A", Amount: 5000, Percentage: pct(52)},
			{Title: "B", Amount: 5000, Percentage: pct(50)},
		}, ErrInvalidSplit},
		{"missing title", "usr_client", []Input{{Title: " ", Amount: 100, Percentage: pct(100)}}, apperr.ErrInvalidInput},
		{"zero amount", "usr_client", []Input{{Title: "A", Amount: 0, Percentage: pct(100)}}, apperr.ErrInvalidInput},
		{"exceeds escrow", "usr_client", []Input{
			{Title: "A", Amount: 6000, Percentage: pct(50)},
			{Title: "B", Amount: 6000, Percentage: pct(50)},
		}, ErrInvalidSplit},
		{"short of escrow", "usr_client", []Input{
			{Title: "A", Amount: 6000, Percentage: pct(60)},
			{Title: "B", Amount: 3900, Percentage: pct(39)},
		}, ErrInvalidSplit},
		{"amount off its percentage", "usr_client", []Input{
			{Title: "A", Amount: 7000, Percentage: pct(60)},
			{Title: "B", Amount: 3000, Percentage: pct(40)},
		}, ErrInvalidSplit},
		{"not the client", "usr_free", []Input{{Title: "A", Amount: 100, Percentage: pct(100)}}, apperr.ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.hire(t)
			_, err := f.svc.Create(ctx, "job_1", tt.caller, tt.inputs)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCreate_SumWithinTolerance(t *testing.T) {
	f := newFixture(t)
	ms, err := f.svc.Create(context.Background(), "job_2", "usr_client", []Input{
		{Title: "A", Amount: 660, Percentage: decimal.RequireFromString("33.33")},
		{Title: "B", Amount: 660, Percentage: decimal.RequireFromString("33.33")},
		{Title: "C", Amount: 660, Percentage: decimal.RequireFromString("33.33")},
	})
	require.NoError(t, err)
	assert.Len(t, ms, 3)
}

func TestCreate_NamesActualSum(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), "job_2", "usr_client", []Input{
		{Title: "A", Amount: 1000, Percentage: pct(50)},
		{Title: "B", Amount: 900, Percentage: pct(45)},
	})
	require.ErrorIs(t, err, ErrInvalidSplit)
	assert.Contains(t, err.Error(), "95%")
}

func TestCreate_AmountsFollowPercentages(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), "job_2", "usr_client", []Input{
		{Title: "A", Amount: 1500, Percentage: pct(50)},
		{Title: "B", Amount: 500, Percentage: pct(50)},
	})
	require.ErrorIs(t, err, ErrInvalidSplit)
	assert.Contains(t, err.Error(), "milestone 1")
}

func TestCreate_StoreFailureLeavesEscrowUnflagged(t *testing.T) {
	f := newFixtureWithStore(t, brokenStore{Store: NewMemoryStore()})
	e := f.hire(t)

	_, err := f.svc.Create(context.Background(), "job_1", "usr_client", []Input{
		{Title: "Design", Amount: 6000, Percentage: pct(60)},
		{Title: "Build", Amount: 4000, Percentage: pct(40)},
	})
	require.ErrorIs(t, err, apperr.ErrDependencyFailure)
	assert.False(t, f.escrow(t, e.ID).MilestonesEnabled)

	p, err := f.escrows.Release(context.Background(), e.ID, pct(100))
	require.NoError(t, err, "the escrow still pays out as a whole")
	assert.Equal(t, escrow.StatusReleased, p.Status)
}

func TestCreate_BeforeHireFlagsLaterEscrow(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), "job_1", "usr_client", []Input{
		{Title: "All", Amount: 10000, Percentage: pct(100)},
	})
	require.NoError(t, err)

	e := f.hire(t)
	assert.True(t, e.MilestonesEnabled)
	_, err = f.escrows.Release(context.Background(), e.ID, pct(100))
	assert.ErrorIs(t, err, apperr.ErrInvalidState, "milestone escrows pay out per milestone")
}

func TestSubmit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, ms := f.split(t)

	_, err := f.svc.Submit(ctx, ms[0].ID, "usr_client", "done", nil)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	m, err := f.svc.Submit(ctx, ms[0].ID, "usr_free", "first draft", []string{"https://files.example/d1.pdf"})
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, m.Status)
	require.NotNil(t, m.AutoReleaseAt)
	assert.Equal(t, f.clock.Now().Add(72*time.Hour), *m.AutoReleaseAt)
	assert.Equal(t, []string{"https://files.example/d1.pdf"}, m.SubmissionFiles)
	assert.Contains(t, f.events.Types(), events.MilestoneSubmitted)

	_, err = f.svc.Submit(ctx, ms[0].ID, "usr_free", "again", nil)
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestSubmit_RequiresFundedEscrow(t *testing.T) {
	f := newFixture(t)
	ms, err := f.svc.Create(context.Background(), "job_2", "usr_client", []Input{{Title: "A", Amount: 2000, Percentage: pct(100)}})
	require.NoError(t, err)

	_, err = f.svc.Submit(context.Background(), ms[0].ID, "usr_free", "", nil)
	assert.ErrorIs(t, err, ErrNoEscrow)
}

func TestApprove_PartialScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e, ms := f.split(t)

	_, err := f.svc.Submit(ctx, ms[0].ID, "usr_free", "", nil)
	require.NoError(t, err)

	a, err := f.svc.Approve(ctx, ms[0].ID, "usr_client", pct(50), "half now")
	require.NoError(t, err)
	assert.Equal(t, StatusPartiallyApproved, a.Milestone.Status)
	assert.Equal(t, int64(3000), a.Milestone.PaidAmount)
	assert.Nil(t, a.Milestone.AutoReleaseAt)
	assert.True(t, a.Milestone.PartialApprovalPct.Equal(pct(50)))
	assert.Equal(t, int64(3000), a.Payout.Gross)
	assert.Equal(t, int64(208), a.Payout.Fee)
	assert.Equal(t, int64(2792), a.Payout.Net)
	assert.Equal(t, int64(7000), f.escrow(t, e.ID).Remaining())
	assert.Equal(t, int64(2792), f.balance(t, f.freelancer))
	assert.Equal(t, a.Payout.PaymentID, a.Payment.ID)

	// the unpaid half is resubmitted and approved in full
	_, err = f.svc.Submit(ctx, ms[0].ID, "usr_free", "rest", nil)
	require.NoError(t, err)
	a, err = f.svc.Approve(ctx, ms[0].ID, "usr_client", pct(100), "")
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, a.Milestone.Status)
	assert.Equal(t, int64(6000), a.Milestone.PaidAmount)
	assert.Equal(t, int64(3000), a.Payout.Gross, "capped at the unpaid part")
	assert.Equal(t, int64(4000), f.escrow(t, e.ID).Remaining())

	ov, err := f.svc.Overview(ctx, "job_1", "usr_client")
	require.NoError(t, err)
	assert.Len(t, ov.Payments, 2)
	assert.Equal(t, Summary{TotalBudget: 10000, TotalPaid: 6000, Remaining: 4000, CompletedMilestones: 1, ProgressPercent: 60}, ov.Summary)
}

func TestApprove_LastMilestoneSettlesEscrow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e, ms := f.split(t)

	for _, m := range ms {
		_, err := f.svc.Submit(ctx, m.ID, "usr_free", "", nil)
		require.NoError(t, err)
		_, err = f.svc.Approve(ctx, m.ID, "usr_client", pct(100), "")
		require.NoError(t, err)
	}

	got := f.escrow(t, e.ID)
	assert.Equal(t, escrow.StatusReleased, got.Status)
	assert.Equal(t, got.TotalFee(), got.FeeCollected)
	assert.Equal(t, int64(10000-696), f.balance(t, f.freelancer))
	assert.Equal(t, int64(696), f.balance(t, f.platform))
}

func TestApprove_LastMilestoneSettlesLeftover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ms, err := f.svc.Create(ctx, "job_1", "usr_client", []Input{
		{Title: "Design", Amount: 6000, Percentage: pct(60)},
		{Title: "Build", Amount: 3900, Percentage: pct(39)},
	})
	require.NoError(t, err)
	e := f.hire(t)

	var last *Approval
	for _, m := range ms {
		_, err := f.svc.Submit(ctx, m.ID, "usr_free", "", nil)
		require.NoError(t, err)
		last, err = f.svc.Approve(ctx, m.ID, "usr_client", pct(100), "")
		require.NoError(t, err)
	}

	assert.Equal(t, StatusPaid, last.Milestone.Status)
	assert.Equal(t, int64(3900), last.Milestone.PaidAmount)
	assert.Equal(t, int64(4000), last.Payout.Gross, "the last payout carries the unsplit 100")

	got := f.escrow(t, e.ID)
	assert.Equal(t, escrow.StatusReleased, got.Status)
	assert.Zero(t, got.Remaining())
	assert.Equal(t, got.TotalFee(), got.FeeCollected)
	assert.Equal(t, int64(10000-696), f.balance(t, f.freelancer))
	assert.Equal(t, int64(696), f.balance(t, f.platform))
}

func TestApprove_StaleCopyCannotPayTwice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e, ms := f.split(t)
	_, err := f.svc.Submit(ctx, ms[0].ID, "usr_free", "", nil)
	require.NoError(t, err)

	stale, err := f.svc.Get(ctx, ms[0].ID)
	require.NoError(t, err)

	// half is paid and the rest resubmitted while stale is held
	_, err = f.svc.Approve(ctx, ms[0].ID, "usr_client", pct(50), "")
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, ms[0].ID, "usr_free", "rest", nil)
	require.NoError(t, err)

	_, err = f.svc.approve(ctx, stale, pct(100), "", false)
	require.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, int64(3000), f.escrow(t, e.ID).Released)

	a, err := f.svc.Approve(ctx, ms[0].ID, "usr_client", pct(100), "")
	require.NoError(t, err)
	assert.Equal(t, int64(3000), a.Payout.Gross)
	assert.Equal(t, int64(6000), a.Milestone.PaidAmount)
	assert.LessOrEqual(t, f.escrow(t, e.ID).Released, ms[0].Amount)
}

func TestApprove_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, ms := f.split(t)

	_, err := f.svc.Approve(ctx, ms[0].ID, "usr_client", pct(100), "")
	assert.ErrorIs(t, err, ErrInvalidStatus, "pending milestones cannot be approved")

	_, err = f.svc.Submit(ctx, ms[0].ID, "usr_free", "", nil)
	require.NoError(t, err)

	_, err = f.svc.Approve(ctx, ms[0].ID, "usr_client", pct(0), "")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
	_, err = f.svc.Approve(ctx, ms[0].ID, "usr_client", pct(101), "")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
	_, err = f.svc.Approve(ctx, ms[0].ID, "usr_free", pct(100), "")
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestApprove_FailedReleaseRevertsClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e, ms := f.split(t)
	_, err := f.svc.Submit(ctx, ms[0].ID, "usr_free", "", nil)
	require.NoError(t, err)

	f.release.fail = true
	_, err = f.svc.Approve(ctx, ms[0].ID, "usr_client", pct(100), "")
	require.Error(t, err)

	m, err := f.svc.Get(ctx, ms[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, m.Status)
	assert.Zero(t, m.PaidAmount)
	assert.NotNil(t, m.AutoReleaseAt, "countdown survives a failed payout")
	assert.Equal(t, int64(10000), f.escrow(t, e.ID).Remaining())

	f.release.fail = false
	a, err := f.svc.Approve(ctx, ms[0].ID, "usr_client", pct(100), "")
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, a.Milestone.Status)
}

func TestApprove_ConcurrentOnlyOneWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, ms := f.split(t)
	_, err := f.svc.Submit(ctx, ms[0].ID, "usr_free", "", nil)
	require.NoError(t, err)

	const n = 8
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make([]error, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = f.svc.Approve(ctx, ms[0].ID, "usr_client", pct(100), "")
		}(i)
	}
	close(start)
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		if !errors.Is(err, apperr.ErrConcurrencyConflict) && !errors.Is(err, apperr.ErrInvalidState) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, int64(6000-417), f.balance(t, f.freelancer), "credited exactly once")
}

func TestAutoApprove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, ms := f.split(t)
	_, err := f.svc.Submit(ctx, ms[0].ID, "usr_free", "", nil)
	require.NoError(t, err)

	f.clock.Advance(71 * time.Hour)
	a, err := f.svc.AutoApprove(ctx, ms[0].ID)
	require.NoError(t, err)
	assert.Nil(t, a, "not due yet")

	f.clock.Advance(2 * time.Hour)
	due, err := f.svc.ListDueForAutoRelease(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	a, err = f.svc.AutoApprove(ctx, ms[0].ID)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, StatusPaid, a.Milestone.Status)
	assert.True(t, a.Payment.Auto)
	assert.Equal(t, int64(5583), f.balance(t, f.freelancer))

	a, err = f.svc.AutoApprove(ctx, ms[0].ID)
	require.NoError(t, err)
	assert.Nil(t, a, "firing twice never pays twice")
	assert.Equal(t, int64(5583), f.balance(t, f.freelancer))
}

func TestRequestRevision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, ms := f.split(t)
	_, err := f.svc.Submit(ctx, ms[1].ID, "usr_free", "", nil)
	require.NoError(t, err)

	_, err = f.svc.RequestRevision(ctx, ms[1].ID, "usr_client", "  ")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	m, err := f.svc.RequestRevision(ctx, ms[1].ID, "usr_client", "Needs dark mode")
	require.NoError(t, err)
	assert.Equal(t, StatusRevisionRequested, m.Status)
	assert.True(t, m.RevisionRequested)
	assert.Equal(t, 1, m.RevisionCount)
	assert.Nil(t, m.AutoReleaseAt)
	assert.Contains(t, f.events.Types(), events.MilestoneRevisionRequested)

	due, err := f.svc.ListDueForAutoRelease(ctx, f.clock.Now().Add(100*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due, "revision cancels the countdown")

	m, err = f.svc.Submit(ctx, ms[1].ID, "usr_free", "dark mode added", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, m.Status)
	assert.False(t, m.RevisionRequested)
}

func TestUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, ms := f.split(t)

	title := "Wireframes"
	due := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	m, err := f.svc.Update(ctx, ms[0].ID, "usr_client", Changes{Title: &title, DueDate: &due})
	require.NoError(t, err)
	assert.Equal(t, "Wireframes", m.Title)
	assert.Equal(t, due, *m.DueDate)
	assert.Equal(t, int64(6000), m.Amount)

	_, err = f.svc.Update(ctx, ms[0].ID, "usr_client", Changes{})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = f.svc.Submit(ctx, ms[0].ID, "usr_free", "", nil)
	require.NoError(t, err)
	_, err = f.svc.Update(ctx, ms[0].ID, "usr_client", Changes{Title: &title})
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestOverview_Visibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.split(t)

	_, err := f.svc.Overview(ctx, "job_1", "usr_free")
	assert.NoError(t, err)
	_, err = f.svc.Overview(ctx, "job_1", "usr_stranger")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	ov, err := f.svc.Overview(ctx, "job_2", "usr_client")
	require.NoError(t, err)
	assert.Empty(t, ov.Milestones)
	assert.Nil(t, ov.Escrow)
}

func TestSummarize(t *testing.T) {
	s := Summarize([]*Milestone{
		{Amount: 6000, PaidAmount: 6000, Status: StatusPaid},
		{Amount: 3000, PaidAmount: 1000, Status: StatusPartiallyApproved},
		{Amount: 1000},
	})
	assert.Equal(t, Summary{TotalBudget: 10000, TotalPaid: 7000, Remaining: 3000, CompletedMilestones: 1, ProgressPercent: 70}, s)
	assert.Equal(t, Summary{}, Summarize(nil))
}
