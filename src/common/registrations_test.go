package common_test

import (
	"arena/src/common"
	"arena/src/config"
	"arena/src/testutil"
	"arena/src/types"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

func testTable() *config.LotTable {
	return &config.LotTable{
		Lots: []config.Lot{
			{
				ID:     1,
				Starts: testNow.Add(-24 * time.Hour),
				Ends:   testNow.Add(24 * time.Hour),
				Prices: map[string]int64{"rx": 18000, "scaled": 14000},
			},
			{
				ID:     2,
				Starts: testNow.Add(48 * time.Hour),
				Ends:   testNow.Add(96 * time.Hour),
				Prices: map[string]int64{"rx": 21000, "scaled": 17000},
			},
		},
		Capacities: map[string]uint{"rx": 40, "scaled": 80},
	}
}

type fixture struct {
	svc    *common.RegistrationService
	store  *testutil.MemStore
	ledger *testutil.MemLedger
	gw     *testutil.FakeGateway
	clock  *clockwork.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ledger := testutil.NewMemLedger()
	for category, capacity := range testTable().Capacities {
		for _, lot := range testTable().Lots {
			ledger.SetCapacity(category, lot.ID, capacity)
		}
	}
	store := testutil.NewMemStore(ledger)
	gw := &testutil.FakeGateway{}
	clock := clockwork.NewFakeClockAt(testNow)
	svc := common.NewRegistrationService(store, ledger, gw, common.NewLotResolver(testTable()), clock)
	return &fixture{svc: svc, store: store, ledger: ledger, gw: gw, clock: clock}
}

func validBody(team string) *types.CreateRegistrationRequestBody {
	return &types.CreateRegistrationRequestBody{
		TeamID:       team,
		TeamName:     "Team " + team,
		CaptainID:    "captain-" + team,
		CaptainEmail: team + "@example.com",
		Category:     "rx",
		Athletes: types.Athletes{
			{Name: "A1", Gender: types.GenderMale},
			{Name: "A2", Gender: types.GenderMale},
			{Name: "A3", Gender: types.GenderFemale},
			{Name: "A4", Gender: types.GenderFemale},
		},
	}
}

func TestCreateRegistration(t *testing.T) {
	f := newFixture(t)
	body := validBody("alpha")

	reg, err := f.svc.Create(context.Background(), body.CaptainID, body)
	require.Nil(t, err)

	assert.Equal(t, types.REGISTRATION_PENDING, reg.Status)
	assert.Equal(t, 1, reg.Lot)
	assert.EqualValues(t, 18000, reg.UnitPrice)
	assert.EqualValues(t, 4*18000, reg.TotalAmount)
	require.NotNil(t, reg.PixCode)
	require.NotNil(t, reg.ChargeRef)
	require.NotNil(t, reg.PaymentDeadline)
	assert.Equal(t, testNow.Add(time.Hour), *reg.PaymentDeadline)
	assert.EqualValues(t, 1, f.ledger.Used("rx", 1))

	// Charge was created with the registration id as correlation reference.
	require.Len(t, f.gw.Charges, 1)
	assert.Equal(t, reg.ID.String(), f.gw.Charges[0].CorrelationID)
	assert.EqualValues(t, reg.TotalAmount, f.gw.Charges[0].Amount)

	stored, err := f.svc.Get(context.Background(), reg.ID)
	require.Nil(t, err)
	assert.Equal(t, types.REGISTRATION_PENDING, stored.Status)
}

func TestCreateRegistrationLotPricing(t *testing.T) {
	f := newFixture(t)
	f.clock.Advance(72 * time.Hour) // inside lot 2

	reg, err := f.svc.Create(context.Background(), "captain-beta", validBody("beta"))
	require.Nil(t, err)
	assert.Equal(t, 2, reg.Lot)
	assert.EqualValues(t, 21000, reg.UnitPrice)
	assert.EqualValues(t, 1, f.ledger.Used("rx", 2))
	assert.EqualValues(t, 0, f.ledger.Used("rx", 1))
}

func TestCreateRegistrationPermission(t *testing.T) {
	f := newFixture(t)
	body := validBody("alpha")

	_, err := f.svc.Create(context.Background(), "someone-else", body)
	assert.True(t, errors.Is(err, types.ErrPermission))

	_, err = f.svc.Create(context.Background(), "", body)
	assert.True(t, errors.Is(err, types.ErrPermission))

	assert.EqualValues(t, 0, f.ledger.Used("rx", 1))
}

func TestCreateRegistrationValidation(t *testing.T) {
	f := newFixture(t)

	t.Run("unknown category", func(t *testing.T) {
		body := validBody("alpha")
		body.Category = "elite"
		_, err := f.svc.Create(context.Background(), body.CaptainID, body)
		assert.True(t, errors.Is(err, types.ErrValidation))
	})

	t.Run("wrong team size", func(t *testing.T) {
		body := validBody("alpha")
		body.Athletes = body.Athletes[:3]
		_, err := f.svc.Create(context.Background(), body.CaptainID, body)
		assert.True(t, errors.Is(err, types.ErrValidation))
	})

	t.Run("wrong gender split", func(t *testing.T) {
		body := validBody("alpha")
		body.Athletes[2].Gender = types.GenderMale
		_, err := f.svc.Create(context.Background(), body.CaptainID, body)
		assert.True(t, errors.Is(err, types.ErrValidation))
	})

	// No reservation leaked from any rejected attempt.
	assert.EqualValues(t, 0, f.ledger.Used("rx", 1))
}

func TestCreateRegistrationDuplicateActive(t *testing.T) {
	f := newFixture(t)
	body := validBody("alpha")

	_, err := f.svc.Create(context.Background(), body.CaptainID, body)
	require.Nil(t, err)

	_, err = f.svc.Create(context.Background(), body.CaptainID, body)
	assert.True(t, errors.Is(err, types.ErrDuplicateActive))
	assert.EqualValues(t, 1, f.ledger.Used("rx", 1))
}

func TestCreateRegistrationQuotaExhausted(t *testing.T) {
	f := newFixture(t)
	f.ledger.SetCapacity("rx", 1, 1)

	_, err := f.svc.Create(context.Background(), "captain-alpha", validBody("alpha"))
	require.Nil(t, err)

	_, err = f.svc.Create(context.Background(), "captain-beta", validBody("beta"))
	assert.True(t, errors.Is(err, types.ErrQuotaExhausted))
	assert.EqualValues(t, 1, f.ledger.Used("rx", 1))
}

// K slots, M concurrent teams: exactly K registrations succeed, the rest get
// the quota error, and the counter never oversells.
func TestCreateRegistrationConcurrent(t *testing.T) {
	f := newFixture(t)
	const capacity, teams = 5, 20
	f.ledger.SetCapacity("rx", 1, capacity)

	var wg sync.WaitGroup
	errs := make([]error, teams)
	for i := 0; i < teams; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := validBody(fmt.Sprintf("team-%02d", i))
			_, errs[i] = f.svc.Create(context.Background(), body.CaptainID, body)
		}(i)
	}
	wg.Wait()

	succeeded, exhausted := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, types.ErrQuotaExhausted):
			exhausted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, capacity, succeeded)
	assert.Equal(t, teams-capacity, exhausted)
	assert.EqualValues(t, capacity, f.ledger.Used("rx", 1))
}

func TestCreateRegistrationGatewayFailure(t *testing.T) {
	f := newFixture(t)
	f.gw.Err = errors.New("gateway unreachable")

	body := validBody("alpha")
	_, err := f.svc.Create(context.Background(), body.CaptainID, body)
	assert.True(t, errors.Is(err, types.ErrGateway))

	// Compensation released the slot and cancelled the registration.
	assert.EqualValues(t, 0, f.ledger.Used("rx", 1))
	active, err := f.store.HasActiveRegistration(context.Background(), body.TeamID)
	require.Nil(t, err)
	assert.False(t, active)

	// The team can immediately try again once the gateway recovers.
	f.gw.Err = nil
	_, err = f.svc.Create(context.Background(), body.CaptainID, body)
	assert.Nil(t, err)
	assert.EqualValues(t, 1, f.ledger.Used("rx", 1))
}

func TestCompensationRetriesStorageErrors(t *testing.T) {
	ledger := testutil.NewMemLedger()
	ledger.SetCapacity("rx", 1, 40)
	ledger.SetCapacity("scaled", 1, 80)
	ledger.SetCapacity("rx", 2, 40)
	ledger.SetCapacity("scaled", 2, 80)
	store := testutil.NewMemStore(ledger)
	gw := &testutil.FakeGateway{Err: errors.New("gateway unreachable")}
	// Real clock: compensation sleeps between attempts and the fake clock
	// would block waiting for an advance.
	svc := common.NewRegistrationService(store, ledger, gw, common.NewLotResolver(testTable()), clockwork.NewRealClock())

	store.FailTransitions = 2
	body := validBody("alpha")
	_, err := svc.Create(context.Background(), body.CaptainID, body)
	assert.True(t, errors.Is(err, types.ErrGateway))
	assert.EqualValues(t, 0, ledger.Used("rx", 1))
}

// A gateway failure whose compensation never commits leaves a charge-less
// pending row still holding the slot. The sweeper reclaims it once the row
// outlives the payment window, so the slot is never lost for good.
func TestSweeperReclaimsOrphanedRegistration(t *testing.T) {
	ledger := testutil.NewMemLedger()
	ledger.SetCapacity("rx", 1, 40)
	ledger.SetCapacity("scaled", 1, 80)
	store := testutil.NewMemStore(ledger)
	gw := &testutil.FakeGateway{Err: errors.New("gateway unreachable")}
	svc := common.NewRegistrationService(store, ledger, gw, common.NewLotResolver(testTable()), clockwork.NewRealClock())

	// Every compensation attempt hits a storage error, so the service gives
	// up with the reservation still held.
	store.FailTransitions = config.CompensationMax
	body := validBody("alpha")
	_, err := svc.Create(context.Background(), body.CaptainID, body)
	require.True(t, errors.Is(err, types.ErrGateway))
	require.EqualValues(t, 1, ledger.Used("rx", 1))

	// Within the payment window the row is left alone.
	sweeper := common.NewSweeper(store, clockwork.NewFakeClockAt(time.Now()))
	n, err := sweeper.Sweep(context.Background())
	require.Nil(t, err)
	assert.Equal(t, 0, n)
	assert.EqualValues(t, 1, ledger.Used("rx", 1))

	// Once the row outlives the window the sweeper expires it and frees the
	// slot.
	sweeper = common.NewSweeper(store, clockwork.NewFakeClockAt(time.Now().Add(2*time.Hour)))
	n, err = sweeper.Sweep(context.Background())
	require.Nil(t, err)
	assert.Equal(t, 1, n)
	assert.EqualValues(t, 0, ledger.Used("rx", 1))

	active, err := store.HasActiveRegistration(context.Background(), body.TeamID)
	require.Nil(t, err)
	assert.False(t, active)

	// The team can register again once the gateway recovers.
	gw.Err = nil
	_, err = svc.Create(context.Background(), body.CaptainID, body)
	require.Nil(t, err)
	assert.EqualValues(t, 1, ledger.Used("rx", 1))
}

func TestAdminOverride(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	body := validBody("alpha")
	reg, err := f.svc.Create(ctx, body.CaptainID, body)
	require.Nil(t, err)

	t.Run("confirm requires paid", func(t *testing.T) {
		err := f.svc.AdminOverride(ctx, reg.ID, types.REGISTRATION_CONFIRMED, "manual check")
		assert.True(t, errors.Is(err, types.ErrInvalidTransition))
	})

	t.Run("unknown registration", func(t *testing.T) {
		err := f.svc.AdminOverride(ctx, uuid.New(), types.REGISTRATION_CANCELLED, "cleanup")
		assert.True(t, errors.Is(err, types.ErrNotFound))
	})

	t.Run("unsupported target status", func(t *testing.T) {
		err := f.svc.AdminOverride(ctx, reg.ID, types.REGISTRATION_PENDING, "nope")
		assert.True(t, errors.Is(err, types.ErrInvalidTransition))
	})

	t.Run("paid to confirmed keeps quota", func(t *testing.T) {
		ok, err := f.store.Transition(ctx, common.TransitionParams{
			ID:     reg.ID,
			From:   []types.RegistrationStatus{types.REGISTRATION_PENDING},
			To:     types.REGISTRATION_PAID,
			Actor:  types.ActorWebhook,
			Reason: "pix-settlement",
		})
		require.Nil(t, err)
		require.True(t, ok)

		err = f.svc.AdminOverride(ctx, reg.ID, types.REGISTRATION_CONFIRMED, "identity verified")
		require.Nil(t, err)
		assert.EqualValues(t, 1, f.ledger.Used("rx", 1))
	})

	t.Run("cancel releases quota", func(t *testing.T) {
		other := validBody("beta")
		reg2, err := f.svc.Create(ctx, other.CaptainID, other)
		require.Nil(t, err)
		assert.EqualValues(t, 2, f.ledger.Used("rx", 1))

		err = f.svc.AdminOverride(ctx, reg2.ID, types.REGISTRATION_CANCELLED, "team withdrew")
		require.Nil(t, err)
		assert.EqualValues(t, 1, f.ledger.Used("rx", 1))

		// Cancelling again is rejected, and the counter is untouched.
		err = f.svc.AdminOverride(ctx, reg2.ID, types.REGISTRATION_CANCELLED, "again")
		assert.True(t, errors.Is(err, types.ErrInvalidTransition))
		assert.EqualValues(t, 1, f.ledger.Used("rx", 1))
	})
}

func TestSweeperExpiresOverdueRegistrations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	body := validBody("alpha")
	reg, err := f.svc.Create(ctx, body.CaptainID, body)
	require.Nil(t, err)

	sweeper := common.NewSweeper(f.store, f.clock)

	// Before the deadline nothing happens.
	n, err := sweeper.Sweep(ctx)
	require.Nil(t, err)
	assert.Equal(t, 0, n)

	f.clock.Advance(2 * time.Hour)
	n, err = sweeper.Sweep(ctx)
	require.Nil(t, err)
	assert.Equal(t, 1, n)

	stored, err := f.svc.Get(ctx, reg.ID)
	require.Nil(t, err)
	assert.Equal(t, types.REGISTRATION_EXPIRED, stored.Status)
	assert.EqualValues(t, 0, f.ledger.Used("rx", 1))

	// Sweeping again is a no-op: the quota is released exactly once.
	n, err = sweeper.Sweep(ctx)
	require.Nil(t, err)
	assert.Equal(t, 0, n)
	assert.EqualValues(t, 0, f.ledger.Used("rx", 1))
}

// Full lifecycle against a category with two slots: two teams hold them, a
// third is rejected, one pays, one expires, and the freed slot is taken by a
// fourth team.
func TestRegistrationLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ledger.SetCapacity("rx", 1, 2)

	bodyA, bodyB := validBody("team-a"), validBody("team-b")
	regA, err := f.svc.Create(ctx, bodyA.CaptainID, bodyA)
	require.Nil(t, err)
	regB, err := f.svc.Create(ctx, bodyB.CaptainID, bodyB)
	require.Nil(t, err)

	bodyC := validBody("team-c")
	_, err = f.svc.Create(ctx, bodyC.CaptainID, bodyC)
	assert.True(t, errors.Is(err, types.ErrQuotaExhausted))

	// Team A settles its PIX charge.
	recon := common.NewReconciliationHandler(f.store)
	payload := []byte(fmt.Sprintf(`{"charge": {"correlationID": "%s", "status": "COMPLETED"}}`, regA.ID))
	require.Nil(t, recon.HandleNotification(ctx, payload))

	storedA, _ := f.svc.Get(ctx, regA.ID)
	assert.Equal(t, types.REGISTRATION_PAID, storedA.Status)

	// Team B never pays; the sweeper frees its slot.
	f.clock.Advance(2 * time.Hour)
	sweeper := common.NewSweeper(f.store, f.clock)
	n, err := sweeper.Sweep(ctx)
	require.Nil(t, err)
	assert.Equal(t, 1, n)

	storedB, _ := f.svc.Get(ctx, regB.ID)
	assert.Equal(t, types.REGISTRATION_EXPIRED, storedB.Status)
	assert.EqualValues(t, 1, f.ledger.Used("rx", 1))

	// The freed slot is immediately available to a new team.
	bodyD := validBody("team-d")
	_, err = f.svc.Create(ctx, bodyD.CaptainID, bodyD)
	require.Nil(t, err)
	assert.EqualValues(t, 2, f.ledger.Used("rx", 1))
}

func TestAvailability(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	body := validBody("alpha")
	_, err := f.svc.Create(ctx, body.CaptainID, body)
	require.Nil(t, err)

	avail, err := f.svc.Availability(ctx, 1)
	require.Nil(t, err)
	assert.Equal(t, 39, avail["rx"])
	assert.Equal(t, 80, avail["scaled"])
}

func TestOutboxDispatcher(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	body := validBody("alpha")
	reg, err := f.svc.Create(ctx, body.CaptainID, body)
	require.Nil(t, err)

	mailer := &testutil.MemMailer{}
	dispatcher := common.NewOutboxDispatcher(f.store, mailer)

	sent, err := dispatcher.Dispatch(ctx)
	require.Nil(t, err)
	assert.Equal(t, 1, sent)
	require.Len(t, mailer.Sent, 1)
	assert.Equal(t, body.CaptainEmail, mailer.Sent[0].To)
	assert.Contains(t, mailer.Sent[0].Body, *reg.PixCode)

	// Nothing pending afterwards.
	sent, err = dispatcher.Dispatch(ctx)
	require.Nil(t, err)
	assert.Equal(t, 0, sent)

	// Delivery failures leave the event pending for the next tick.
	recon := common.NewReconciliationHandler(f.store)
	payload := []byte(fmt.Sprintf(`{"correlationID": "%s"}`, reg.ID))
	require.Nil(t, recon.HandleNotification(ctx, payload))

	mailer.Err = errors.New("smtp down")
	sent, err = dispatcher.Dispatch(ctx)
	require.Nil(t, err)
	assert.Equal(t, 0, sent)

	mailer.Err = nil
	sent, err = dispatcher.Dispatch(ctx)
	require.Nil(t, err)
	assert.Equal(t, 1, sent)
	assert.Contains(t, mailer.Sent[1].Subject, "Payment confirmed")
}
