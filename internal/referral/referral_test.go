package referral

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dukerupert/renderlicense/internal/account"
	"github.com/dukerupert/renderlicense/internal/database"
	"github.com/dukerupert/renderlicense/internal/ledger"
	"github.com/dukerupert/renderlicense/internal/model"
	"github.com/dukerupert/renderlicense/internal/store"
)

var t0 = time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)

type seqKeys struct {
	mu sync.Mutex
	n  int
	// err, when set, fails every license key request.
	err error
}

func (k *seqKeys) fail(err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.err = err
}

func (k *seqKeys) LicenseKey() (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.err != nil {
		return "", k.err
	}
	k.n++
	return fmt.Sprintf("key-%d", k.n), nil
}

func (k *seqKeys) ReferralCode() (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.n++
	return fmt.Sprintf("ref-%d", k.n), nil
}

type fixture struct {
	svc      *Service
	ledger   *ledger.Ledger
	accounts *account.Registry
	keys     *seqKeys
}

func setupReferral(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s := store.New(db, nil)
	keys := &seqKeys{}
	l := ledger.New(s, keys, ledger.WithClock(ledger.ClockFunc(func() time.Time { return t0 })))
	return &fixture{
		svc:      NewService(l, 7, nil),
		ledger:   l,
		accounts: account.NewRegistry(s, keys, nil),
		keys:     keys,
	}
}

func (f *fixture) referred(t *testing.T, referrer *model.Account, telegramID int64, activate bool) *model.Account {
	t.Helper()
	a, _, err := f.accounts.GetOrCreateReferred(context.Background(), telegramID, *referrer.ReferralCode)
	if err != nil {
		t.Fatalf("create referred: %v", err)
	}
	if activate {
		if _, err := f.ledger.GrantOrRenew(context.Background(), a.ID, ledger.Days(30)); err != nil {
			t.Fatalf("activate: %v", err)
		}
	}
	return a
}

func TestClaimTwoReferrals(t *testing.T) {
	f := setupReferral(t)
	ctx := context.Background()

	r, _ := f.accounts.GetOrCreate(ctx, 1)
	a := f.referred(t, r, 2, true)
	b := f.referred(t, r, 3, true)

	sum, err := f.svc.Summary(ctx, r.ID)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.ClaimableReferrals != 2 || sum.BonusDaysAvailable != 14 || sum.SuccessfulReferrals != 0 {
		t.Errorf("summary = %+v, want 2 claimable / 14 days", sum)
	}

	days, err := f.svc.Claim(ctx, r.ID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if days != 14 {
		t.Errorf("credited = %d, want 14", days)
	}

	for _, id := range []int64{a.TelegramID, b.TelegramID} {
		acct, _ := f.accounts.Get(ctx, id)
		if !acct.ReferralBonusClaimed {
			t.Errorf("account %d bonus claimed = false, want true", id)
		}
	}

	snap, _ := f.ledger.Snapshot(ctx, r.ID)
	if !snap.Active || !snap.NextChargeAt.Equal(t0.Add(ledger.Days(14))) {
		t.Errorf("referrer snapshot = %+v, want active until T0+14d", snap)
	}

	sum, _ = f.svc.Summary(ctx, r.ID)
	if sum.SuccessfulReferrals != 2 || sum.ClaimableReferrals != 0 || sum.BonusDaysClaimed != 14 || sum.DaysLeft != 14 {
		t.Errorf("summary after claim = %+v", sum)
	}
}

func TestSecondClaimCreditsNothing(t *testing.T) {
	f := setupReferral(t)
	ctx := context.Background()

	r, _ := f.accounts.GetOrCreate(ctx, 1)
	f.referred(t, r, 2, true)

	if days, _ := f.svc.Claim(ctx, r.ID); days != 7 {
		t.Fatalf("first claim = %d, want 7", days)
	}
	days, err := f.svc.Claim(ctx, r.ID)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if days != 0 {
		t.Errorf("second claim = %d, want 0", days)
	}
	snap, _ := f.ledger.Snapshot(ctx, r.ID)
	if !snap.NextChargeAt.Equal(t0.Add(ledger.Days(7))) {
		t.Errorf("next charge = %v, want unchanged T0+7d", snap.NextChargeAt)
	}
}

func TestClaimExtendsExistingLicense(t *testing.T) {
	f := setupReferral(t)
	ctx := context.Background()

	r, _ := f.accounts.GetOrCreate(ctx, 1)
	f.ledger.GrantOrRenew(ctx, r.ID, ledger.Days(30))
	f.referred(t, r, 2, true)

	if days, err := f.svc.Claim(ctx, r.ID); err != nil || days != 7 {
		t.Fatalf("claim = %d, %v", days, err)
	}
	snap, _ := f.ledger.Snapshot(ctx, r.ID)
	if want := t0.Add(ledger.Days(37)); !snap.NextChargeAt.Equal(want) {
		t.Errorf("next charge = %v, want %v", snap.NextChargeAt, want)
	}
}

func TestInactiveReferralsNotClaimable(t *testing.T) {
	f := setupReferral(t)
	ctx := context.Background()

	r, _ := f.accounts.GetOrCreate(ctx, 1)
	f.referred(t, r, 2, false)
	cancelled := f.referred(t, r, 3, true)
	snap, _ := f.ledger.Snapshot(ctx, cancelled.ID)
	f.ledger.Cancel(ctx, snap.Key)

	sum, err := f.svc.Summary(ctx, r.ID)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.ClaimableReferrals != 0 {
		t.Errorf("claimable = %d, want 0", sum.ClaimableReferrals)
	}
	days, err := f.svc.Claim(ctx, r.ID)
	if err != nil || days != 0 {
		t.Errorf("claim = %d, %v, want 0", days, err)
	}
	snap, _ = f.ledger.Snapshot(ctx, r.ID)
	if snap.Exists {
		t.Error("expected no license created when nothing was claimed")
	}
}

func TestConcurrentClaimsPayOnce(t *testing.T) {
	f := setupReferral(t)
	ctx := context.Background()

	r, _ := f.accounts.GetOrCreate(ctx, 1)
	f.referred(t, r, 2, true)
	f.referred(t, r, 3, true)

	const n = 6
	results := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			days, err := f.svc.Claim(ctx, r.ID)
			if err != nil {
				t.Errorf("claim %d: %v", i, err)
				return
			}
			results[i] = days
		}(i)
	}
	wg.Wait()

	total := 0
	for _, d := range results {
		total += d
	}
	if total != 14 {
		t.Errorf("total credited = %d (%v), want 14", total, results)
	}
}

func TestUnknownReferrer(t *testing.T) {
	f := setupReferral(t)
	ctx := context.Background()

	if _, err := f.svc.Claim(ctx, 999); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("claim err = %v, want ErrNotFound", err)
	}
	if _, err := f.svc.SummaryByTelegramID(ctx, 999); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("summary err = %v, want ErrNotFound", err)
	}
}

func TestByTelegramID(t *testing.T) {
	f := setupReferral(t)
	ctx := context.Background()

	r, _ := f.accounts.GetOrCreate(ctx, 50)
	f.referred(t, r, 51, true)

	sum, err := f.svc.SummaryByTelegramID(ctx, 50)
	if err != nil || sum.ClaimableReferrals != 1 {
		t.Fatalf("summary = %+v, %v", sum, err)
	}
	days, err := f.svc.ClaimByTelegramID(ctx, 50)
	if err != nil || days != 7 {
		t.Errorf("claim = %d, %v, want 7", days, err)
	}
}

func TestClaimRollsBackOnCreditFailure(t *testing.T) {
	f := setupReferral(t)
	ctx := context.Background()

	r, _ := f.accounts.GetOrCreate(ctx, 1)
	f.referred(t, r, 2, true)

	// The referrer has no license, so crediting must mint a key.
	boom := errors.New("boom")
	f.keys.fail(boom)
	days, err := f.svc.Claim(ctx, r.ID)
	if !errors.Is(err, boom) || days != 0 {
		t.Fatalf("Claim() = %d, %v, want 0, boom", days, err)
	}

	sum, err := f.svc.Summary(ctx, r.ID)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.ClaimableReferrals != 1 || sum.BonusDaysAvailable != 7 || sum.SuccessfulReferrals != 0 {
		t.Errorf("summary after failed claim = %+v, want 1 claimable / 7 days", sum)
	}
	if snap, _ := f.ledger.SnapshotByTelegramID(ctx, 1); snap.Active {
		t.Errorf("referrer snapshot = %+v, want no license", snap)
	}

	f.keys.fail(nil)
	if days, err := f.svc.Claim(ctx, r.ID); err != nil || days != 7 {
		t.Errorf("retry Claim() = %d, %v, want 7, nil", days, err)
	}
}
