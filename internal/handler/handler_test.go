package handler

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/dukerupert/renderlicense/internal/account"
	"github.com/dukerupert/renderlicense/internal/database"
	"github.com/dukerupert/renderlicense/internal/keys"
	"github.com/dukerupert/renderlicense/internal/ledger"
	"github.com/dukerupert/renderlicense/internal/model"
	"github.com/dukerupert/renderlicense/internal/payment"
	"github.com/dukerupert/renderlicense/internal/payment/stripe"
	"github.com/dukerupert/renderlicense/internal/payment/yookassa"
	"github.com/dukerupert/renderlicense/internal/referral"
	"github.com/dukerupert/renderlicense/internal/store"
	"github.com/dukerupert/renderlicense/internal/websocket"
)

var t0 = time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)

const stripeSecret = "whsec_handler_test"

type recordingNotifier struct {
	mu   sync.Mutex
	sent map[int64][]string
}

func (n *recordingNotifier) Notify(_ context.Context, telegramID int64, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sent == nil {
		n.sent = make(map[int64][]string)
	}
	n.sent[telegramID] = append(n.sent[telegramID], text)
	return nil
}

func (n *recordingNotifier) messages(telegramID int64) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.sent[telegramID]...)
}

type testEnv struct {
	db       *sql.DB
	store    *store.Store
	ledger   *ledger.Ledger
	accounts *account.Registry
	notifier *recordingNotifier
	license  *LicenseHandler
	webhook  *WebhookHandler
	account  *AccountHandler
	admin    *AdminHandler
}

func setupHandlerTestDB(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := store.New(db, logger)
	gen := keys.NewGenerator()
	l := ledger.New(s, gen, ledger.WithClock(ledger.ClockFunc(func() time.Time { return t0 })))
	accounts := account.NewRegistry(s, gen, logger)
	n := &recordingNotifier{}
	rec := payment.NewReconciler(l, accounts, payment.WithNotifier(n), payment.WithLogger(logger))
	ref := referral.NewService(l, 7, logger)

	return &testEnv{
		db:       db,
		store:    s,
		ledger:   l,
		accounts: accounts,
		notifier: n,
		license:  NewLicenseHandler(l, n, logger),
		webhook:  NewWebhookHandler(rec, nil, stripe.NewVerifier(stripeSecret), logger),
		account:  NewAccountHandler(accounts, l, ref, logger),
		admin:    NewAdminHandler(l, accounts, s, websocket.NewHub(logger), ledger.DefaultRetryPolicy, logger),
	}
}

// grant gives telegramID a license of days and returns its key.
func (e *testEnv) grant(t *testing.T, telegramID int64, days int) string {
	t.Helper()
	acct, err := e.accounts.GetOrCreate(context.Background(), telegramID)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	lic, err := e.ledger.GrantOrRenew(context.Background(), acct.ID, ledger.Days(days))
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	return lic.Key
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestCheckLicense(t *testing.T) {
	env := setupHandlerTestDB(t)
	active := env.grant(t, 123, 30)
	canceled := env.grant(t, 124, 30)
	if _, err := env.ledger.Cancel(context.Background(), canceled); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	tests := []struct {
		name       string
		key        string
		wantStatus string
		wantValid  bool
		wantUser   int64
	}{
		{"active", active, "active", true, 123},
		{"canceled", canceled, "inactive", false, 0},
		{"unknown", "no-such-key", "not_found", false, 0},
		{"empty", "", "not_found", false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/check_license?license_key="+tt.key, nil)
			rec := httptest.NewRecorder()
			env.license.Check(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
			got := decode[map[string]any](t, rec)
			if got["status"] != tt.wantStatus {
				t.Errorf("status = %v, want %s", got["status"], tt.wantStatus)
			}
			if got["valid"] != tt.wantValid {
				t.Errorf("valid = %v, want %v", got["valid"], tt.wantValid)
			}
			if tt.wantUser != 0 {
				if got["user_id"] != float64(tt.wantUser) {
					t.Errorf("user_id = %v, want %d", got["user_id"], tt.wantUser)
				}
				if got["days_left"] != float64(30) {
					t.Errorf("days_left = %v, want 30", got["days_left"])
				}
			} else if _, ok := got["user_id"]; ok {
				t.Errorf("user_id present for %s license", tt.wantStatus)
			}
		})
	}
}

func TestCheckLicenseStorageFailure(t *testing.T) {
	env := setupHandlerTestDB(t)
	key := env.grant(t, 90, 30)
	env.db.Close()

	rec := httptest.NewRecorder()
	env.license.Check(rec, httptest.NewRequest("GET", "/api/check_license?license_key="+key, nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	got := decode[map[string]any](t, rec)
	if got["status"] != "inactive" || got["valid"] != false {
		t.Errorf("body = %v, want inactive and not valid", got)
	}
	if _, ok := got["user_id"]; ok {
		t.Errorf("body = %v leaks user_id", got)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
}

func TestRenderMessageDefaultsMachine(t *testing.T) {
	got := renderMessage("  ", "done", time.Date(2025, 12, 31, 23, 5, 0, 0, time.UTC))
	want := "🖥️ Render node finished rendering\n🕒 Time: 23:05\n📅 Date: 31.12.2025\n📝 Log: done"
	if got != want {
		t.Errorf("renderMessage() = %q, want %q", got, want)
	}
}

func TestValidateAlias(t *testing.T) {
	env := setupHandlerTestDB(t)
	key := env.grant(t, 5, 10)

	req := httptest.NewRequest("POST", "/api/license/validate", strings.NewReader(`{"key":"`+key+`"}`))
	rec := httptest.NewRecorder()
	env.license.Validate(rec, req)

	got := decode[checkResponse](t, rec)
	if got.Status != model.StatusActive || !got.Valid || got.DaysLeft == nil || *got.DaysLeft != 10 {
		t.Errorf("response = %+v, want active with 10 days", got)
	}
}

func TestRenderNotify(t *testing.T) {
	env := setupHandlerTestDB(t)
	active := env.grant(t, 77, 30)
	canceled := env.grant(t, 78, 30)
	env.ledger.Cancel(context.Background(), canceled)

	for _, key := range []string{active, canceled, "unknown"} {
		body := fmt.Sprintf(`{"license_key":%q,"machine_name":"RenderBox","log":"frame 42 done"}`, key)
		rec := httptest.NewRecorder()
		env.license.RenderNotify(rec, httptest.NewRequest("POST", "/api/render_notify", strings.NewReader(body)))
		if rec.Code != http.StatusOK {
			t.Errorf("key %s: status = %d, want 200", key, rec.Code)
		}
	}

	want := "🖥️ RenderBox finished rendering\n🕒 Time: 10:00\n📅 Date: 01.04.2025\n📝 Log: frame 42 done"
	if got := env.notifier.messages(77); len(got) != 1 || got[0] != want {
		t.Errorf("active owner messages = %q, want %q", got, want)
	}
	if got := env.notifier.messages(78); len(got) != 0 {
		t.Errorf("inactive owner messages = %v, want none", got)
	}
}

func TestRegister(t *testing.T) {
	env := setupHandlerTestDB(t)

	post := func(body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		env.account.Register(rec, httptest.NewRequest("POST", "/api/register", strings.NewReader(body)))
		return rec
	}

	rec := post(`{"telegram_id": 100}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("first register status = %d, want 201", rec.Code)
	}
	first := decode[registerResponse](t, rec)
	if !first.Created || first.ReferralCode == nil {
		t.Errorf("first register = %+v, want created with referral code", first)
	}

	rec = post(`{"telegram_id": 100}`)
	if rec.Code != http.StatusOK {
		t.Errorf("second register status = %d, want 200", rec.Code)
	}
	if again := decode[registerResponse](t, rec); again.ID != first.ID || again.Created {
		t.Errorf("second register = %+v, want same account not created", again)
	}

	rec = post(fmt.Sprintf(`{"telegram_id": 101, "referral_code": %q}`, *first.ReferralCode))
	if rec.Code != http.StatusCreated {
		t.Fatalf("referred register status = %d, want 201", rec.Code)
	}
	invitee, _ := env.accounts.Get(context.Background(), 101)
	if invitee.ReferredByID == nil || *invitee.ReferredByID != first.ID {
		t.Errorf("referred_by = %v, want %d", invitee.ReferredByID, first.ID)
	}

	if rec := post(`{"telegram_id": 0}`); rec.Code != http.StatusBadRequest {
		t.Errorf("missing telegram id status = %d, want 400", rec.Code)
	}
	if rec := post(`not json`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad json status = %d, want 400", rec.Code)
	}
}

func yookassaBody(event, paymentID string, telegramID any) string {
	meta := ""
	if telegramID != nil {
		b, _ := json.Marshal(telegramID)
		meta = fmt.Sprintf(`"metadata": {"telegram_id": %s},`, b)
	}
	return fmt.Sprintf(`{
	  "type": "notification",
	  "event": %q,
	  "object": {
	    "id": %q,
	    "status": "succeeded",
	    "paid": true,
	    %s
	    "amount": {"value": "990.00", "currency": "RUB"},
	    "description": "License payment"
	  }
	}`, event, paymentID, meta)
}

func postYooKassa(env *testEnv, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	env.webhook.YooKassa(rec, httptest.NewRequest("POST", "/api/yookassa_webhook", strings.NewReader(body)))
	return rec
}

func TestYooKassaWebhook(t *testing.T) {
	env := setupHandlerTestDB(t)

	rec := postYooKassa(env, yookassaBody("payment.succeeded", "pay-1", "555"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := decode[map[string]string](t, rec)["status"]; got != "ok" {
		t.Errorf("status = %q, want ok", got)
	}

	rec = postYooKassa(env, yookassaBody("payment.succeeded", "pay-1", 555))
	if got := decode[map[string]string](t, rec)["status"]; got != "already processed" {
		t.Errorf("duplicate status = %q, want already processed", got)
	}

	snap, _ := env.ledger.SnapshotByTelegramID(context.Background(), 555)
	if !snap.Active || !snap.NextChargeAt.Equal(t0.Add(ledger.Days(30))) {
		t.Errorf("snapshot = %+v, want one 30 day period", snap)
	}
	if got := env.notifier.messages(555); len(got) != 1 {
		t.Errorf("notifications = %v, want exactly one", got)
	}

	rec = postYooKassa(env, yookassaBody("payment.waiting_for_capture", "pay-2", 555))
	if got := decode[map[string]string](t, rec)["status"]; got != "ignored: payment.waiting_for_capture" {
		t.Errorf("ignored status = %q", got)
	}
}

func TestYooKassaWebhookRejects(t *testing.T) {
	env := setupHandlerTestDB(t)

	if rec := postYooKassa(env, yookassaBody("payment.succeeded", "pay-1", nil)); rec.Code != http.StatusBadRequest {
		t.Errorf("missing telegram id status = %d, want 400", rec.Code)
	}
	if rec := postYooKassa(env, `{"event":`); rec.Code != http.StatusBadRequest {
		t.Errorf("truncated body status = %d, want 400", rec.Code)
	}
	if rec := postYooKassa(env, yookassaBody("payment.succeeded", "", 1)); rec.Code != http.StatusBadRequest {
		t.Errorf("missing payment id status = %d, want 400", rec.Code)
	}
}

func TestYooKassaWebhookIgnoresMalformedNonSuccess(t *testing.T) {
	env := setupHandlerTestDB(t)

	rec := postYooKassa(env, yookassaBody("payment.canceled", "pay-9", "abc"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body.String())
	}
	if got := decode[map[string]string](t, rec)["status"]; got != "ignored: payment.canceled" {
		t.Errorf("status = %q, want ignored: payment.canceled", got)
	}

	if rec := postYooKassa(env, yookassaBody("payment.succeeded", "pay-10", "abc")); rec.Code != http.StatusBadRequest {
		t.Errorf("succeeded with bad telegram id status = %d, want 400", rec.Code)
	}
}

type fakeConfirmer struct {
	err   error
	calls int
}

func (f *fakeConfirmer) Configured() bool { return true }

func (f *fakeConfirmer) Confirm(context.Context, yookassa.Payment) error {
	f.calls++
	return f.err
}

func TestYooKassaWebhookConfirmation(t *testing.T) {
	env := setupHandlerTestDB(t)
	fc := &fakeConfirmer{err: fmt.Errorf("status pending: %w", yookassa.ErrInvalidPayload)}
	env.webhook.yookassa = fc

	rec := postYooKassa(env, yookassaBody("payment.succeeded", "pay-9", 9))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unconfirmed status = %d, want 400", rec.Code)
	}
	if snap, _ := env.ledger.SnapshotByTelegramID(context.Background(), 9); snap.Exists {
		t.Error("license created for unconfirmed payment")
	}

	fc.err = errors.New("connection refused")
	if rec := postYooKassa(env, yookassaBody("payment.succeeded", "pay-9", 9)); rec.Code != http.StatusBadGateway {
		t.Errorf("provider down status = %d, want 502", rec.Code)
	}

	fc.err = nil
	if rec := postYooKassa(env, yookassaBody("payment.succeeded", "pay-9", 9)); rec.Code != http.StatusOK {
		t.Errorf("confirmed status = %d, want 200", rec.Code)
	}
	if fc.calls != 3 {
		t.Errorf("confirm calls = %d, want 3", fc.calls)
	}
}

func TestStripeWebhook(t *testing.T) {
	env := setupHandlerTestDB(t)
	payload := []byte(`{
	  "id": "evt_1",
	  "object": "event",
	  "type": "checkout.session.completed",
	  "data": {"object": {
	    "id": "cs_1",
	    "object": "checkout.session",
	    "mode": "payment",
	    "payment_status": "paid",
	    "amount_total": 1500,
	    "currency": "usd",
	    "metadata": {"telegram_id": "321"}
	  }}
	}`)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    stripeSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})

	req := httptest.NewRequest("POST", "/api/stripe_webhook", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	rec := httptest.NewRecorder()
	env.webhook.Stripe(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if snap, _ := env.ledger.SnapshotByTelegramID(context.Background(), 321); !snap.Active {
		t.Errorf("snapshot = %+v, want active", snap)
	}

	req = httptest.NewRequest("POST", "/api/stripe_webhook", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	rec = httptest.NewRecorder()
	env.webhook.Stripe(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad signature status = %d, want 400", rec.Code)
	}
}

func TestReferralEndpoints(t *testing.T) {
	env := setupHandlerTestDB(t)
	ctx := context.Background()

	referrer, _ := env.accounts.GetOrCreate(ctx, 1)
	invitee, _, _ := env.accounts.GetOrCreateReferred(ctx, 2, *referrer.ReferralCode)
	env.ledger.GrantOrRenew(ctx, invitee.ID, ledger.Days(30))

	req := httptest.NewRequest("GET", "/api/referrals/1", nil)
	req.SetPathValue("telegram_id", "1")
	rec := httptest.NewRecorder()
	env.account.Referrals(rec, req)

	sum := decode[referralResponse](t, rec)
	if sum.ClaimableReferrals != 1 || sum.BonusDaysAvailable != 7 || sum.ReferralCode != *referrer.ReferralCode {
		t.Errorf("summary = %+v", sum)
	}

	req = httptest.NewRequest("POST", "/api/referrals/1/claim", nil)
	req.SetPathValue("telegram_id", "1")
	rec = httptest.NewRecorder()
	env.account.ClaimReferrals(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("claim status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := decode[map[string]any](t, rec)["days_credited"]; got != float64(7) {
		t.Errorf("days_credited = %v, want 7", got)
	}

	req = httptest.NewRequest("GET", "/api/referrals/999", nil)
	req.SetPathValue("telegram_id", "999")
	rec = httptest.NewRecorder()
	env.account.Referrals(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown account status = %d, want 404", rec.Code)
	}
}

func adminRequest(method, path string, body string, pathValues ...string) *http.Request {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	for i := 0; i+1 < len(pathValues); i += 2 {
		req.SetPathValue(pathValues[i], pathValues[i+1])
	}
	return req
}

func TestAdminGrantExtendReduce(t *testing.T) {
	env := setupHandlerTestDB(t)

	rec := httptest.NewRecorder()
	env.admin.Grant(rec, adminRequest("POST", "/admin/licenses", `{"telegram_id": 42, "days": 10}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("grant status = %d, body %s", rec.Code, rec.Body.String())
	}
	granted := decode[licenseView](t, rec)
	if granted.Status != model.StatusActive || granted.DaysLeft != 10 || granted.TelegramID != 42 {
		t.Errorf("granted = %+v", granted)
	}

	rec = httptest.NewRecorder()
	env.admin.Extend(rec, adminRequest("POST", "/admin/licenses/x/extend", "", "key", granted.Key))
	if got := decode[licenseView](t, rec); got.DaysLeft != 40 {
		t.Errorf("after default extend days_left = %d, want 40", got.DaysLeft)
	}

	rec = httptest.NewRecorder()
	env.admin.Reduce(rec, adminRequest("POST", "/admin/licenses/x/reduce", `{"days": 100}`, "key", granted.Key))
	got := decode[licenseView](t, rec)
	if got.Status != model.StatusExpired || got.DaysLeft != 0 || !got.NextChargeAt.Equal(t0) {
		t.Errorf("after reduce = %+v, want clamped at now", got)
	}

	rec = httptest.NewRecorder()
	env.admin.Extend(rec, adminRequest("POST", "/admin/licenses/x/extend", `{"days": -3}`, "key", granted.Key))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("negative extend status = %d, want 400", rec.Code)
	}
}

func TestAdminCancelReissueDelete(t *testing.T) {
	env := setupHandlerTestDB(t)
	key := env.grant(t, 7, 30)

	rec := httptest.NewRecorder()
	env.admin.Cancel(rec, adminRequest("POST", "/admin/licenses/x/cancel", "", "key", key))
	if got := decode[licenseView](t, rec); got.Status != model.StatusInactive || got.IsActive {
		t.Errorf("after cancel = %+v", got)
	}

	rec = httptest.NewRecorder()
	env.admin.Reissue(rec, adminRequest("POST", "/admin/licenses/x/reissue", "", "key", key))
	reissued := decode[licenseView](t, rec)
	if reissued.Key == key || reissued.Key == "" {
		t.Errorf("reissued key = %q, want a new key", reissued.Key)
	}

	rec = httptest.NewRecorder()
	env.admin.Cancel(rec, adminRequest("POST", "/admin/licenses/x/cancel", "", "key", key))
	if rec.Code != http.StatusNotFound {
		t.Errorf("old key status = %d, want 404", rec.Code)
	}

	rec = httptest.NewRecorder()
	env.admin.DeleteLicense(rec, adminRequest("DELETE", "/admin/licenses/x", "", "key", reissued.Key))
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", rec.Code)
	}
	if snap, _ := env.ledger.SnapshotByTelegramID(context.Background(), 7); snap.Exists {
		t.Error("license still exists after delete")
	}

	rec = httptest.NewRecorder()
	env.admin.DeleteUser(rec, adminRequest("DELETE", "/admin/users/7", "", "telegram_id", "7"))
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete user status = %d, want 204", rec.Code)
	}
	rec = httptest.NewRecorder()
	env.admin.DeleteUser(rec, adminRequest("DELETE", "/admin/users/7", "", "telegram_id", "7"))
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete user status = %d, want 404", rec.Code)
	}
}

func TestAdminListLicenses(t *testing.T) {
	env := setupHandlerTestDB(t)
	env.grant(t, 1, 5)
	second := env.grant(t, 2, 50)
	canceled := env.grant(t, 3, 20)
	env.ledger.Cancel(context.Background(), canceled)

	list := func(query string) []licenseView {
		rec := httptest.NewRecorder()
		env.admin.ListLicenses(rec, httptest.NewRequest("GET", "/admin/licenses?"+query, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("list %q status = %d", query, rec.Code)
		}
		return decode[[]licenseView](t, rec)
	}

	if got := list(""); len(got) != 3 {
		t.Errorf("all = %d rows, want 3", len(got))
	}
	active := list("status=active&sort=asc")
	if len(active) != 2 || active[0].TelegramID != 1 || active[1].TelegramID != 2 {
		t.Errorf("active asc = %+v", active)
	}
	if got := list("status=inactive"); len(got) != 1 || got[0].TelegramID != 3 {
		t.Errorf("inactive = %+v", got)
	}
	if got := list("q=" + second[:8]); len(got) != 1 || got[0].TelegramID != 2 {
		t.Errorf("key search = %+v", got)
	}

	rec := httptest.NewRecorder()
	env.admin.ListLicenses(rec, httptest.NewRequest("GET", "/admin/licenses?sort=sideways", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad sort status = %d, want 400", rec.Code)
	}
}

func TestAdminListUsersAndPayments(t *testing.T) {
	env := setupHandlerTestDB(t)
	env.grant(t, 10, 30)
	env.accounts.GetOrCreate(context.Background(), 11)
	postYooKassa(env, yookassaBody("payment.succeeded", "pay-u", 10))

	rec := httptest.NewRecorder()
	env.admin.ListUsers(rec, httptest.NewRequest("GET", "/admin/users", nil))
	users := decode[[]model.AccountRow](t, rec)
	if len(users) != 2 {
		t.Fatalf("users = %d, want 2", len(users))
	}
	counts := map[int64]int{}
	for _, u := range users {
		counts[u.Account.TelegramID] = u.LicenseCount
	}
	if counts[10] != 1 || counts[11] != 0 {
		t.Errorf("license counts = %v", counts)
	}

	rec = httptest.NewRecorder()
	env.admin.ListPayments(rec, adminRequest("GET", "/admin/users/10/payments", "", "telegram_id", "10"))
	payments := decode[[]model.Payment](t, rec)
	if len(payments) != 1 || payments[0].PaymentID != "pay-u" {
		t.Errorf("payments = %+v", payments)
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("license x: %w", ledger.ErrNotFound), http.StatusNotFound},
		{ledger.ErrInvalidTransition, http.StatusConflict},
		{fmt.Errorf("commit: %w", ledger.ErrConcurrencyConflict), http.StatusServiceUnavailable},
		{ledger.ErrMissingAccountReference, http.StatusBadRequest},
		{ledger.ErrInvalidPeriod, http.StatusBadRequest},
		{payment.ErrMissingPaymentID, http.StatusBadRequest},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := errorStatus(tt.err); got != tt.want {
			t.Errorf("errorStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestWriteLedgerErrorHidesInternalDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	writeLedgerError(rec, slog.New(slog.NewTextHandler(io.Discard, nil)), "op", errors.New("secret path /var/db"))
	if strings.Contains(rec.Body.String(), "secret") {
		t.Errorf("body leaked detail: %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	writeLedgerError(rec, slog.Default(), "op", ledger.ErrConcurrencyConflict)
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After on conflict")
	}
}
