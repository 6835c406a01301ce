package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"adcontrol/internal/gateway"
	"adcontrol/internal/notify"
	"adcontrol/internal/persistence"
	"adcontrol/internal/session"
	"adcontrol/pkg/api"
	"adcontrol/testutil/fakeapi"
)

type fixture struct {
	svc   *Service
	fake  *fakeapi.Server
	store persistence.Store
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	fake := fakeapi.New(fakeapi.WithPrefix("/api/v1"))
	srv, base := fake.Start()
	t.Cleanup(srv.Close)
	ctx := context.Background()
	store, err := persistence.Open(ctx, persistence.Options{Driver: persistence.DriverMemory})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	holder := session.New(ctx, store)
	svc := NewService(base, holder, WithHTTPClient(srv.Client()), WithNoticeTTL(time.Hour))
	t.Cleanup(func() { svc.Close(context.Background()) })
	return fixture{svc: svc, fake: fake, store: store}
}

func hasNotice(c *notify.Center, kind notify.Kind) bool {
	for _, n := range c.Active() {
		if n.Kind == kind {
			return true
		}
	}
	return false
}

func TestLoginRequiresCredentials(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Login(context.Background(), " ", "x"); !errors.Is(err, ErrCredentialsRequired) {
		t.Fatalf("expected ErrCredentialsRequired, got %v", err)
	}
	if _, err := f.svc.Login(context.Background(), fakeapi.OperatorUsername, "wrong"); gateway.StatusCode(err) != 401 {
		t.Fatalf("expected rejected credentials, got %v", err)
	}
	if !hasNotice(f.svc.Notices(), notify.KindError) {
		t.Fatalf("expected an error notice")
	}
	if f.svc.Holder().Authenticated() {
		t.Fatalf("failed login must not install a session")
	}
}

func TestOperatorDashboardAndOrderCascade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	me, err := f.svc.Login(ctx, fakeapi.OperatorUsername, fakeapi.OperatorUsername)
	if err != nil || me.Role != api.RoleOperator {
		t.Fatalf("login: %v %+v", err, me)
	}
	if _, err := f.store.Load(ctx); err != nil {
		t.Fatalf("session must be persisted: %v", err)
	}
	d, err := f.svc.LoadDashboard(ctx)
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if len(d.Orders) != 2 || len(d.Promoters) != 1 || len(d.WorkTypes) != 2 || len(d.Addresses) != 2 || len(d.Payouts) != 1 {
		t.Fatalf("unexpected dashboard %+v", d)
	}
	if d.SelectedOrder != api.OrderEntity(d.Orders[0].ID) || d.SelectedPromoter != api.PromoterEntity(fakeapi.PromoterID) {
		t.Fatalf("expected first entries selected, got %q %q", d.SelectedOrder, d.SelectedPromoter)
	}

	f.svc.SelectOrder(ctx, 1)
	f.svc.Orders().Wait()
	rec, ok := f.svc.Orders().Current()
	if !ok || rec.Absent {
		t.Fatalf("expected order detail, got %+v %v", rec, ok)
	}
	var detail api.OrderDetail
	if err := rec.Decode(&detail); err != nil || detail.ID != 1 {
		t.Fatalf("decode detail: %v %+v", err, detail)
	}
	handles := f.svc.Orders().Previews()
	if len(handles) != 3 {
		t.Fatalf("expected 3 handles, got %d", len(handles))
	}
	for _, h := range handles {
		if h.Degraded() {
			t.Fatalf("unexpected degraded handle %+v", h)
		}
	}

	again, err := f.svc.LoadDashboard(ctx)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.SelectedOrder != api.OrderEntity(1) {
		t.Fatalf("selection must survive a reload, got %q", again.SelectedOrder)
	}
	if n := f.svc.Previews().Owned(); n != 3 {
		t.Fatalf("reload must not refetch previews, owned %d", n)
	}
}

func TestPromoterDashboardTreatsForbiddenAsEmpty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.Login(ctx, fakeapi.PromoterUsername, fakeapi.PromoterUsername); err != nil {
		t.Fatalf("login: %v", err)
	}
	d, err := f.svc.LoadDashboard(ctx)
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if d.Promoters == nil || len(d.Promoters) != 0 {
		t.Fatalf("expected empty promoters, got %+v", d.Promoters)
	}
	if len(d.Orders) != 1 || d.SelectedOrder != api.OrderEntity(1) || !d.SelectedPromoter.IsZero() {
		t.Fatalf("unexpected dashboard %+v", d)
	}
}

func TestTelegramLogin(t *testing.T) {
	f := newFixture(t)
	me, err := f.svc.TelegramLogin(context.Background(), `user={"id":777001}&hash=abc`)
	if err != nil || me.ID != fakeapi.PromoterID {
		t.Fatalf("telegram login: %v %+v", err, me)
	}
	if _, err := f.svc.TelegramLogin(context.Background(), ""); !errors.Is(err, ErrCredentialsRequired) {
		t.Fatalf("expected ErrCredentialsRequired, got %v", err)
	}
}

func TestExpiredAccessTokenRefreshesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.Login(ctx, fakeapi.OperatorUsername, fakeapi.OperatorUsername); err != nil {
		t.Fatalf("login: %v", err)
	}
	before := f.svc.Holder().AccessToken()
	f.fake.ExpireAccessTokens()
	if _, err := f.svc.LoadDashboard(ctx); err != nil {
		t.Fatalf("dashboard after expiry: %v", err)
	}
	if got := f.fake.Count("refresh"); got != 1 {
		t.Fatalf("expected one refresh, got %d", got)
	}
	if f.svc.Holder().AccessToken() == before {
		t.Fatalf("expected a rotated access token")
	}
	if hasNotice(f.svc.Notices(), notify.KindSession) {
		t.Fatalf("a successful refresh must stay invisible")
	}
}

func TestTerminalRefreshFailureTearsDown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.Login(ctx, fakeapi.OperatorUsername, fakeapi.OperatorUsername); err != nil {
		t.Fatalf("login: %v", err)
	}
	f.svc.SelectOrder(ctx, 1)
	f.svc.Orders().Wait()
	if n := f.svc.Previews().Owned(); n != 3 {
		t.Fatalf("expected 3 owned handles, got %d", n)
	}

	f.fake.ExpireAccessTokens()
	f.fake.RevokeRefreshTokens()
	if _, err := f.svc.LoadDashboard(ctx); !IsSessionExpired(err) {
		t.Fatalf("expected session expiry, got %v", err)
	}
	if f.svc.Holder().Authenticated() {
		t.Fatalf("session must be cleared")
	}
	if _, err := f.store.Load(ctx); !errors.Is(err, persistence.ErrNoRecord) {
		t.Fatalf("durable record must be removed, got %v", err)
	}
	if n := f.svc.Previews().Owned(); n != 0 {
		t.Fatalf("expected previews released, got %d", n)
	}
	if id, _ := f.svc.Orders().Selected(); !id.IsZero() {
		t.Fatalf("expected selection cleared, got %q", id)
	}
	if !hasNotice(f.svc.Notices(), notify.KindSession) {
		t.Fatalf("expected a session notice")
	}
	if hasNotice(f.svc.Notices(), notify.KindError) {
		t.Fatalf("session expiry must not also push an error notice")
	}
	if _, err := f.svc.LoadDashboard(ctx); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.Login(ctx, fakeapi.OperatorUsername, fakeapi.OperatorUsername); err != nil {
		t.Fatalf("login: %v", err)
	}
	f.svc.Logout(ctx)
	f.svc.Logout(ctx)
	if f.svc.Holder().Authenticated() {
		t.Fatalf("expected logged out")
	}
	if got := f.fake.Count("logout"); got != 1 {
		t.Fatalf("expected one logout request, got %d", got)
	}
	if _, err := f.store.Load(ctx); !errors.Is(err, persistence.ErrNoRecord) {
		t.Fatalf("durable record must be removed, got %v", err)
	}
}

func TestDegradedPreviewDoesNotFailSelection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.Login(ctx, fakeapi.OperatorUsername, fakeapi.OperatorUsername); err != nil {
		t.Fatalf("login: %v", err)
	}
	f.fake.FailPhoto(32, 1)
	f.svc.SelectOrder(ctx, 1)
	f.svc.Orders().Wait()
	handles := f.svc.Orders().Previews()
	if len(handles) != 3 {
		t.Fatalf("expected 3 handles, got %d", len(handles))
	}
	degraded := 0
	for _, h := range handles {
		if h.Degraded() {
			degraded++
			if h.Ref.ID != 32 || h.Err == nil {
				t.Fatalf("unexpected degraded handle %+v", h)
			}
		}
	}
	if degraded != 1 {
		t.Fatalf("expected 1 degraded handle, got %d", degraded)
	}
}

func TestSetOrderStatusRerunsSelectedOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.Login(ctx, fakeapi.OperatorUsername, fakeapi.OperatorUsername); err != nil {
		t.Fatalf("login: %v", err)
	}
	g1 := f.svc.SelectOrder(ctx, 1)
	f.svc.Orders().Wait()
	revokedBefore := f.svc.Previews().Stats().Revoked

	status, err := f.svc.SetOrderStatus(ctx, 1, api.OrderPayment)
	if err != nil || status != api.OrderPayment {
		t.Fatalf("set status: %v %q", err, status)
	}
	f.svc.Orders().Wait()
	id, g2 := f.svc.Orders().Selected()
	if id != api.OrderEntity(1) || g2 <= g1 {
		t.Fatalf("expected order 1 re-selected with a newer generation, got %q %d", id, g2)
	}
	rec, _ := f.svc.Orders().Current()
	var detail api.OrderDetail
	if err := rec.Decode(&detail); err != nil || detail.Status != api.OrderPayment {
		t.Fatalf("expected refreshed detail, got %v %+v", err, detail)
	}
	if got := f.svc.Previews().Stats().Revoked - revokedBefore; got != 3 {
		t.Fatalf("expected 3 revocations on rerun, got %d", got)
	}
	if !hasNotice(f.svc.Notices(), notify.KindOK) {
		t.Fatalf("expected an ok notice")
	}

	if _, err := f.svc.SetOrderStatus(ctx, 1, api.OrderDraft); !errors.Is(err, gateway.ErrValidation) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if !hasNotice(f.svc.Notices(), notify.KindError) {
		t.Fatalf("expected an error notice")
	}
}

func TestMutationsReloadDashboard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.Login(ctx, fakeapi.OperatorUsername, fakeapi.OperatorUsername); err != nil {
		t.Fatalf("login: %v", err)
	}
	addr, err := f.svc.CreateAddress(ctx, api.Address{Street: "Sadovaya", Building: "7"})
	if err != nil || addr.ID == 0 {
		t.Fatalf("create address: %v %+v", err, addr)
	}
	wt, err := f.svc.CreateWorkType(ctx, api.WorkType{Name: "Banner", PricePerUnit: 90, IsActive: true})
	if err != nil || wt.ID == 0 {
		t.Fatalf("create work type: %v %+v", err, wt)
	}
	id, err := f.svc.CreateOrder(ctx, api.OrderCreate{
		Title:      "Banners",
		PromoterID: fakeapi.PromoterID,
		Items:      []api.OrderItemCreate{{AddressID: addr.ID, WorkTypeIDs: []int64{wt.ID}}},
	})
	if err != nil || id == 0 {
		t.Fatalf("create order: %v %d", err, id)
	}
	d, ok := f.svc.Dashboard()
	if !ok || len(d.Orders) != 3 || len(d.Addresses) != 3 || len(d.WorkTypes) != 3 {
		t.Fatalf("expected reloaded dashboard, got %v %+v", ok, d)
	}
	note := "late twice"
	u, err := f.svc.UpdatePromoterAvailability(ctx, fakeapi.PromoterID, api.PromoterAvailability{Ready: false, SuspiciousNote: &note})
	if err != nil || u.Ready || u.SuspiciousNote != note {
		t.Fatalf("availability: %v %+v", err, u)
	}
	if d, _ := f.svc.Dashboard(); d.Promoters[0].SuspiciousNote != note {
		t.Fatalf("expected dashboard promoter updated, got %+v", d.Promoters)
	}
	if err := f.svc.ReviewPhoto(ctx, 31, api.PhotoRejected, "blurry"); err != nil {
		t.Fatalf("review: %v", err)
	}
	res, err := f.svc.UploadPhoto(ctx, api.PhotoUpload{OrderItemID: 11, WorkTypeID: 1, FileName: "a.jpg", ContentType: "image/jpeg", Content: []byte("jpg")})
	if err != nil || res.ID == 0 {
		t.Fatalf("upload: %v %+v", err, res)
	}
}
