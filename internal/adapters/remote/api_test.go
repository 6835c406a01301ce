package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"adcontrol/internal/gateway"
	"adcontrol/internal/persistence"
	"adcontrol/internal/preview"
	"adcontrol/internal/session"
	"adcontrol/pkg/api"
)

func newTestAPI(t *testing.T, h http.Handler) *API {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	ctx := context.Background()
	store, err := persistence.Open(ctx, persistence.Options{Driver: persistence.DriverMemory})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	holder := session.New(ctx, store)
	holder.Replace(ctx, api.Session{AccessToken: "tok", RefreshToken: "ref", Identity: api.Identity{ID: 7, DisplayName: "Op", Role: api.RoleOperator}})
	return NewAPI(gateway.New(srv.URL, holder))
}

func reply(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestLoginIsUnauthenticated(t *testing.T) {
	a := newTestAPI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/login" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "" {
			t.Errorf("login must not carry credentials, got %q", got)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["username"] != "op" || body["password"] != "pw" {
			t.Errorf("unexpected body %v", body)
		}
		reply(w, http.StatusOK, map[string]any{
			"tokens": map[string]any{"access_token": "a", "refresh_token": "r", "expires_in": 60},
			"user":   map[string]any{"id": 3, "full_name": "Olga", "role": "operator"},
		})
	}))
	out, err := a.Login(context.Background(), "op", "pw")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	s := out.Session()
	if s.AccessToken != "a" || s.RefreshToken != "r" || s.Identity.ID != 3 {
		t.Fatalf("unexpected session %+v", s)
	}
}

func TestTypedEndpoints(t *testing.T) {
	var calls atomic.Int32
	a := newTestAPI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer on %s", r.URL.Path)
		}
		calls.Add(1)
		switch r.Method + " " + r.URL.Path {
		case "GET /orders":
			reply(w, http.StatusOK, []map[string]any{{"id": 1, "title": "Flyers", "status": "Draft", "promoter_id": nil}})
		case "GET /orders/1":
			reply(w, http.StatusOK, map[string]any{"id": 1, "title": "Flyers", "status": "Draft", "items": []any{}})
		case "POST /orders":
			reply(w, http.StatusOK, map[string]any{"id": 11})
		case "PATCH /orders/1/status":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			reply(w, http.StatusOK, map[string]any{"ok": true, "status": body["status"]})
		case "PATCH /users/promoters/4/availability":
			reply(w, http.StatusOK, map[string]any{"id": 4, "full_name": "Pete", "role": "promoter", "is_ready": true})
		case "PATCH /photos/9/review":
			reply(w, http.StatusOK, map[string]any{"ok": true})
		case "GET /payouts":
			reply(w, http.StatusOK, []map[string]any{{"order_id": 1, "amount_preliminary": 10.5, "amount_final": 0, "status": "on_review"}})
		default:
			reply(w, http.StatusNotFound, map[string]string{"detail": "no route"})
		}
	}))
	ctx := context.Background()

	orders, err := a.Orders(ctx)
	if err != nil || len(orders) != 1 || orders[0].PromoterID != nil {
		t.Fatalf("orders: %v %+v", err, orders)
	}
	detail, err := a.Order(ctx, 1)
	if err != nil || detail.Title != "Flyers" {
		t.Fatalf("order: %v %+v", err, detail)
	}
	id, err := a.CreateOrder(ctx, api.OrderCreate{Title: "New", PromoterID: 4, Items: []api.OrderItemCreate{{AddressID: 1, WorkTypeIDs: []int64{1}}}})
	if err != nil || id != 11 {
		t.Fatalf("create: %v %d", err, id)
	}
	status, err := a.SetOrderStatus(ctx, 1, api.OrderAssigned)
	if err != nil || status != api.OrderAssigned {
		t.Fatalf("status: %v %q", err, status)
	}
	u, err := a.UpdatePromoterAvailability(ctx, 4, api.PromoterAvailability{Ready: true})
	if err != nil || !u.Ready {
		t.Fatalf("availability: %v %+v", err, u)
	}
	if err := a.ReviewPhoto(ctx, 9, api.PhotoReview{Status: api.PhotoAccepted}); err != nil {
		t.Fatalf("review: %v", err)
	}
	payouts, err := a.Payouts(ctx)
	if err != nil || len(payouts) != 1 || payouts[0].Status != api.PayoutOnReview {
		t.Fatalf("payouts: %v %+v", err, payouts)
	}
	if _, err := a.Addresses(ctx); !errors.Is(err, gateway.ErrValidation) {
		t.Fatalf("expected validation error for unknown route, got %v", err)
	}
	if n := calls.Load(); n != 8 {
		t.Fatalf("expected 8 calls, got %d", n)
	}
}

func TestUploadPhotoSendsMultipart(t *testing.T) {
	a := newTestAPI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			reply(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
			return
		}
		if r.FormValue("order_item_id") != "5" || r.FormValue("work_type_id") != "2" || r.FormValue("geo_lat") != "55.75" {
			t.Errorf("unexpected fields %v", r.MultipartForm.Value)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			reply(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
			return
		}
		defer f.Close()
		content, _ := io.ReadAll(f)
		if string(content) != "jpeg" || hdr.Filename != "door.jpg" {
			t.Errorf("unexpected file %q %q", hdr.Filename, content)
		}
		reply(w, http.StatusOK, map[string]any{"id": 21, "uploaded_at": "2026-01-02T03:04:05Z"})
	}))
	lat := 55.75
	out, err := a.UploadPhoto(context.Background(), api.PhotoUpload{OrderItemID: 5, WorkTypeID: 2, GeoLat: &lat, FileName: "door.jpg", ContentType: "image/jpeg", Content: []byte("jpeg")})
	if err != nil || out.ID != 21 {
		t.Fatalf("upload: %v %+v", err, out)
	}
	if _, err := a.UploadPhoto(context.Background(), api.PhotoUpload{OrderItemID: 5}); err == nil {
		t.Fatalf("expected error for empty content")
	}
}

func TestOrderSourceAndFetcher(t *testing.T) {
	a := newTestAPI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/orders/3":
			reply(w, http.StatusOK, map[string]any{"id": 3, "title": "Posters", "status": "Review", "items": []any{}})
		case r.URL.Path == "/photos/order/3":
			reply(w, http.StatusOK, []map[string]any{
				{"id": 30, "order_item_id": 1, "work_type_id": 1, "status": "uploaded", "url": "/photos/file/30"},
				{"id": 31, "order_item_id": 1, "work_type_id": 1, "status": "uploaded", "url": "/photos/file/31"},
			})
		case r.URL.Path == "/photos/file/99":
			reply(w, http.StatusNotFound, map[string]string{"detail": "Photo not found"})
		case r.URL.Path == "/photos/file/98":
			w.Header().Set("Content-Type", "image/png")
			w.WriteHeader(http.StatusOK)
		case strings.HasPrefix(r.URL.Path, "/photos/file/"):
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("png:" + strings.TrimPrefix(r.URL.Path, "/photos/file/")))
		default:
			reply(w, http.StatusNotFound, map[string]string{"detail": "Not found"})
		}
	}))
	ctx := context.Background()
	src := OrderSource{API: a}

	raw, err := src.Detail(ctx, api.OrderEntity(3))
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	var d api.OrderDetail
	if err := json.Unmarshal(raw, &d); err != nil || d.Status != api.OrderReview {
		t.Fatalf("decode detail: %v %+v", err, d)
	}
	refs, err := src.Listing(ctx, api.OrderEntity(3))
	if err != nil || len(refs) != 2 || refs[1].ID != 31 {
		t.Fatalf("listing: %v %+v", err, refs)
	}
	if _, err := src.Detail(ctx, api.PromoterEntity(3)); !errors.Is(err, errWrongKind) {
		t.Fatalf("expected wrong kind, got %v", err)
	}

	content, ct, err := PhotoFetcher{API: a}.Fetch(ctx, preview.RemoteRef{ID: 30})
	if err != nil || string(content) != "png:30" || ct != "image/png" {
		t.Fatalf("fetch: %v %q %q", err, content, ct)
	}
	if _, _, err := (PhotoFetcher{API: a}).Fetch(ctx, preview.RemoteRef{ID: 99}); !errors.Is(err, gateway.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, _, err := (PhotoFetcher{API: a}).Fetch(ctx, preview.RemoteRef{ID: 98}); !errors.Is(err, errEmptyFile) {
		t.Fatalf("expected empty file error, got %v", err)
	}
}

func TestPromoterSource(t *testing.T) {
	var forbid atomic.Bool
	a := newTestAPI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if forbid.Load() {
			reply(w, http.StatusForbidden, map[string]string{"detail": "Forbidden"})
			return
		}
		reply(w, http.StatusOK, []map[string]any{
			{"id": 4, "full_name": "Pete", "role": "promoter", "is_ready": true},
			{"id": 5, "full_name": "Zoe", "role": "promoter", "is_ready": false},
		})
	}))
	ctx := context.Background()
	src := PromoterSource{API: a}
	raw, err := src.Detail(ctx, api.PromoterEntity(5))
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	var u api.User
	if err := json.Unmarshal(raw, &u); err != nil || u.DisplayName != "Zoe" {
		t.Fatalf("decode: %v %+v", err, u)
	}
	if _, err := src.Detail(ctx, api.PromoterEntity(6)); !errors.Is(err, errUnknownPromoter) {
		t.Fatalf("expected unknown promoter, got %v", err)
	}
	if refs, err := src.Listing(ctx, api.PromoterEntity(5)); err != nil || refs != nil {
		t.Fatalf("promoters have no listing: %v %v", refs, err)
	}
	forbid.Store(true)
	if _, err := src.Detail(ctx, api.PromoterEntity(5)); !IsForbidden(err) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}
