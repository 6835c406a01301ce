package api_test

import (
	"encoding/json"
	"testing"

	"adcontrol/pkg/api"
	"adcontrol/testutil"
)

// The wire model is shared by every layer, so it stays free of internal and
// third-party packages and never performs I/O itself.
func TestWireModelBoundary(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.AnyOf(
		testutil.InternalImportForbidden,
		testutil.TransportImportForbidden,
		testutil.ThirdPartyImportForbidden("adcontrol"),
	), "pkg/api must stay a leaf package")
}

func TestEntityIDScoping(t *testing.T) {
	order, promoter := api.OrderEntity(5), api.PromoterEntity(5)
	if order == promoter {
		t.Fatalf("order and promoter ids must differ")
	}
	kind, id, ok := order.Split()
	if !ok || kind != api.KindOrder || id != 5 {
		t.Fatalf("Split(%q) = %q %d %v", order, kind, id, ok)
	}
	for _, bad := range []api.EntityID{"", "order", "/5", "order/x"} {
		if _, _, ok := bad.Split(); ok {
			t.Fatalf("Split(%q) should fail", bad)
		}
	}
	if !api.EntityID("").IsZero() || order.IsZero() {
		t.Fatalf("IsZero mismatch")
	}
}

func TestOrderStatusParsing(t *testing.T) {
	got, err := api.ParseOrderStatus("inprogress")
	if err != nil || got != api.OrderInProgress {
		t.Fatalf("ParseOrderStatus = %q, %v", got, err)
	}
	if _, err := api.ParseOrderStatus("Shipped"); err == nil {
		t.Fatalf("expected error for unknown status")
	}
	if got := api.NormalizeOrderStatus("Archived"); got != api.OrderDraft {
		t.Fatalf("unknown status should render as Draft, got %q", got)
	}
	if got := api.NormalizeOrderStatus("Payment"); got != api.OrderPayment {
		t.Fatalf("NormalizeOrderStatus(Payment) = %q", got)
	}
}

func TestAuthResponseSession(t *testing.T) {
	raw := `{"tokens":{"access_token":"a1","refresh_token":"r1","token_type":"bearer","expires_in":900},
		"user":{"id":2,"full_name":"Pavel","role":"promoter","is_ready":true}}`
	var resp api.AuthResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	s := resp.Session()
	if !s.Valid() || s.AccessToken != "a1" || s.RefreshToken != "r1" {
		t.Fatalf("unexpected session %+v", s)
	}
	if s.Identity.Role != api.RoleFieldWorker || !s.Identity.Role.Valid() {
		t.Fatalf("unexpected role %q", s.Identity.Role)
	}
	if (api.Session{AccessToken: " ", Identity: api.Identity{ID: 1}}).Valid() {
		t.Fatalf("blank access token must not be valid")
	}
	if api.Role("admin").Valid() {
		t.Fatalf("unknown role reported valid")
	}
}

func TestNullableFieldsEncodeExplicitly(t *testing.T) {
	b, err := json.Marshal(api.PromoterAvailability{Ready: false})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"is_ready":false,"suspicious_note":null}` {
		t.Fatalf("unexpected availability payload %s", b)
	}
	b, err = json.Marshal(api.PhotoReview{Status: api.PhotoAccepted})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"status":"accepted","reject_reason":null}` {
		t.Fatalf("unexpected review payload %s", b)
	}
}

func TestAddressLabel(t *testing.T) {
	a := api.Address{Street: "Lenina", Building: "12"}
	if a.Label() != "Lenina, 12" {
		t.Fatalf("Label() = %q", a.Label())
	}
}
