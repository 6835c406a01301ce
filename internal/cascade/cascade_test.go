package cascade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"adcontrol/internal/blob"
	"adcontrol/internal/gateway"
	"adcontrol/internal/preview"
	"adcontrol/pkg/api"
)

// scriptedSource answers per entity with an optional delay or error.
type scriptedSource struct {
	mu         sync.Mutex
	delay      map[api.EntityID]time.Duration
	detailErr  map[api.EntityID]error
	listingErr map[api.EntityID]error
	refs       map[api.EntityID][]preview.RemoteRef
	calls      int
}

func newScripted() *scriptedSource {
	return &scriptedSource{
		delay:      map[api.EntityID]time.Duration{},
		detailErr:  map[api.EntityID]error{},
		listingErr: map[api.EntityID]error{},
		refs:       map[api.EntityID][]preview.RemoteRef{},
	}
}

func (s *scriptedSource) wait(id api.EntityID) {
	s.mu.Lock()
	s.calls++
	d := s.delay[id]
	s.mu.Unlock()
	time.Sleep(d)
}

func (s *scriptedSource) Detail(_ context.Context, id api.EntityID) (json.RawMessage, error) {
	s.wait(id)
	s.mu.Lock()
	err := s.detailErr[id]
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return json.RawMessage(fmt.Sprintf(`{"id":%q}`, id)), nil
}

func (s *scriptedSource) Listing(_ context.Context, id api.EntityID) ([]preview.RemoteRef, error) {
	s.wait(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.listingErr[id]; err != nil {
		return nil, err
	}
	return s.refs[id], nil
}

func (s *scriptedSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func okFetcher() preview.FetcherFunc {
	return func(_ context.Context, ref preview.RemoteRef) ([]byte, string, error) {
		return []byte(fmt.Sprintf("photo-%d", ref.ID)), "image/jpeg", nil
	}
}

func TestLastSelectionWins(t *testing.T) {
	ctx := context.Background()
	src := newScripted()
	a, b := api.OrderEntity(1), api.OrderEntity(2)
	src.delay[a] = 80 * time.Millisecond
	src.refs[a] = []preview.RemoteRef{{ID: 10}, {ID: 11}}
	src.refs[b] = []preview.RemoteRef{{ID: 20}}
	cache := preview.New(blob.NewMemory(), okFetcher())
	c := New("orders", src, cache)

	var mu sync.Mutex
	var details []api.EntityID
	c.OnUpdate(func(u Update) {
		if u.Kind == UpdateDetail {
			mu.Lock()
			details = append(details, u.ID)
			mu.Unlock()
		}
	})

	c.Select(ctx, a)
	gb := c.Select(ctx, b)
	c.Wait()

	selected, gen := c.Selected()
	if selected != b || gen != gb {
		t.Fatalf("expected %s at generation %d, got %s %d", b, gb, selected, gen)
	}
	cur, ok := c.Current()
	if !ok || cur.ID != b || cur.Absent || cur.Generation != gb {
		t.Fatalf("unexpected current record %+v", cur)
	}
	if _, ok := c.Record(a); ok {
		t.Fatalf("stale selection must not write a record")
	}
	if cache.Owned() != 1 || len(cache.Handles(a)) != 0 {
		t.Fatalf("expected only the latest selection's handles, owned=%d", cache.Owned())
	}
	if hs := c.Previews(); len(hs) != 1 || hs[0].Ref.ID != 20 {
		t.Fatalf("unexpected previews %+v", hs)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(details) != 1 || details[0] != b {
		t.Fatalf("expected a single detail update for %s, got %v", b, details)
	}
}

func TestSwitchingSelectionReleasesHandles(t *testing.T) {
	ctx := context.Background()
	src := newScripted()
	a, b := api.OrderEntity(1), api.OrderEntity(2)
	src.refs[a] = []preview.RemoteRef{{ID: 1}, {ID: 2}, {ID: 3}}
	cache := preview.New(blob.NewMemory(), okFetcher())
	c := New("orders", src, cache)

	c.Select(ctx, a)
	c.Wait()
	if cache.Owned() != 3 {
		t.Fatalf("expected 3 handles, got %d", cache.Owned())
	}
	c.Select(ctx, b)
	c.Wait()
	st := cache.Stats()
	if st.Revoked != 3 || st.Owned != 0 {
		t.Fatalf("expected previous handles revoked, got %+v", st)
	}
	if rec, ok := c.Record(a); !ok || rec.Absent {
		t.Fatalf("record table keeps earlier details, got %+v %v", rec, ok)
	}
}

func TestDetailFailureWritesAbsentRecord(t *testing.T) {
	ctx := context.Background()
	src := newScripted()
	id := api.OrderEntity(404)
	src.detailErr[id] = &gateway.StatusError{Status: 404, Detail: "not found"}
	src.listingErr[id] = errors.New("listing down")
	cache := preview.New(blob.NewMemory(), okFetcher())
	c := New("orders", src, cache)
	var previewUpdates int
	var mu sync.Mutex
	c.OnUpdate(func(u Update) {
		if u.Kind == UpdatePreviews {
			mu.Lock()
			previewUpdates++
			mu.Unlock()
		}
	})
	c.Select(ctx, id)
	c.Wait()
	rec, ok := c.Current()
	if !ok || !rec.Absent || !errors.Is(rec.Err, gateway.ErrValidation) {
		t.Fatalf("expected absent record, got %+v", rec)
	}
	if err := rec.Decode(&struct{}{}); err == nil {
		t.Fatalf("decoding an absent record must fail")
	}
	mu.Lock()
	defer mu.Unlock()
	if previewUpdates != 1 || len(c.Previews()) != 0 {
		t.Fatalf("listing failure should yield one empty preview update, got %d", previewUpdates)
	}
}

func TestSessionExpiryIsNotRecorded(t *testing.T) {
	ctx := context.Background()
	src := newScripted()
	id := api.OrderEntity(7)
	src.detailErr[id] = fmt.Errorf("wrapped: %w", gateway.ErrSessionExpired)
	src.listingErr[id] = gateway.ErrSessionExpired
	c := New("orders", src, nil)
	c.Select(ctx, id)
	c.Wait()
	if _, ok := c.Current(); ok {
		t.Fatalf("session expiry must not produce a record")
	}
	if _, ok := c.Record(id); ok {
		t.Fatalf("session expiry must not produce a table entry")
	}
}

func TestNullSelectionClearsWithoutNetwork(t *testing.T) {
	ctx := context.Background()
	src := newScripted()
	cache := preview.New(blob.NewMemory(), okFetcher())
	src.refs[api.OrderEntity(1)] = []preview.RemoteRef{{ID: 1}}
	c := New("orders", src, cache)
	c.Select(ctx, api.OrderEntity(1))
	c.Wait()
	calls := src.callCount()
	var kinds []UpdateKind
	c.OnUpdate(func(u Update) { kinds = append(kinds, u.Kind) })
	c.Select(ctx, "")
	c.Wait()
	if src.callCount() != calls {
		t.Fatalf("null selection must not fetch")
	}
	if _, ok := c.Current(); ok {
		t.Fatalf("expected cleared view")
	}
	if cache.Owned() != 0 {
		t.Fatalf("expected handles released")
	}
	if len(kinds) != 1 || kinds[0] != UpdateSelected || kinds[0].String() != "selected" {
		t.Fatalf("expected one selection update, got %v", kinds)
	}
}

func TestResetPurgesRecords(t *testing.T) {
	ctx := context.Background()
	src := newScripted()
	cache := preview.New(blob.NewMemory(), okFetcher())
	id := api.OrderEntity(3)
	src.refs[id] = []preview.RemoteRef{{ID: 9}}
	c := New("orders", src, cache)
	c.Select(ctx, id)
	c.Wait()
	c.Reset(ctx)
	if sel, _ := c.Selected(); sel != "" {
		t.Fatalf("expected no selection, got %s", sel)
	}
	if _, ok := c.Record(id); ok {
		t.Fatalf("expected records purged")
	}
	if cache.Owned() != 0 {
		t.Fatalf("expected handles released on reset")
	}
}

func TestRecordTableIsBounded(t *testing.T) {
	ctx := context.Background()
	c := New("promoters", newScripted(), nil, WithCapacity(2))
	for i := int64(1); i <= 3; i++ {
		c.Select(ctx, api.PromoterEntity(i))
		c.Wait()
	}
	if _, ok := c.Record(api.PromoterEntity(1)); ok {
		t.Fatalf("expected oldest record evicted")
	}
	cur, ok := c.Current()
	if !ok || cur.ID != api.PromoterEntity(3) {
		t.Fatalf("current record must survive eviction, got %+v", cur)
	}
	var payload struct {
		ID string `json:"id"`
	}
	if err := cur.Decode(&payload); err != nil || payload.ID != "promoter/3" {
		t.Fatalf("decode: %+v %v", payload, err)
	}
}

func TestReselectRematerializesFreshHandles(t *testing.T) {
	ctx := context.Background()
	src := newScripted()
	a, b := api.OrderEntity(1), api.OrderEntity(2)
	src.refs[a] = []preview.RemoteRef{{ID: 1}, {ID: 2}, {ID: 3}}
	src.refs[b] = []preview.RemoteRef{{ID: 4}}
	cache := preview.New(blob.NewMemory(), okFetcher())
	c := New("orders", src, cache)

	c.Select(ctx, a)
	c.Wait()
	first := c.Previews()
	if len(first) != 3 {
		t.Fatalf("expected 3 handles for %s, got %d", a, len(first))
	}
	c.Select(ctx, b)
	c.Wait()
	c.Select(ctx, a)
	c.Wait()

	second := c.Previews()
	if len(second) != 3 {
		t.Fatalf("expected 3 handles after reselect, got %d", len(second))
	}
	st := cache.Stats()
	if st.Owned != 3 || st.Revoked != 4 || st.Materialized != 7 {
		t.Fatalf("expected only the new batch live, got %+v", st)
	}
	if len(cache.Handles(b)) != 0 {
		t.Fatalf("expected %s released", b)
	}
	live := make(map[string]bool, len(second))
	for _, h := range second {
		live[h.Local] = true
	}
	for _, h := range first {
		if live[h.Local] {
			t.Fatalf("handle %s from the first batch is still live", h.Local)
		}
		if _, err := cache.Open(ctx, a, h.Local); !errors.Is(err, preview.ErrReleased) {
			t.Fatalf("expected first batch handle revoked, got %v", err)
		}
	}
	for _, h := range second {
		rc, err := cache.Open(ctx, a, h.Local)
		if err != nil {
			t.Fatalf("open new handle: %v", err)
		}
		_ = rc.Close()
	}
}

func TestSupersededUpdateIsNotDelivered(t *testing.T) {
	ctx := context.Background()
	a, b := api.PromoterEntity(1), api.PromoterEntity(2)
	c := New("promoters", newScripted(), nil)
	ga := c.Select(ctx, a)
	c.Wait()

	var mu sync.Mutex
	var got []Update
	c.OnUpdate(func(u Update) {
		mu.Lock()
		got = append(got, u)
		mu.Unlock()
	})
	gb := c.Select(ctx, b)
	c.Wait()
	// a result of the first selection that lost the race to the write lock
	c.emit(Update{Kind: UpdateDetail, ID: a, Generation: ga})

	mu.Lock()
	defer mu.Unlock()
	for _, u := range got {
		if u.Generation != gb {
			t.Fatalf("delivered %s update of generation %d after selecting generation %d", u.Kind, u.Generation, gb)
		}
	}
	if len(got) == 0 || got[0].Kind != UpdateSelected || got[0].ID != b {
		t.Fatalf("expected the selection of %s first, got %+v", b, got)
	}
	details := 0
	for _, u := range got {
		if u.Kind == UpdateDetail {
			details++
			if u.ID != b {
				t.Fatalf("detail for %s delivered after selecting %s", u.ID, b)
			}
		}
	}
	if details != 1 {
		t.Fatalf("expected one detail update, got %d", details)
	}
}

func TestUpdatesNeverTrailNewerSelection(t *testing.T) {
	ctx := context.Background()
	src := newScripted()
	for i := int64(1); i <= 4; i++ {
		src.delay[api.OrderEntity(i)] = time.Duration(i) * time.Millisecond
	}
	c := New("orders", src, nil)

	var mu sync.Mutex
	var latest uint64
	var violations []string
	c.OnUpdate(func(u Update) {
		mu.Lock()
		defer mu.Unlock()
		if u.Generation < latest {
			violations = append(violations, fmt.Sprintf("%s gen %d after selection gen %d", u.Kind, u.Generation, latest))
		}
		if u.Kind == UpdateSelected {
			latest = u.Generation
		}
	})
	for round := 0; round < 50; round++ {
		c.Select(ctx, api.OrderEntity(int64(round%4)+1))
	}
	c.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(violations) > 0 {
		t.Fatalf("stale updates delivered: %v", violations)
	}
	_, gen := c.Selected()
	if latest != gen {
		t.Fatalf("expected last selection %d delivered, got %d", gen, latest)
	}
}

func TestListenerMaySelect(t *testing.T) {
	ctx := context.Background()
	a, b := api.PromoterEntity(1), api.PromoterEntity(2)
	c := New("promoters", newScripted(), nil)
	c.OnUpdate(func(u Update) {
		if u.Kind == UpdateDetail && u.ID == a {
			c.Select(ctx, b)
		}
	})
	c.Select(ctx, a)
	c.Wait()
	if sel, _ := c.Selected(); sel != b {
		t.Fatalf("expected listener selection to win, got %s", sel)
	}
	cur, ok := c.Current()
	if !ok || cur.ID != b {
		t.Fatalf("expected %s current, got %+v", b, cur)
	}
}
