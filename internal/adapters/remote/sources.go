package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"adcontrol/internal/cascade"
	"adcontrol/internal/gateway"
	"adcontrol/internal/preview"
	"adcontrol/pkg/api"
)

var (
	errEmptyFile       = errors.New("file content is empty")
	errWrongKind       = errors.New("entity id has the wrong kind")
	errUnknownPromoter = errors.New("promoter not found")
)

func numericID(id api.EntityID, kind string) (int64, error) {
	k, n, ok := id.Split()
	if !ok || k != kind {
		return 0, fmt.Errorf("%q: %w", id, errWrongKind)
	}
	return n, nil
}

// OrderSource feeds the order cascade: the detail is GET /orders/{id} and the
// listing is the order's photo set.
type OrderSource struct {
	API *API
}

var _ cascade.Source = OrderSource{}

// Detail returns the raw order detail body.
func (s OrderSource) Detail(ctx context.Context, id api.EntityID) (json.RawMessage, error) {
	n, err := numericID(id, api.KindOrder)
	if err != nil {
		return nil, err
	}
	resp, err := s.API.gw.Call(ctx, http.MethodGet, "/orders/"+itoa(n), nil)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(resp.Body), nil
}

// Listing maps the order's photos to remote refs.
func (s OrderSource) Listing(ctx context.Context, id api.EntityID) ([]preview.RemoteRef, error) {
	n, err := numericID(id, api.KindOrder)
	if err != nil {
		return nil, err
	}
	photos, err := s.API.OrderPhotos(ctx, n)
	if err != nil {
		return nil, err
	}
	refs := make([]preview.RemoteRef, 0, len(photos))
	for _, p := range photos {
		refs = append(refs, preview.RemoteRef{ID: p.ID, URL: p.URL})
	}
	return refs, nil
}

// PromoterSource feeds the promoter cascade. The API has no per-promoter
// endpoint, so the detail is picked out of the promoter list. Promoters carry
// no binary listing.
type PromoterSource struct {
	API *API
}

var _ cascade.Source = PromoterSource{}

// Detail returns the promoter encoded as JSON.
func (s PromoterSource) Detail(ctx context.Context, id api.EntityID) (json.RawMessage, error) {
	n, err := numericID(id, api.KindPromoter)
	if err != nil {
		return nil, err
	}
	promoters, err := s.API.Promoters(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range promoters {
		if p.ID == n {
			return json.Marshal(p)
		}
	}
	return nil, fmt.Errorf("%d: %w", n, errUnknownPromoter)
}

// Listing always returns no refs.
func (PromoterSource) Listing(context.Context, api.EntityID) ([]preview.RemoteRef, error) {
	return nil, nil
}

// PhotoFetcher downloads photo content through the gateway so downloads share
// the session and its refresh handling.
type PhotoFetcher struct {
	API *API
}

var _ preview.Fetcher = PhotoFetcher{}

// Fetch implements preview.Fetcher.
func (f PhotoFetcher) Fetch(ctx context.Context, ref preview.RemoteRef) ([]byte, string, error) {
	content, contentType, err := f.API.PhotoFile(ctx, ref.ID)
	if err != nil {
		return nil, "", err
	}
	if len(content) == 0 {
		return nil, "", fmt.Errorf("photo %d: %w", ref.ID, errEmptyFile)
	}
	return content, contentType, nil
}

// IsForbidden reports whether err is the server refusing an endpoint to the caller's role.
func IsForbidden(err error) bool {
	return errors.Is(err, gateway.ErrForbidden)
}
