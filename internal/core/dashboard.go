package core

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"adcontrol/internal/adapters/remote"
	"adcontrol/internal/gateway"
	"adcontrol/pkg/api"
)

// Dashboard is one consistent load of the collections a client renders.
type Dashboard struct {
	Me        api.User
	Orders    []api.Order
	Addresses []api.Address
	Promoters []api.User
	WorkTypes []api.WorkType
	Payouts   []api.Payout

	SelectedOrder    api.EntityID
	SelectedPromoter api.EntityID
}

// Dashboard returns the last successful load, if any.
func (s *Service) Dashboard() (Dashboard, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dash == nil {
		return Dashboard{}, false
	}
	return *s.dash, true
}

// LoadDashboard fetches the identity first and then every collection in
// parallel. A 403 on promoters or payouts means the role may not see them and
// yields an empty list. The current order and promoter stay selected when they
// are still listed; otherwise the first entry is selected.
func (s *Service) LoadDashboard(ctx context.Context) (Dashboard, error) {
	if !s.holder.Authenticated() {
		return Dashboard{}, ErrNotAuthenticated
	}
	me, err := s.api.Me(ctx)
	if err != nil {
		return Dashboard{}, s.fail(err, "Could not load data")
	}
	d := Dashboard{Me: me}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		d.Orders, err = s.api.Orders(gctx)
		return err
	})
	g.Go(func() (err error) {
		d.Addresses, err = s.api.Addresses(gctx)
		return err
	})
	g.Go(func() error {
		promoters, err := s.api.Promoters(gctx)
		d.Promoters, err = scoped(promoters, err)
		return err
	})
	g.Go(func() (err error) {
		d.WorkTypes, err = s.api.WorkTypes(gctx)
		return err
	})
	g.Go(func() error {
		payouts, err := s.api.Payouts(gctx)
		d.Payouts, err = scoped(payouts, err)
		return err
	})
	if err := g.Wait(); err != nil {
		return Dashboard{}, s.fail(err, "Could not load data")
	}

	orderIDs := make([]api.EntityID, len(d.Orders))
	for i, o := range d.Orders {
		orderIDs[i] = api.OrderEntity(o.ID)
	}
	promoterIDs := make([]api.EntityID, len(d.Promoters))
	for i, p := range d.Promoters {
		promoterIDs[i] = api.PromoterEntity(p.ID)
	}
	d.SelectedOrder = s.keepOrFirst(ctx, s.orders, orderIDs)
	d.SelectedPromoter = s.keepOrFirst(ctx, s.promoters, promoterIDs)

	s.mu.Lock()
	cp := d
	s.dash = &cp
	s.mu.Unlock()
	return d, nil
}

// scoped turns a 403 into an empty list.
func scoped[T any](items []T, err error) ([]T, error) {
	if remote.IsForbidden(err) {
		return []T{}, nil
	}
	return items, err
}

type selector interface {
	Selected() (api.EntityID, uint64)
	Select(ctx context.Context, id api.EntityID) uint64
}

func (s *Service) keepOrFirst(ctx context.Context, c selector, ids []api.EntityID) api.EntityID {
	current, _ := c.Selected()
	if !current.IsZero() {
		for _, id := range ids {
			if id == current {
				return current
			}
		}
	}
	next := api.EntityID("")
	if len(ids) > 0 {
		next = ids[0]
	}
	if next != current {
		c.Select(ctx, next)
	}
	return next
}

// CreateOrder creates an order and reloads the dashboard.
func (s *Service) CreateOrder(ctx context.Context, in api.OrderCreate) (int64, error) {
	id, err := s.api.CreateOrder(ctx, in)
	if err != nil {
		return 0, s.fail(err, "Could not create order")
	}
	s.ok(fmt.Sprintf("Order #%d created.", id))
	s.reload(ctx)
	return id, nil
}

// SetOrderStatus requests a status transition. The order cascade re-runs when
// the order is selected.
func (s *Service) SetOrderStatus(ctx context.Context, id int64, status api.OrderStatus) (api.OrderStatus, error) {
	got, err := s.api.SetOrderStatus(ctx, id, status)
	if err != nil {
		return "", s.fail(err, "Could not update status")
	}
	s.ok(fmt.Sprintf("Status of order #%d updated.", id))
	s.rerunOrder(ctx, id)
	s.reload(ctx)
	return got, nil
}

// ReviewPhoto accepts or rejects a photo and re-runs the selected order.
func (s *Service) ReviewPhoto(ctx context.Context, photoID int64, status api.PhotoReviewStatus, reason string) error {
	review := api.PhotoReview{Status: status}
	if reason != "" {
		review.RejectReason = &reason
	}
	if err := s.api.ReviewPhoto(ctx, photoID, review); err != nil {
		return s.fail(err, "Could not submit photo review")
	}
	if status == api.PhotoAccepted {
		s.ok("Photo accepted.")
	} else {
		s.ok("Photo rejected.")
	}
	s.rerunOrder(ctx, 0)
	return nil
}

// UpdatePromoterAvailability stores the ready flag and note of a promoter.
func (s *Service) UpdatePromoterAvailability(ctx context.Context, id int64, in api.PromoterAvailability) (api.User, error) {
	u, err := s.api.UpdatePromoterAvailability(ctx, id, in)
	if err != nil {
		return api.User{}, s.fail(err, "Could not update promoter")
	}
	s.mu.Lock()
	if s.dash != nil {
		promoters := append([]api.User(nil), s.dash.Promoters...)
		for i := range promoters {
			if promoters[i].ID == id {
				promoters[i] = u
			}
		}
		s.dash.Promoters = promoters
	}
	s.mu.Unlock()
	s.ok("Promoter profile updated.")
	if selected, _ := s.promoters.Selected(); selected == api.PromoterEntity(id) {
		s.promoters.Select(ctx, selected)
	}
	return u, nil
}

// UploadPhoto submits a field photo and re-runs the selected order.
func (s *Service) UploadPhoto(ctx context.Context, in api.PhotoUpload) (api.PhotoUploadResult, error) {
	res, err := s.api.UploadPhoto(ctx, in)
	if err != nil {
		return api.PhotoUploadResult{}, s.fail(err, "Could not upload photo")
	}
	s.ok("Photo uploaded.")
	s.rerunOrder(ctx, 0)
	return res, nil
}

// CreateAddress stores an address and reloads the dashboard.
func (s *Service) CreateAddress(ctx context.Context, in api.Address) (api.Address, error) {
	out, err := s.api.CreateAddress(ctx, in)
	if err != nil {
		return api.Address{}, s.fail(err, "Could not create address")
	}
	s.ok("Address added.")
	s.reload(ctx)
	return out, nil
}

// CreateWorkType stores a work type and reloads the dashboard.
func (s *Service) CreateWorkType(ctx context.Context, in api.WorkType) (api.WorkType, error) {
	out, err := s.api.CreateWorkType(ctx, in)
	if err != nil {
		return api.WorkType{}, s.fail(err, "Could not create work type")
	}
	s.ok("Work type added.")
	s.reload(ctx)
	return out, nil
}

// IsSessionExpired reports whether err ended the session.
func IsSessionExpired(err error) bool {
	return errors.Is(err, gateway.ErrSessionExpired)
}
