// Package remote exposes the order-management endpoints as typed calls on top of
// the gateway.
package remote

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"adcontrol/internal/gateway"
	"adcontrol/pkg/api"
)

// API is a thin typed facade. It holds no state besides the gateway.
type API struct {
	gw *gateway.Gateway
}

// NewAPI wraps gw.
func NewAPI(gw *gateway.Gateway) *API {
	return &API{gw: gw}
}

// Gateway returns the underlying gateway.
func (a *API) Gateway() *gateway.Gateway { return a.gw }

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type telegramRequest struct {
	InitData string `json:"init_data"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token,omitempty"`
}

type statusRequest struct {
	Status api.OrderStatus `json:"status"`
}

type statusResponse struct {
	OK     bool            `json:"ok"`
	Status api.OrderStatus `json:"status"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

// Login exchanges credentials for a session. It never touches the holder.
func (a *API) Login(ctx context.Context, username, password string) (api.AuthResponse, error) {
	return gateway.JSON[api.AuthResponse](ctx, a.gw, http.MethodPost, "/auth/login",
		loginRequest{Username: username, Password: password}, gateway.Unauthenticated())
}

// TelegramLogin exchanges signed mini-app init data for a session.
func (a *API) TelegramLogin(ctx context.Context, initData string) (api.AuthResponse, error) {
	return gateway.JSON[api.AuthResponse](ctx, a.gw, http.MethodPost, "/auth/telegram",
		telegramRequest{InitData: initData}, gateway.Unauthenticated())
}

// Logout revokes refreshToken on the server.
func (a *API) Logout(ctx context.Context, refreshToken string) error {
	_, err := a.gw.Call(ctx, http.MethodPost, "/auth/logout",
		refreshRequest{RefreshToken: refreshToken}, gateway.Unauthenticated())
	return err
}

// Me returns the identity behind the current access token.
func (a *API) Me(ctx context.Context) (api.User, error) {
	return gateway.JSON[api.User](ctx, a.gw, http.MethodGet, "/users/me", nil)
}

// Promoters lists field workers of the operator's workspace. Field workers get a 403.
func (a *API) Promoters(ctx context.Context) ([]api.User, error) {
	return gateway.JSON[[]api.User](ctx, a.gw, http.MethodGet, "/users/promoters", nil)
}

// UpdatePromoterAvailability sets the ready flag and the suspicious note.
func (a *API) UpdatePromoterAvailability(ctx context.Context, id int64, in api.PromoterAvailability) (api.User, error) {
	return gateway.JSON[api.User](ctx, a.gw, http.MethodPatch, "/users/promoters/"+itoa(id)+"/availability", in)
}

// Orders lists orders visible to the caller.
func (a *API) Orders(ctx context.Context) ([]api.Order, error) {
	return gateway.JSON[[]api.Order](ctx, a.gw, http.MethodGet, "/orders", nil)
}

// Order fetches one order with its items.
func (a *API) Order(ctx context.Context, id int64) (api.OrderDetail, error) {
	return gateway.JSON[api.OrderDetail](ctx, a.gw, http.MethodGet, "/orders/"+itoa(id), nil)
}

// CreateOrder returns the id of the new order.
func (a *API) CreateOrder(ctx context.Context, in api.OrderCreate) (int64, error) {
	out, err := gateway.JSON[api.IDResponse](ctx, a.gw, http.MethodPost, "/orders", in)
	return out.ID, err
}

// SetOrderStatus requests a transition and returns the status the server settled on.
func (a *API) SetOrderStatus(ctx context.Context, id int64, status api.OrderStatus) (api.OrderStatus, error) {
	out, err := gateway.JSON[statusResponse](ctx, a.gw, http.MethodPatch, "/orders/"+itoa(id)+"/status", statusRequest{Status: status})
	if err != nil {
		return "", err
	}
	if out.Status == "" {
		return status, nil
	}
	return out.Status, nil
}

// OrderPhotos lists photos attached to an order.
func (a *API) OrderPhotos(ctx context.Context, orderID int64) ([]api.Photo, error) {
	return gateway.JSON[[]api.Photo](ctx, a.gw, http.MethodGet, "/photos/order/"+itoa(orderID), nil)
}

// PhotoFile downloads the binary content of a photo.
func (a *API) PhotoFile(ctx context.Context, photoID int64) ([]byte, string, error) {
	resp, err := a.gw.Call(ctx, http.MethodGet, "/photos/file/"+itoa(photoID), nil)
	if err != nil {
		return nil, "", err
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}

// UploadPhoto submits a photo as multipart form data.
func (a *API) UploadPhoto(ctx context.Context, in api.PhotoUpload) (api.PhotoUploadResult, error) {
	if len(in.Content) == 0 {
		return api.PhotoUploadResult{}, fmt.Errorf("upload photo: %w", errEmptyFile)
	}
	form := &gateway.Multipart{}
	form.Add("order_item_id", itoa(in.OrderItemID)).Add("work_type_id", itoa(in.WorkTypeID))
	if in.GeoLat != nil {
		form.Add("geo_lat", strconv.FormatFloat(*in.GeoLat, 'f', -1, 64))
	}
	if in.GeoLng != nil {
		form.Add("geo_lng", strconv.FormatFloat(*in.GeoLng, 'f', -1, 64))
	}
	name := in.FileName
	if name == "" {
		name = "photo.jpg"
	}
	form.File = &gateway.FilePart{Field: "file", FileName: name, ContentType: in.ContentType, Content: in.Content}
	return gateway.JSON[api.PhotoUploadResult](ctx, a.gw, http.MethodPost, "/photos", form)
}

// ReviewPhoto accepts or rejects a photo.
func (a *API) ReviewPhoto(ctx context.Context, photoID int64, in api.PhotoReview) error {
	_, err := gateway.JSON[okResponse](ctx, a.gw, http.MethodPatch, "/photos/"+itoa(photoID)+"/review", in)
	return err
}

// Payouts lists payout lines. Field workers get a 403.
func (a *API) Payouts(ctx context.Context) ([]api.Payout, error) {
	return gateway.JSON[[]api.Payout](ctx, a.gw, http.MethodGet, "/payouts", nil)
}

// WorkTypes lists work categories.
func (a *API) WorkTypes(ctx context.Context) ([]api.WorkType, error) {
	return gateway.JSON[[]api.WorkType](ctx, a.gw, http.MethodGet, "/work-types", nil)
}

// CreateWorkType returns the stored work type.
func (a *API) CreateWorkType(ctx context.Context, in api.WorkType) (api.WorkType, error) {
	return gateway.JSON[api.WorkType](ctx, a.gw, http.MethodPost, "/work-types", in)
}

// Addresses lists known addresses.
func (a *API) Addresses(ctx context.Context) ([]api.Address, error) {
	return gateway.JSON[[]api.Address](ctx, a.gw, http.MethodGet, "/addresses", nil)
}

// CreateAddress returns the stored address.
func (a *API) CreateAddress(ctx context.Context, in api.Address) (api.Address, error) {
	return gateway.JSON[api.Address](ctx, a.gw, http.MethodPost, "/addresses", in)
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
