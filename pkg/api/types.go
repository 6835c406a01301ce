// Package api declares the wire model shared by the session, gateway and cascade
// layers. Field names follow the JSON emitted by the remote order-management API.
package api

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Role enumerates the identities a session can carry.
type Role string

const (
	RoleOperator    Role = "operator"
	RoleFieldWorker Role = "promoter" // wire value used by the API for field workers
)

// Valid reports whether the role is one the clients know how to drive.
func (r Role) Valid() bool {
	return r == RoleOperator || r == RoleFieldWorker
}

// Identity describes the authenticated user. Immutable for the lifetime of a Session.
type Identity struct {
	ID             int64  `json:"id"`
	DisplayName    string `json:"full_name"`
	Role           Role   `json:"role"`
	Username       string `json:"username,omitempty"`
	Phone          string `json:"phone,omitempty"`
	Ready          bool   `json:"is_ready"`
	SuspiciousNote string `json:"suspicious_note,omitempty"`
}

// User is the API's representation of any account, including promoters listed for operators.
type User = Identity

// Session holds the credentials of an authenticated client.
type Session struct {
	AccessToken  string   `json:"accessToken"`
	RefreshToken string   `json:"refreshToken,omitempty"`
	Identity     Identity `json:"user"`
}

// Valid reports whether the session carries the minimum needed to authenticate calls.
func (s Session) Valid() bool {
	return strings.TrimSpace(s.AccessToken) != "" && s.Identity.ID != 0
}

// Tokens mirrors the token block returned by login and refresh.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int    `json:"expires_in"`
}

// AuthResponse is returned by /auth/login, /auth/telegram and /auth/refresh.
type AuthResponse struct {
	Tokens Tokens   `json:"tokens"`
	User   Identity `json:"user"`
}

// Session converts the auth payload into a replacement session.
func (a AuthResponse) Session() Session {
	return Session{AccessToken: a.Tokens.AccessToken, RefreshToken: a.Tokens.RefreshToken, Identity: a.User}
}

// OrderStatus enumerates order lifecycle states. Transition legality is owned by the server.
type OrderStatus string

const (
	OrderDraft      OrderStatus = "Draft"
	OrderAssigned   OrderStatus = "Assigned"
	OrderInProgress OrderStatus = "InProgress"
	OrderReview     OrderStatus = "Review"
	OrderPayment    OrderStatus = "Payment"
	OrderCompleted  OrderStatus = "Completed"
)

var orderStatuses = []OrderStatus{OrderDraft, OrderAssigned, OrderInProgress, OrderReview, OrderPayment, OrderCompleted}

// NormalizeOrderStatus maps unknown statuses to Draft, the way the dashboards render them.
func NormalizeOrderStatus(raw string) OrderStatus {
	for _, s := range orderStatuses {
		if string(s) == raw {
			return s
		}
	}
	return OrderDraft
}

// ParseOrderStatus is the strict counterpart of NormalizeOrderStatus.
func ParseOrderStatus(raw string) (OrderStatus, error) {
	for _, s := range orderStatuses {
		if strings.EqualFold(string(s), raw) {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown order status %q", raw)
}

// PayoutStatus enumerates payout states.
type PayoutStatus string

const (
	PayoutOnReview PayoutStatus = "on_review"
	PayoutToPay    PayoutStatus = "to_pay"
	PayoutPaid     PayoutStatus = "paid"
)

// Order is the list projection of an order.
type Order struct {
	ID         int64       `json:"id"`
	Title      string      `json:"title"`
	Status     OrderStatus `json:"status"`
	PromoterID *int64      `json:"promoter_id"`
	DeadlineAt *time.Time  `json:"deadline_at,omitempty"`
	Comment    string      `json:"comment,omitempty"`
}

// OrderItem is one address/work-type bundle inside an order.
type OrderItem struct {
	ID          int64   `json:"id"`
	AddressID   int64   `json:"address_id"`
	WorkTypeIDs []int64 `json:"work_type_ids"`
	Comment     string  `json:"comment,omitempty"`
}

// OrderDetail is the detail projection of an order.
type OrderDetail struct {
	ID         int64       `json:"id"`
	Title      string      `json:"title"`
	Status     OrderStatus `json:"status"`
	PromoterID *int64      `json:"promoter_id"`
	Items      []OrderItem `json:"items"`
}

// OrderItemCreate is part of an order creation payload.
type OrderItemCreate struct {
	AddressID   int64   `json:"address_id"`
	WorkTypeIDs []int64 `json:"work_type_ids"`
	Comment     string  `json:"comment,omitempty"`
}

// OrderCreate is the payload for POST /orders.
type OrderCreate struct {
	Title      string            `json:"title"`
	PromoterID int64             `json:"promoter_id"`
	Comment    string            `json:"comment,omitempty"`
	DeadlineAt *time.Time        `json:"deadline_at,omitempty"`
	Status     OrderStatus       `json:"status,omitempty"`
	Items      []OrderItemCreate `json:"items"`
}

// Photo is one entry of an order's binary listing.
type Photo struct {
	ID           int64  `json:"id"`
	OrderItemID  int64  `json:"order_item_id"`
	WorkTypeID   int64  `json:"work_type_id"`
	Status       string `json:"status"`
	RejectReason string `json:"reject_reason,omitempty"`
	URL          string `json:"url"`
}

// PhotoReviewStatus is the operator's verdict on an uploaded photo.
type PhotoReviewStatus string

const (
	PhotoAccepted PhotoReviewStatus = "accepted"
	PhotoRejected PhotoReviewStatus = "rejected"
)

// PhotoReview is the payload for PATCH /photos/{id}/review.
type PhotoReview struct {
	Status       PhotoReviewStatus `json:"status"`
	RejectReason *string           `json:"reject_reason"`
}

// PhotoUpload describes a multipart photo submission.
type PhotoUpload struct {
	OrderItemID int64
	WorkTypeID  int64
	GeoLat      *float64
	GeoLng      *float64
	FileName    string
	ContentType string
	Content     []byte
}

// PhotoUploadResult is returned by POST /photos.
type PhotoUploadResult struct {
	ID         int64     `json:"id"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Payout is a per-order payout line. Amounts are computed by the server.
type Payout struct {
	OrderID           int64        `json:"order_id"`
	AmountPreliminary float64      `json:"amount_preliminary"`
	AmountFinal       float64      `json:"amount_final"`
	Status            PayoutStatus `json:"status"`
}

// WorkType is an advertising work category with its unit price.
type WorkType struct {
	ID           int64   `json:"id,omitempty"`
	Name         string  `json:"name"`
	PricePerUnit float64 `json:"price_per_unit"`
	IsActive     bool    `json:"is_active"`
}

// Address is a physical location orders are assigned to.
type Address struct {
	ID       int64    `json:"id,omitempty"`
	District string   `json:"district,omitempty"`
	Street   string   `json:"street"`
	Building string   `json:"building"`
	Lat      *float64 `json:"lat,omitempty"`
	Lng      *float64 `json:"lng,omitempty"`
	Comment  string   `json:"comment,omitempty"`
}

// Label renders the address the way list views show it.
func (a Address) Label() string {
	return a.Street + ", " + a.Building
}

// PromoterAvailability is the payload for PATCH /users/promoters/{id}/availability.
type PromoterAvailability struct {
	Ready          bool    `json:"is_ready"`
	SuspiciousNote *string `json:"suspicious_note"`
}

// IDResponse is returned by creation endpoints that only echo the new id.
type IDResponse struct {
	ID int64 `json:"id"`
}

// EntityID scopes a numeric id by entity kind so order 5 and promoter 5 never share
// cache state.
type EntityID string

// Entity kinds understood by the cascades.
const (
	KindOrder    = "order"
	KindPromoter = "promoter"
)

// NewEntityID builds a scoped id.
func NewEntityID(kind string, id int64) EntityID {
	return EntityID(kind + "/" + strconv.FormatInt(id, 10))
}

// OrderEntity is shorthand for NewEntityID(KindOrder, id).
func OrderEntity(id int64) EntityID { return NewEntityID(KindOrder, id) }

// PromoterEntity is shorthand for NewEntityID(KindPromoter, id).
func PromoterEntity(id int64) EntityID { return NewEntityID(KindPromoter, id) }

// Split returns the kind and numeric id. ok is false for malformed ids.
func (e EntityID) Split() (kind string, id int64, ok bool) {
	k, raw, found := strings.Cut(string(e), "/")
	if !found || k == "" {
		return "", 0, false
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return "", 0, false
	}
	return k, n, true
}

// IsZero reports whether the id is the null selection.
func (e EntityID) IsZero() bool { return e == "" }
