// Package fakeapi is an in-process stand-in for the order-management API. It
// keeps its state in memory, issues opaque rotating tokens and lets tests force
// token expiry and per-photo failures.
package fakeapi

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	"adcontrol/pkg/api"
)

// Seeded accounts. Passwords equal usernames.
const (
	OperatorUsername = "operator"
	PromoterUsername = "promoter"
	OperatorID       = int64(1)
	PromoterID       = int64(2)
	PromoterTelegram = int64(777001)
)

type account struct {
	user       api.User
	hash       []byte
	workspace  int64
	telegramID int64
}

type photo struct {
	api.Photo
	orderID     int64
	content     []byte
	contentType string
}

type payout struct {
	api.Payout
	promoterID int64
}

// Server holds the fake API state. Its zero value is not usable; call New.
type Server struct {
	prefix string
	router *mux.Router

	mu         sync.Mutex
	accounts   map[int64]*account
	access     map[string]int64
	refresh    map[string]int64
	orders     map[int64]*api.OrderDetail
	orderMeta  map[int64]api.Order
	photos     map[int64]*photo
	payouts    map[int64]*payout
	workTypes  []api.WorkType
	addresses  []api.Address
	nextID     int64
	failPhotos map[int64]int
	counts     map[string]int
}

// Option configures a Server.
type Option func(*Server)

// WithPrefix mounts every route under prefix, for example "/api/v1".
func WithPrefix(prefix string) Option {
	return func(s *Server) { s.prefix = prefix }
}

// New returns a server seeded with one operator, one promoter, two orders and
// three photos on order 1.
func New(opts ...Option) *Server {
	s := &Server{
		accounts:   make(map[int64]*account),
		access:     make(map[string]int64),
		refresh:    make(map[string]int64),
		orders:     make(map[int64]*api.OrderDetail),
		orderMeta:  make(map[int64]api.Order),
		photos:     make(map[int64]*photo),
		payouts:    make(map[int64]*payout),
		failPhotos: make(map[int64]int),
		counts:     make(map[string]int),
		nextID:     100,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.seed()
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves the fake on a loopback listener. The returned base URL includes
// the prefix.
func (s *Server) Start() (*httptest.Server, string) {
	srv := httptest.NewServer(s.router)
	return srv, srv.URL + s.prefix
}

func (s *Server) seed() {
	hash := func(pw string) []byte {
		h, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.MinCost)
		if err != nil {
			panic(err)
		}
		return h
	}
	s.accounts[OperatorID] = &account{
		user:      api.User{ID: OperatorID, DisplayName: "Olga Operator", Role: api.RoleOperator, Username: OperatorUsername, Ready: true},
		hash:      hash(OperatorUsername),
		workspace: 1,
	}
	s.accounts[PromoterID] = &account{
		user:       api.User{ID: PromoterID, DisplayName: "Pavel Promoter", Role: api.RoleFieldWorker, Username: PromoterUsername, Ready: true},
		hash:       hash(PromoterUsername),
		workspace:  1,
		telegramID: PromoterTelegram,
	}
	s.workTypes = []api.WorkType{
		{ID: 1, Name: "Flyer drop", PricePerUnit: 12.5, IsActive: true},
		{ID: 2, Name: "Poster", PricePerUnit: 40, IsActive: true},
	}
	s.addresses = []api.Address{
		{ID: 1, District: "Central", Street: "Lenina", Building: "12"},
		{ID: 2, District: "North", Street: "Mira", Building: "3a"},
	}
	promoter := PromoterID
	s.putOrder(api.OrderDetail{ID: 1, Title: "Flyers on Lenina", Status: api.OrderReview, PromoterID: &promoter,
		Items: []api.OrderItem{{ID: 11, AddressID: 1, WorkTypeIDs: []int64{1}}}}, "")
	s.putOrder(api.OrderDetail{ID: 2, Title: "Posters on Mira", Status: api.OrderDraft,
		Items: []api.OrderItem{{ID: 21, AddressID: 2, WorkTypeIDs: []int64{2}}}}, "")
	for i, id := range []int64{31, 32, 33} {
		s.photos[id] = &photo{
			Photo:       api.Photo{ID: id, OrderItemID: 11, WorkTypeID: 1, Status: "uploaded", URL: s.prefix + "/photos/file/" + strconv.FormatInt(id, 10)},
			orderID:     1,
			content:     []byte{0x89, 'P', 'N', 'G', byte(i)},
			contentType: "image/png",
		}
	}
	s.payouts[1] = &payout{Payout: api.Payout{OrderID: 1, AmountPreliminary: 12.5, Status: api.PayoutOnReview}, promoterID: PromoterID}
}

func (s *Server) putOrder(d api.OrderDetail, comment string) {
	s.orders[d.ID] = &d
	s.orderMeta[d.ID] = api.Order{ID: d.ID, Title: d.Title, Status: d.Status, PromoterID: d.PromoterID, Comment: comment}
}

func (s *Server) issue(userID int64) (string, string) {
	access := "a-" + uuid.NewString()
	refresh := "r-" + uuid.NewString()
	s.access[access] = userID
	s.refresh[refresh] = userID
	return access, refresh
}

// ExpireAccessTokens invalidates every access token. Refresh tokens stay valid.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	s.access = make(map[string]int64)
	s.mu.Unlock()
}

// RevokeRefreshTokens invalidates every refresh token.
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	s.refresh = make(map[string]int64)
	s.mu.Unlock()
}

// FailPhoto makes the next n downloads of photo id answer 500.
func (s *Server) FailPhoto(id int64, n int) {
	s.mu.Lock()
	s.failPhotos[id] = n
	s.mu.Unlock()
}

// AddPhoto attaches a photo to an order and returns its id.
func (s *Server) AddPhoto(orderID int64, content []byte, contentType string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.photos[id] = &photo{
		Photo:       api.Photo{ID: id, Status: "uploaded", URL: s.prefix + "/photos/file/" + strconv.FormatInt(id, 10)},
		orderID:     orderID,
		content:     content,
		contentType: contentType,
	}
	return id
}

// Count returns how many requests matched the named route, e.g. "refresh".
func (s *Server) Count(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[route]
}

// OrderStatus returns the stored status of an order.
func (s *Server) OrderStatus(id int64) api.OrderStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[id]; ok {
		return o.Status
	}
	return ""
}
