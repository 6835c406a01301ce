package fakeapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	"adcontrol/pkg/api"
)

var transitions = map[api.OrderStatus][]api.OrderStatus{
	api.OrderDraft:      {api.OrderAssigned},
	api.OrderAssigned:   {api.OrderInProgress, api.OrderDraft},
	api.OrderInProgress: {api.OrderReview, api.OrderAssigned},
	api.OrderReview:     {api.OrderPayment, api.OrderInProgress},
	api.OrderPayment:    {api.OrderCompleted, api.OrderReview},
}

var promoterTransitions = map[api.OrderStatus][]api.OrderStatus{
	api.OrderAssigned:   {api.OrderInProgress},
	api.OrderInProgress: {api.OrderReview},
}

type authedFunc func(w http.ResponseWriter, r *http.Request, acc *account)

func (s *Server) routes() *mux.Router {
	root := mux.NewRouter()
	r := root
	if s.prefix != "" {
		r = root.PathPrefix(s.prefix).Subrouter()
	}
	r.Use(s.countRoute)

	r.HandleFunc("/auth/login", s.login).Methods(http.MethodPost).Name("login")
	r.HandleFunc("/auth/telegram", s.telegramLogin).Methods(http.MethodPost).Name("telegram")
	r.HandleFunc("/auth/refresh", s.refreshTokens).Methods(http.MethodPost).Name("refresh")
	r.HandleFunc("/auth/logout", s.logout).Methods(http.MethodPost).Name("logout")

	r.HandleFunc("/users/me", s.authed(s.me)).Methods(http.MethodGet).Name("me")
	r.HandleFunc("/users/promoters", s.operator(s.listPromoters)).Methods(http.MethodGet).Name("promoters")
	r.HandleFunc("/users/promoters/{id:[0-9]+}/availability", s.operator(s.setAvailability)).Methods(http.MethodPatch).Name("availability")

	r.HandleFunc("/orders", s.authed(s.listOrders)).Methods(http.MethodGet).Name("orders")
	r.HandleFunc("/orders", s.operator(s.createOrder)).Methods(http.MethodPost).Name("create-order")
	r.HandleFunc("/orders/{id:[0-9]+}", s.authed(s.orderDetail)).Methods(http.MethodGet).Name("order")
	r.HandleFunc("/orders/{id:[0-9]+}/status", s.authed(s.setStatus)).Methods(http.MethodPatch).Name("order-status")

	r.HandleFunc("/photos", s.authed(s.uploadPhoto)).Methods(http.MethodPost).Name("upload")
	r.HandleFunc("/photos/order/{id:[0-9]+}", s.authed(s.orderPhotos)).Methods(http.MethodGet).Name("photos")
	r.HandleFunc("/photos/file/{id:[0-9]+}", s.authed(s.photoFile)).Methods(http.MethodGet).Name("photo-file")
	r.HandleFunc("/photos/{id:[0-9]+}/review", s.operator(s.reviewPhoto)).Methods(http.MethodPatch).Name("review")

	r.HandleFunc("/payouts", s.authed(s.listPayouts)).Methods(http.MethodGet).Name("payouts")
	r.HandleFunc("/work-types", s.authed(s.listWorkTypes)).Methods(http.MethodGet).Name("work-types")
	r.HandleFunc("/work-types", s.operator(s.createWorkType)).Methods(http.MethodPost).Name("create-work-type")
	r.HandleFunc("/addresses", s.authed(s.listAddresses)).Methods(http.MethodGet).Name("addresses")
	r.HandleFunc("/addresses", s.operator(s.createAddress)).Methods(http.MethodPost).Name("create-address")

	root.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Not Found")
	})
	return root
}

func (s *Server) countRoute(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if route := mux.CurrentRoute(r); route != nil && route.GetName() != "" {
			s.mu.Lock()
			s.counts[route.GetName()]++
			s.mu.Unlock()
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authed(fn authedFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		s.mu.Lock()
		userID, known := s.access[token]
		acc := s.accounts[userID]
		s.mu.Unlock()
		if !ok || !known || acc == nil {
			writeError(w, http.StatusUnauthorized, "Not authenticated")
			return
		}
		fn(w, r, acc)
	}
}

func (s *Server) operator(fn authedFunc) http.HandlerFunc {
	return s.authed(func(w http.ResponseWriter, r *http.Request, acc *account) {
		if acc.user.Role != api.RoleOperator {
			writeError(w, http.StatusForbidden, "Forbidden")
			return
		}
		fn(w, r, acc)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeValidation(w http.ResponseWriter, field, msg string) {
	writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
		"detail": []map[string]any{{"loc": []string{"body", field}, "msg": msg, "type": "value_error"}},
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeValidation(w, "body", "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func pathID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id
}

func (s *Server) authResponse(acc *account) api.AuthResponse {
	access, refresh := s.issue(acc.user.ID)
	return api.AuthResponse{
		Tokens: api.Tokens{AccessToken: access, RefreshToken: refresh, TokenType: "bearer", ExpiresIn: 900},
		User:   acc.user,
	}
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !decode(w, r, &in) {
		return
	}
	if in.Username == "" || in.Password == "" {
		writeValidation(w, "username", "String should have at least 1 character")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, acc := range s.accounts {
		if acc.user.Username != in.Username {
			continue
		}
		if bcrypt.CompareHashAndPassword(acc.hash, []byte(in.Password)) != nil {
			break
		}
		writeJSON(w, http.StatusOK, s.authResponse(acc))
		return
	}
	writeError(w, http.StatusUnauthorized, "Invalid credentials")
}

// telegramLogin accepts init data of the form "user={"id":N}&hash=...". The
// signature is not checked.
func (s *Server) telegramLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		InitData string `json:"init_data"`
	}
	if !decode(w, r, &in) {
		return
	}
	values, err := url.ParseQuery(in.InitData)
	if err != nil || values.Get("user") == "" {
		writeError(w, http.StatusUnauthorized, "Invalid init data")
		return
	}
	var tgUser struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal([]byte(values.Get("user")), &tgUser); err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid init data")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, acc := range s.accounts {
		if acc.telegramID != 0 && acc.telegramID == tgUser.ID {
			writeJSON(w, http.StatusOK, s.authResponse(acc))
			return
		}
	}
	writeError(w, http.StatusUnauthorized, "Unknown telegram user")
}

func (s *Server) refreshTokens(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !decode(w, r, &in) {
		return
	}
	if in.RefreshToken == "" {
		writeError(w, http.StatusUnauthorized, "refresh token is required")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	userID, ok := s.refresh[in.RefreshToken]
	if !ok {
		writeError(w, http.StatusUnauthorized, "Refresh session is expired")
		return
	}
	delete(s.refresh, in.RefreshToken)
	writeJSON(w, http.StatusOK, s.authResponse(s.accounts[userID]))
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RefreshToken string `json:"refresh_token"`
	}
	_ = json.NewDecoder(r.Body).Decode(&in)
	if in.RefreshToken != "" {
		s.mu.Lock()
		delete(s.refresh, in.RefreshToken)
		s.mu.Unlock()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) me(w http.ResponseWriter, _ *http.Request, acc *account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, acc.user)
}

func (s *Server) listPromoters(w http.ResponseWriter, _ *http.Request, acc *account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []api.User{}
	for _, a := range s.accounts {
		if a.workspace == acc.workspace && a.user.Role == api.RoleFieldWorker {
			out = append(out, a.user)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) setAvailability(w http.ResponseWriter, r *http.Request, _ *account) {
	var in api.PromoterAvailability
	if !decode(w, r, &in) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.accounts[pathID(r)]
	if !ok || target.user.Role != api.RoleFieldWorker {
		writeError(w, http.StatusNotFound, "Promoter not found")
		return
	}
	target.user.Ready = in.Ready
	target.user.SuspiciousNote = ""
	if in.SuspiciousNote != nil {
		target.user.SuspiciousNote = *in.SuspiciousNote
	}
	writeJSON(w, http.StatusOK, target.user)
}

func visible(acc *account, promoterID *int64) bool {
	if acc.user.Role == api.RoleOperator {
		return true
	}
	return promoterID != nil && *promoterID == acc.user.ID
}

func (s *Server) listOrders(w http.ResponseWriter, _ *http.Request, acc *account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []api.Order{}
	for _, o := range s.orderMeta {
		if visible(acc, o.PromoterID) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createOrder(w http.ResponseWriter, r *http.Request, _ *account) {
	var in api.OrderCreate
	if !decode(w, r, &in) {
		return
	}
	switch {
	case strings.TrimSpace(in.Title) == "":
		writeValidation(w, "title", "String should have at least 1 character")
		return
	case len(in.Items) == 0:
		writeValidation(w, "items", "Value error, items cannot be empty")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if acc, ok := s.accounts[in.PromoterID]; !ok || acc.user.Role != api.RoleFieldWorker {
		writeError(w, http.StatusNotFound, "Promoter not found")
		return
	}
	s.nextID++
	id := s.nextID
	promoter := in.PromoterID
	status := in.Status
	if status == "" {
		status = api.OrderDraft
	}
	d := api.OrderDetail{ID: id, Title: in.Title, Status: status, PromoterID: &promoter}
	for i, item := range in.Items {
		if len(item.WorkTypeIDs) == 0 {
			writeValidation(w, "work_type_ids", "Value error, work_type_ids cannot be empty")
			return
		}
		d.Items = append(d.Items, api.OrderItem{ID: id*10 + int64(i), AddressID: item.AddressID, WorkTypeIDs: item.WorkTypeIDs, Comment: item.Comment})
	}
	s.putOrder(d, in.Comment)
	writeJSON(w, http.StatusOK, api.IDResponse{ID: id})
}

func (s *Server) orderDetail(w http.ResponseWriter, r *http.Request, acc *account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[pathID(r)]
	if !ok || !visible(acc, o.PromoterID) {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func allowed(list []api.OrderStatus, s api.OrderStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (s *Server) setStatus(w http.ResponseWriter, r *http.Request, acc *account) {
	var in struct {
		Status string `json:"status"`
	}
	if !decode(w, r, &in) {
		return
	}
	target, err := api.ParseOrderStatus(in.Status)
	if err != nil {
		writeValidation(w, "status", "Input should be a valid order status")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[pathID(r)]
	if !ok {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}
	if !visible(acc, o.PromoterID) {
		writeError(w, http.StatusForbidden, "Forbidden")
		return
	}
	if target != o.Status {
		if !allowed(transitions[o.Status], target) {
			writeError(w, http.StatusUnprocessableEntity, "invalid order status transition")
			return
		}
		if acc.user.Role == api.RoleFieldWorker && !allowed(promoterTransitions[o.Status], target) {
			writeError(w, http.StatusForbidden, "promoter cannot perform this transition")
			return
		}
		o.Status = target
		meta := s.orderMeta[o.ID]
		meta.Status = target
		s.orderMeta[o.ID] = meta
		if p, ok := s.payouts[o.ID]; ok && target == api.OrderCompleted {
			p.AmountFinal = p.AmountPreliminary
			p.Status = api.PayoutToPay
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": o.Status})
}

func (s *Server) orderPhotos(w http.ResponseWriter, r *http.Request, acc *account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	orderID := pathID(r)
	o, ok := s.orders[orderID]
	if !ok || !visible(acc, o.PromoterID) {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}
	out := []api.Photo{}
	for _, p := range s.photos {
		if p.orderID == orderID {
			out = append(out, p.Photo)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) photoFile(w http.ResponseWriter, r *http.Request, _ *account) {
	s.mu.Lock()
	id := pathID(r)
	p, ok := s.photos[id]
	failing := s.failPhotos[id] > 0
	if failing {
		s.failPhotos[id]--
	}
	var content []byte
	var contentType string
	if ok {
		content, contentType = p.content, p.contentType
	}
	s.mu.Unlock()
	switch {
	case !ok:
		writeError(w, http.StatusNotFound, "Photo not found")
	case failing:
		writeError(w, http.StatusInternalServerError, "storage unavailable")
	default:
		w.Header().Set("Content-Type", contentType)
		_, _ = w.Write(content)
	}
}

func (s *Server) uploadPhoto(w http.ResponseWriter, r *http.Request, _ *account) {
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		writeValidation(w, "file", "multipart form required")
		return
	}
	itemID, err1 := strconv.ParseInt(r.FormValue("order_item_id"), 10, 64)
	workTypeID, err2 := strconv.ParseInt(r.FormValue("work_type_id"), 10, 64)
	if err := errors.Join(err1, err2); err != nil {
		writeValidation(w, "order_item_id", "Input should be a valid integer")
		return
	}
	f, hdr, err := r.FormFile("file")
	if err != nil {
		writeValidation(w, "file", "Field required")
		return
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil || len(content) == 0 {
		writeError(w, http.StatusBadRequest, "empty file")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var orderID int64
	for _, o := range s.orders {
		for _, item := range o.Items {
			if item.ID == itemID {
				orderID = o.ID
			}
		}
	}
	if orderID == 0 {
		writeError(w, http.StatusNotFound, "Order item not found")
		return
	}
	s.nextID++
	id := s.nextID
	contentType := hdr.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	s.photos[id] = &photo{
		Photo:       api.Photo{ID: id, OrderItemID: itemID, WorkTypeID: workTypeID, Status: "uploaded", URL: s.prefix + "/photos/file/" + strconv.FormatInt(id, 10)},
		orderID:     orderID,
		content:     content,
		contentType: contentType,
	}
	writeJSON(w, http.StatusOK, api.PhotoUploadResult{ID: id, UploadedAt: time.Now().UTC()})
}

func (s *Server) reviewPhoto(w http.ResponseWriter, r *http.Request, _ *account) {
	var in api.PhotoReview
	if !decode(w, r, &in) {
		return
	}
	if in.Status != api.PhotoAccepted && in.Status != api.PhotoRejected {
		writeValidation(w, "status", "Input should be 'accepted' or 'rejected'")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.photos[pathID(r)]
	if !ok {
		writeError(w, http.StatusNotFound, "Photo not found")
		return
	}
	p.Status = string(in.Status)
	p.RejectReason = ""
	if in.RejectReason != nil {
		p.RejectReason = *in.RejectReason
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) listPayouts(w http.ResponseWriter, _ *http.Request, acc *account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []api.Payout{}
	for _, p := range s.payouts {
		if acc.user.Role == api.RoleOperator || p.promoterID == acc.user.ID {
			out = append(out, p.Payout)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listWorkTypes(w http.ResponseWriter, _ *http.Request, _ *account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, append([]api.WorkType{}, s.workTypes...))
}

func (s *Server) createWorkType(w http.ResponseWriter, r *http.Request, _ *account) {
	var in api.WorkType
	if !decode(w, r, &in) {
		return
	}
	if strings.TrimSpace(in.Name) == "" {
		writeValidation(w, "name", "String should have at least 1 character")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	in.ID = s.nextID
	s.workTypes = append(s.workTypes, in)
	writeJSON(w, http.StatusOK, in)
}

func (s *Server) listAddresses(w http.ResponseWriter, _ *http.Request, _ *account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, append([]api.Address{}, s.addresses...))
}

func (s *Server) createAddress(w http.ResponseWriter, r *http.Request, _ *account) {
	var in api.Address
	if !decode(w, r, &in) {
		return
	}
	if strings.TrimSpace(in.Street) == "" || strings.TrimSpace(in.Building) == "" {
		writeValidation(w, "street", "String should have at least 1 character")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	in.ID = s.nextID
	s.addresses = append(s.addresses, in)
	writeJSON(w, http.StatusOK, in)
}
