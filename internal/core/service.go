// Package core wires the session holder, gateway, cascades, preview cache and
// notification center into a single host context shared by every client surface.
package core

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"adcontrol/internal/adapters/remote"
	"adcontrol/internal/blob"
	"adcontrol/internal/cascade"
	"adcontrol/internal/gateway"
	"adcontrol/internal/notify"
	"adcontrol/internal/observability"
	"adcontrol/internal/preview"
	"adcontrol/internal/session"
	"adcontrol/pkg/api"
)

// ErrCredentialsRequired is returned by Login when username or password is blank.
var ErrCredentialsRequired = errors.New("username and password are required")

// ErrNotAuthenticated is returned by operations that need a session when none exists.
var ErrNotAuthenticated = errors.New("not authenticated")

// SessionExpiredText is the notice pushed when the session could not be refreshed.
const SessionExpiredText = "Session expired, log in again."

// Service is the host context. It is safe for concurrent use.
type Service struct {
	holder    *session.Holder
	gw        *gateway.Gateway
	api       *remote.API
	previews  *preview.Cache
	orders    *cascade.Cascade
	promoters *cascade.Cascade
	notices   *notify.Center
	logger    observability.Logger

	mu   sync.Mutex
	dash *Dashboard
}

type settings struct {
	logger      observability.Logger
	metrics     observability.MetricsRecorder
	client      *http.Client
	blobs       blob.Store
	concurrency int
	capacity    int
	noticeTTL   time.Duration
}

// Option configures a Service.
type Option func(*settings)

// WithLogger sets the logger shared by every component.
func WithLogger(l observability.Logger) Option {
	return func(s *settings) { s.logger = observability.LoggerOrNop(l) }
}

// WithMetrics sets the recorder observing gateway exchanges.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(s *settings) { s.metrics = m }
}

// WithHTTPClient replaces the gateway's HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *settings) { s.client = c }
}

// WithBlobStore sets where preview copies are written (default in-memory).
func WithBlobStore(b blob.Store) Option {
	return func(s *settings) { s.blobs = b }
}

// WithPreviewConcurrency bounds simultaneous preview downloads per batch.
func WithPreviewConcurrency(n int) Option {
	return func(s *settings) { s.concurrency = n }
}

// WithCascadeCapacity bounds each cascade's record table.
func WithCascadeCapacity(n int) Option {
	return func(s *settings) { s.capacity = n }
}

// WithNoticeTTL sets how long notices stay visible.
func WithNoticeTTL(d time.Duration) Option {
	return func(s *settings) { s.noticeTTL = d }
}

// NewService builds the host context for the API at baseURL. holder must already
// be restored from its durable record.
func NewService(baseURL string, holder *session.Holder, opts ...Option) *Service {
	cfg := settings{logger: observability.NopLogger{}}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.blobs == nil {
		cfg.blobs = blob.NewMemory()
	}
	gw := gateway.New(baseURL, holder,
		gateway.WithHTTPClient(cfg.client),
		gateway.WithLogger(cfg.logger),
		gateway.WithMetrics(cfg.metrics),
	)
	remoteAPI := remote.NewAPI(gw)
	previews := preview.New(cfg.blobs, remote.PhotoFetcher{API: remoteAPI},
		preview.WithLogger(cfg.logger),
		preview.WithConcurrency(cfg.concurrency),
	)
	s := &Service{
		holder:   holder,
		gw:       gw,
		api:      remoteAPI,
		previews: previews,
		orders: cascade.New("orders", remote.OrderSource{API: remoteAPI}, previews,
			cascade.WithLogger(cfg.logger), cascade.WithCapacity(cfg.capacity)),
		promoters: cascade.New("promoters", remote.PromoterSource{API: remoteAPI}, nil,
			cascade.WithLogger(cfg.logger), cascade.WithCapacity(cfg.capacity)),
		notices: notify.New(notify.WithTTL(cfg.noticeTTL), notify.WithLogger(cfg.logger)),
		logger:  cfg.logger,
	}
	holder.OnClear(s.teardown)
	gw.OnSessionExpired(func(context.Context) {
		s.notices.Push(notify.KindSession, SessionExpiredText)
	})
	return s
}

// Holder returns the session holder.
func (s *Service) Holder() *session.Holder { return s.holder }

// Gateway returns the request gateway.
func (s *Service) Gateway() *gateway.Gateway { return s.gw }

// API returns the typed endpoints.
func (s *Service) API() *remote.API { return s.api }

// Orders returns the order cascade.
func (s *Service) Orders() *cascade.Cascade { return s.orders }

// Promoters returns the promoter cascade.
func (s *Service) Promoters() *cascade.Cascade { return s.promoters }

// Previews returns the preview cache.
func (s *Service) Previews() *preview.Cache { return s.previews }

// Notices returns the notification center.
func (s *Service) Notices() *notify.Center { return s.notices }

// teardown runs on every session clear, including a failed refresh inside a
// cascade fetch, so it must not wait on in-flight work.
func (s *Service) teardown(ctx context.Context) {
	s.orders.Reset(ctx)
	s.promoters.Reset(ctx)
	s.previews.ReleaseAll(ctx)
	s.mu.Lock()
	s.dash = nil
	s.mu.Unlock()
}

// Login authenticates with username and password and installs the session.
func (s *Service) Login(ctx context.Context, username, password string) (api.Identity, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return api.Identity{}, ErrCredentialsRequired
	}
	resp, err := s.api.Login(ctx, username, password)
	if err != nil {
		return api.Identity{}, s.fail(err, "Login failed")
	}
	return s.install(ctx, resp), nil
}

// TelegramLogin authenticates with signed mini-app init data.
func (s *Service) TelegramLogin(ctx context.Context, initData string) (api.Identity, error) {
	if strings.TrimSpace(initData) == "" {
		return api.Identity{}, ErrCredentialsRequired
	}
	resp, err := s.api.TelegramLogin(ctx, initData)
	if err != nil {
		return api.Identity{}, s.fail(err, "Telegram login failed")
	}
	return s.install(ctx, resp), nil
}

func (s *Service) install(ctx context.Context, resp api.AuthResponse) api.Identity {
	// views of a previous account must not survive a new login
	s.teardown(ctx)
	s.holder.Replace(ctx, resp.Session())
	s.logger.Info("signed in", "user", resp.User.ID, "role", string(resp.User.Role))
	s.notices.Push(notify.KindOK, "Signed in as "+resp.User.DisplayName+".")
	return resp.User
}

// Logout revokes the refresh token on a best-effort basis and clears the
// session. Calling it while logged out is harmless.
func (s *Service) Logout(ctx context.Context) {
	if cur := s.holder.Current(); cur != nil && cur.RefreshToken != "" {
		if err := s.api.Logout(ctx, cur.RefreshToken); err != nil {
			s.logger.Debug("logout request failed", "error", err)
		}
	}
	s.holder.Clear(ctx)
}

// fail pushes an error notice unless the session expired, which has its own notice.
func (s *Service) fail(err error, what string) error {
	if !errors.Is(err, gateway.ErrSessionExpired) {
		s.notices.Push(notify.KindError, what+": "+err.Error())
	}
	return err
}

func (s *Service) ok(text string) {
	s.notices.Push(notify.KindOK, text)
}

// SelectOrder makes order id the current order. Zero clears the selection.
func (s *Service) SelectOrder(ctx context.Context, id int64) uint64 {
	if id == 0 {
		return s.orders.Select(ctx, "")
	}
	return s.orders.Select(ctx, api.OrderEntity(id))
}

// SelectPromoter makes promoter id the current promoter. Zero clears the selection.
func (s *Service) SelectPromoter(ctx context.Context, id int64) uint64 {
	if id == 0 {
		return s.promoters.Select(ctx, "")
	}
	return s.promoters.Select(ctx, api.PromoterEntity(id))
}

// rerunOrder refreshes the order cascade when id is selected. Zero matches any selection.
func (s *Service) rerunOrder(ctx context.Context, id int64) {
	selected, _ := s.orders.Selected()
	if selected.IsZero() {
		return
	}
	if id != 0 && selected != api.OrderEntity(id) {
		return
	}
	s.orders.Select(ctx, selected)
}

// reload refreshes the dashboard after a mutation. Failures are logged only.
func (s *Service) reload(ctx context.Context) {
	if _, err := s.LoadDashboard(ctx); err != nil {
		s.logger.Debug("dashboard reload failed", "error", err)
	}
}

// Close tears down views, waits for in-flight fetches and dismisses notices.
func (s *Service) Close(ctx context.Context) {
	s.teardown(ctx)
	s.orders.Wait()
	s.promoters.Wait()
	s.notices.Close()
}
