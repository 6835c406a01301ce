package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"text/tabwriter"
	"time"

	"adcontrol/internal/config"
	"adcontrol/internal/core"
	"adcontrol/pkg/api"
	"adcontrol/testutil/fakeapi"
)

func httpClient(cfg config.Config) *http.Client {
	return &http.Client{Timeout: cfg.HTTPTimeout}
}

func withApp(ctx context.Context, stderr io.Writer, fn func(*app) error) error {
	a, err := open(ctx, stderr)
	if err != nil {
		return err
	}
	defer a.close(ctx)
	return fn(a)
}

func runLogin(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("login", stderr)
	user := fs.String("u", "", "username")
	pass := fs.String("p", "", "password")
	initData := fs.String("telegram", "", "telegram mini-app init data")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *initData == "" && (*user == "" || *pass == "") {
		return fmt.Errorf("%w: login needs -u and -p, or -telegram", errUsage)
	}
	return withApp(ctx, stderr, func(a *app) error {
		var me api.Identity
		var err error
		if *initData != "" {
			me, err = a.svc.TelegramLogin(ctx, *initData)
		} else {
			me, err = a.svc.Login(ctx, *user, *pass)
		}
		if err != nil {
			return fmt.Errorf("login: %w", err)
		}
		_, err = fmt.Fprintf(stdout, "signed in as %s (%s, id %d)\n", me.DisplayName, me.Role, me.ID)
		return err
	})
}

func runLogout(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("logout", stderr)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	return withApp(ctx, stderr, func(a *app) error {
		a.svc.Logout(ctx)
		_, err := fmt.Fprintln(stdout, "signed out")
		return err
	})
}

func runWhoami(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("whoami", stderr)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	return withApp(ctx, stderr, func(a *app) error {
		cur := a.svc.Holder().Current()
		if cur == nil {
			return core.ErrNotAuthenticated
		}
		id := cur.Identity
		_, err := fmt.Fprintf(stdout, "%s (%s, id %d) via %s session\n", id.DisplayName, id.Role, id.ID, a.store.Driver())
		return err
	})
}

func runDashboard(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("dashboard", stderr)
	asJSON := fs.Bool("json", false, "print JSON")
	metrics := fs.Bool("metrics", false, "print gateway metrics after the load")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	return withApp(ctx, stderr, func(a *app) error {
		d, err := a.svc.LoadDashboard(ctx)
		if err != nil {
			return fmt.Errorf("dashboard: %w", err)
		}
		if *asJSON {
			enc := json.NewEncoder(stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(d); err != nil {
				return err
			}
		} else {
			printDashboard(stdout, d)
		}
		if *metrics {
			a.writeMetrics(stdout)
		}
		return nil
	})
}

func printDashboard(w io.Writer, d core.Dashboard) {
	_, _ = fmt.Fprintf(w, "%s (%s)\n\n", d.Me.DisplayName, d.Me.Role)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ORDER\tTITLE\tSTATUS\tPROMOTER\t")
	for _, o := range d.Orders {
		marker := ""
		if api.OrderEntity(o.ID) == d.SelectedOrder {
			marker = "*"
		}
		promoter := "-"
		if o.PromoterID != nil {
			promoter = strconv.FormatInt(*o.PromoterID, 10)
		}
		_, _ = fmt.Fprintf(tw, "%d%s\t%s\t%s\t%s\t\n", o.ID, marker, o.Title, api.NormalizeOrderStatus(string(o.Status)), promoter)
	}
	_ = tw.Flush()
	_, _ = fmt.Fprintf(w, "\n%d addresses, %d work types, %d promoters, %d payouts\n",
		len(d.Addresses), len(d.WorkTypes), len(d.Promoters), len(d.Payouts))
}

type orderView struct {
	Detail   *api.OrderDetail `json:"detail"`
	Absent   bool             `json:"absent,omitempty"`
	Error    string           `json:"error,omitempty"`
	Previews []previewView    `json:"previews"`
}

type previewView struct {
	PhotoID int64  `json:"photo_id"`
	Local   string `json:"local,omitempty"`
	Error   string `json:"error,omitempty"`
}

func runOrder(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("order", stderr)
	asJSON := fs.Bool("json", false, "print JSON")
	metrics := fs.Bool("metrics", false, "print gateway metrics after the load")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: order needs exactly one ID", errUsage)
	}
	id, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil || id <= 0 {
		return fmt.Errorf("%w: invalid order id %q", errUsage, fs.Arg(0))
	}
	return withApp(ctx, stderr, func(a *app) error {
		if !a.svc.Holder().Authenticated() {
			return core.ErrNotAuthenticated
		}
		a.svc.SelectOrder(ctx, id)
		a.svc.Orders().Wait()
		if !a.svc.Holder().Authenticated() {
			return errors.New("session expired, log in again")
		}
		view := orderView{}
		rec, ok := a.svc.Orders().Current()
		switch {
		case !ok:
			view.Absent = true
		case rec.Absent:
			view.Absent = true
			if rec.Err != nil {
				view.Error = rec.Err.Error()
			}
		default:
			var detail api.OrderDetail
			if err := rec.Decode(&detail); err != nil {
				return fmt.Errorf("decode order: %w", err)
			}
			view.Detail = &detail
		}
		for _, h := range a.svc.Orders().Previews() {
			pv := previewView{PhotoID: h.Ref.ID, Local: h.Local}
			if h.Err != nil {
				pv.Error = h.Err.Error()
			}
			view.Previews = append(view.Previews, pv)
		}
		if *asJSON {
			enc := json.NewEncoder(stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(view); err != nil {
				return err
			}
		} else {
			printOrder(stdout, id, view)
		}
		if *metrics {
			a.writeMetrics(stdout)
		}
		if view.Absent {
			return fmt.Errorf("order %d could not be loaded", id)
		}
		return nil
	})
}

func printOrder(w io.Writer, id int64, v orderView) {
	if v.Detail == nil {
		_, _ = fmt.Fprintf(w, "order %d: unavailable %s\n", id, v.Error)
	} else {
		d := v.Detail
		_, _ = fmt.Fprintf(w, "order %d: %s [%s], %d items\n", d.ID, d.Title, d.Status, len(d.Items))
	}
	for _, p := range v.Previews {
		if p.Local == "" {
			_, _ = fmt.Fprintf(w, "  photo %d: placeholder (%s)\n", p.PhotoID, p.Error)
			continue
		}
		_, _ = fmt.Fprintf(w, "  photo %d: %s\n", p.PhotoID, p.Local)
	}
}

func runStatus(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("status", stderr)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("%w: status needs ID and STATUS", errUsage)
	}
	id, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil || id <= 0 {
		return fmt.Errorf("%w: invalid order id %q", errUsage, fs.Arg(0))
	}
	status, err := api.ParseOrderStatus(fs.Arg(1))
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	return withApp(ctx, stderr, func(a *app) error {
		got, err := a.svc.SetOrderStatus(ctx, id, status)
		if err != nil {
			return fmt.Errorf("status: %w", err)
		}
		_, err = fmt.Fprintf(stdout, "order %d is now %s\n", id, got)
		return err
	})
}

func runFakeAPI(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("fakeapi", stderr)
	addr := fs.String("addr", ":8000", "listen address")
	prefix := fs.String("prefix", "/api/v1", "route prefix")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              *addr,
		Handler:           fakeapi.New(fakeapi.WithPrefix(*prefix)).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	_, _ = fmt.Fprintf(stdout, "fake API listening on %s%s (users: %s/%s, %s/%s)\n",
		*addr, *prefix, fakeapi.OperatorUsername, fakeapi.OperatorUsername, fakeapi.PromoterUsername, fakeapi.PromoterUsername)
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
