// Command adcontrol drives the order-management API from a terminal using the
// same session, gateway and cascade stack as the graphical clients.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

const usage = `usage: adcontrol <command> [flags]

commands:
  login -u USER -p PASS | login -telegram INIT_DATA
  logout
  whoami
  dashboard [-json]
  order [-json] ID
  status ID STATUS
  fakeapi [-addr :8000]
`

var (
	exitFunc = os.Exit
	errUsage = errors.New("usage")
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	exitFunc(code)
}

func cli(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprint(stderr, usage)
		return 2
	}
	var err error
	switch args[0] {
	case "login":
		err = runLogin(ctx, args[1:], stdout, stderr)
	case "logout":
		err = runLogout(ctx, args[1:], stdout, stderr)
	case "whoami":
		err = runWhoami(ctx, args[1:], stdout, stderr)
	case "dashboard":
		err = runDashboard(ctx, args[1:], stdout, stderr)
	case "order":
		err = runOrder(ctx, args[1:], stdout, stderr)
	case "status":
		err = runStatus(ctx, args[1:], stdout, stderr)
	case "fakeapi":
		err = runFakeAPI(ctx, args[1:], stdout, stderr)
	case "help", "-h", "--help":
		_, _ = fmt.Fprint(stdout, usage)
		return 0
	default:
		err = fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage), errors.Is(err, flag.ErrHelp):
		if !errors.Is(err, flag.ErrHelp) {
			_, _ = fmt.Fprintf(stderr, "adcontrol: %v\n", err)
		}
		_, _ = fmt.Fprint(stderr, usage)
		return 2
	default:
		_, _ = fmt.Fprintf(stderr, "adcontrol: %v\n", err)
		return 1
	}
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

// parseFlags maps flag parse failures onto errUsage.
func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	return nil
}
