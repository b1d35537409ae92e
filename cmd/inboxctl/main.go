package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/inboxsync/internal/api"
	"github.com/matheus3301/inboxsync/internal/lock"
	"github.com/matheus3301/inboxsync/internal/session"
)

var (
	sessionFlag string
	jsonOutput  bool
	timeoutFlag time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "inboxctl",
	Short:         "Control a running inboxd session",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&sessionFlag, "session", "", "session name (overrides config default)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 30*time.Second, "request timeout")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// withClient resolves the session, connects to its daemon and runs fn with a
// timeout-bound context.
func withClient(fn func(ctx context.Context, c *api.Client) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeoutFlag)
	defer cancel()
	return withClientContext(ctx, fn)
}

func withClientContext(ctx context.Context, fn func(ctx context.Context, c *api.Client) error) error {
	sessionName := session.Resolve(sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		return err
	}
	c, err := api.Dial(session.SocketPath(sessionName))
	if err != nil {
		return fmt.Errorf("cannot connect to daemon for session %q: %w", sessionName, err)
	}
	defer func() { _ = c.Close() }()
	return explain(sessionName, fn(ctx, c))
}

// explain turns transport errors into a hint about the daemon.
func explain(sessionName string, err error) error {
	if grpcstatus.Code(err) != codes.Unavailable {
		return err
	}
	info, held, herr := lock.Holder(session.Dir(sessionName))
	switch {
	case herr != nil:
		return err
	case held:
		return fmt.Errorf("daemon for session %q (pid %d) is not answering: %w", sessionName, info.PID, err)
	default:
		return fmt.Errorf("no daemon running for session %q; start it with: inboxd --session %s", sessionName, sessionName)
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
