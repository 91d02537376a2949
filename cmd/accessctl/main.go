// accessctl drives a running dorm-access server: start and stop polling,
// inspect poller status, tail the live event stream, and mint operator tokens.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"dorm-access/internal/auth"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type globalOptions struct {
	server  string
	token   string
	timeout time.Duration
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	var opts globalOptions
	flagSet := pflag.NewFlagSet("accessctl", pflag.ContinueOnError)
	flagSet.SetInterspersed(false)
	flagSet.StringVar(&opts.server, "server", envDefault("ACCESSCTL_SERVER", "http://localhost:8080"), "dorm-access base URL")
	flagSet.StringVar(&opts.token, "token", os.Getenv("ACCESSCTL_TOKEN"), "bearer token")
	flagSet.DurationVar(&opts.timeout, "timeout", 15*time.Second, "request timeout (not applied to tail)")
	flagSet.Usage = func() { printUsage(stdout, flagSet) }
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	rest := flagSet.Args()
	if len(rest) == 0 {
		printUsage(stdout, flagSet)
		return errors.New("missing command")
	}
	command, cmdArgs := rest[0], rest[1:]
	if command == "token" {
		return runToken(cmdArgs, stdout)
	}

	client := newAPIClient(opts.server, opts.token, opts.timeout)
	switch command {
	case "start":
		return runStart(ctx, client, cmdArgs, stdout)
	case "stop":
		resp, err := client.stop(ctx)
		return printJSON(stdout, resp, err)
	case "status":
		status, err := client.status(ctx)
		if err != nil {
			return err
		}
		return printJSON(stdout, status, nil)
	case "tail":
		return runTail(ctx, client, cmdArgs, stdout)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func runStart(ctx context.Context, client *apiClient, args []string, stdout io.Writer) error {
	var req startRequest
	flagSet := pflag.NewFlagSet("start", pflag.ContinueOnError)
	flagSet.StringSliceVar(&req.DoorIDs, "door", nil, "door index code (repeatable or comma separated)")
	flagSet.IntSliceVar(&req.EventTypes, "event-type", nil, "event type code (repeatable)")
	flagSet.IntVar(&req.IntervalMs, "interval-ms", 0, "poll interval in milliseconds")
	flagSet.StringVar(&req.PersonName, "person-name", "", "only fetch events for this person")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if len(req.DoorIDs) == 0 {
		return errors.New("start: at least one --door is required")
	}
	resp, err := client.start(ctx, req)
	if err != nil {
		return err
	}
	return printJSON(stdout, resp, nil)
}

func runTail(ctx context.Context, client *apiClient, args []string, stdout io.Writer) error {
	var count int
	var pings bool
	flagSet := pflag.NewFlagSet("tail", pflag.ContinueOnError)
	flagSet.IntVarP(&count, "count", "n", 0, "exit after this many event/summary messages (0 = forever)")
	flagSet.BoolVar(&pings, "pings", false, "also print keepalive pings")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	seen := 0
	return client.tail(ctx, func(event, data string) bool {
		switch event {
		case "ping":
			if pings {
				fmt.Fprintf(stdout, "%s %s\n", event, data)
			}
			return true
		case "ready":
			return true
		}
		fmt.Fprintf(stdout, "%s %s\n", event, data)
		seen++
		return count <= 0 || seen < count
	})
}

func runToken(args []string, stdout io.Writer) error {
	var (
		secret  string
		subject string
		role    string
		ttl     time.Duration
	)
	flagSet := pflag.NewFlagSet("token", pflag.ContinueOnError)
	flagSet.StringVar(&secret, "secret", os.Getenv("AUTH_JWT_SECRET"), "HS256 signing secret")
	flagSet.StringVar(&subject, "subject", "accessctl", "token subject")
	flagSet.StringVar(&role, "role", string(auth.RoleOperator), "viewer, operator or admin")
	flagSet.DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	token, err := auth.IssueJWT([]byte(secret), subject, auth.Role(role), ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, token)
	return err
}

func printJSON(stdout io.Writer, value any, err error) error {
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func envDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func printUsage(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, `Usage: accessctl [global flags] <command> [flags]

Commands:
  start   --door D1 [--door D2] [--event-type 196893] [--interval-ms 10000] [--person-name NAME]
  stop
  status
  tail    [-n COUNT] [--pings]
  token   [--secret S] [--subject NAME] [--role operator] [--ttl 1h]

Global flags:
%s`, flagSet.FlagUsages())
}
