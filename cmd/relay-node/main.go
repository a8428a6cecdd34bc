// ABOUTME: Node client for the relay-gateway device bridge
// ABOUTME: Pairs with the gateway and serves invoked commands over the bridge

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "pair":
		err = runPair(ctx, parseFlags(os.Args[2:]))
	case "run":
		err = runNode(ctx, parseFlags(os.Args[2:]))
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: relay-node <pair|run> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  pair    Request pairing with the gateway and save the issued token")
	fmt.Fprintln(os.Stderr, "  run     Connect with a saved token and serve invoked commands")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Flags:")
	fmt.Fprintln(os.Stderr, "  -addr ADDR       Bridge address (default 127.0.0.1:18790)")
	fmt.Fprintln(os.Stderr, "  -node-id ID      Node identifier (default: hostname)")
	fmt.Fprintln(os.Stderr, "  -name NAME       Display name shown to operators")
	fmt.Fprintln(os.Stderr, "  -state PATH      State file (default ~/.config/relay/node.toml)")
	fmt.Fprintln(os.Stderr, "  -silent          Request silent pairing (if the gateway allows it)")
	fmt.Fprintln(os.Stderr, "  -tls             Connect with TLS")
	fmt.Fprintln(os.Stderr, "  -insecure        Skip TLS certificate verification")
}

type options struct {
	Addr        string
	NodeID      string
	DisplayName string
	StatePath   string
	Silent      bool
	TLS         bool
	Insecure    bool
}

func parseFlags(args []string) options {
	fs := flag.NewFlagSet("relay-node", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:18790", "bridge address")
	nodeID := fs.String("node-id", "", "node identifier")
	name := fs.String("name", "", "display name")
	statePath := fs.String("state", "", "state file path")
	silent := fs.Bool("silent", false, "request silent pairing")
	useTLS := fs.Bool("tls", false, "connect with TLS")
	insecure := fs.Bool("insecure", false, "skip TLS certificate verification")
	_ = fs.Parse(args)

	opts := options{
		Addr:        *addr,
		NodeID:      *nodeID,
		DisplayName: *name,
		StatePath:   *statePath,
		Silent:      *silent,
		TLS:         *useTLS,
		Insecure:    *insecure,
	}
	if opts.NodeID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "relay-node"
		}
		opts.NodeID = host
	}
	if opts.DisplayName == "" {
		opts.DisplayName = opts.NodeID
	}
	if opts.StatePath == "" {
		opts.StatePath = defaultStatePath()
	}
	return opts
}

// runPair requests pairing and persists the issued token.
func runPair(ctx context.Context, opts options) error {
	client, err := connect(opts)
	if err != nil {
		return err
	}
	defer client.Close()

	cyan := color.New(color.FgCyan)
	cyan.Printf("Requesting pairing as %q", opts.NodeID)
	fmt.Println(", approve on the gateway with: relay-admin pair approve <requestId>")

	token, err := client.Pair(ctx, opts)
	if err != nil {
		return err
	}

	state, err := loadState(opts.StatePath)
	if err != nil {
		state = &nodeState{}
	}
	state.NodeID = opts.NodeID
	state.Token = token
	if err := saveState(opts.StatePath, state); err != nil {
		return fmt.Errorf("saving state: %w", err)
	}

	color.Green("Paired. Token saved to %s", opts.StatePath)
	return nil
}

// runNode connects with the saved token and serves invokes until stopped,
// reconnecting with backoff on transport failures.
func runNode(ctx context.Context, opts options) error {
	state, err := loadState(opts.StatePath)
	if err != nil {
		return fmt.Errorf("no saved state at %s, run pair first: %w", opts.StatePath, err)
	}
	if state.Token == "" {
		return fmt.Errorf("state file has no token, run pair first")
	}
	if state.NodeID != "" {
		opts.NodeID = state.NodeID
	}

	backoff := time.Second
	for {
		err := serveOnce(ctx, opts, state.Token)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			color.Yellow("connection lost (%v), retrying in %s", err, backoff)
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func serveOnce(ctx context.Context, opts options, token string) error {
	client, err := connect(opts)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Hello(ctx, opts, token); err != nil {
		return err
	}
	color.Green("connected to %s as %s (%s/%s)", opts.Addr, opts.NodeID, runtime.GOOS, version)

	return client.Serve(ctx, invokeCommand)
}

// invokeCommand executes an invoked command locally. Commands map to
// executables on PATH; params arrive as a JSON string passed on stdin.
func invokeCommand(ctx context.Context, command, paramsJSON string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	cmd := exec.CommandContext(runCtx, command)
	if paramsJSON != "" {
		cmd.Stdin = strings.NewReader(paramsJSON)
	}
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("running %s: %w", command, err)
	}
	return string(out), nil
}
