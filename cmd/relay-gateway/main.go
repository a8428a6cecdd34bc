// ABOUTME: Entry point for the relay-gateway control server
// ABOUTME: Runs the serve loop with restart support, plus health and token commands

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/bridge"
	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/gateway"
	"github.com/2389/relay-gateway/internal/restart"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
           _
  _ __ ___| | __ _ _   _       __ _  __ _| |_ _____      ____ _ _   _
 | '__/ _ \ |/ _' | | | |____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
 | | |  __/ | (_| | |_| |____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
 |_|  \___|_|\__,_|\__, |     \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                   |___/      |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: RELAY_CONFIG env var > XDG_CONFIG_HOME/relay/gateway.yaml > ~/.config/relay/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "relay", "gateway.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: relay-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve              Start the gateway server")
		fmt.Println("  health             Check gateway health")
		fmt.Println("  token --sub NAME   Mint an operator JWT")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	case "token":
		err = runToken(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runServe runs the serve loop. A stop intent exits; a restart intent
// tears the gateway down and re-enters the loop in the same process.
func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// SIGHUP requests a restart rather than a stop.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		logger := setupLogger(cfg.Logging)
		slog.SetDefault(logger)

		printStartupInfo(configPath, cfg)

		if sentinel, err := restart.ReadAndClearSentinel(cfg.State.Dir); err != nil {
			logger.Warn("could not read restart sentinel", "error", err)
		} else if sentinel != nil {
			logger.Info("restarted",
				"reason", sentinel.Kind,
				"stats", sentinel.Stats,
				"requested_at", time.UnixMilli(sentinel.TimestampMs).Format(time.RFC3339),
			)
		}

		sup := restart.NewSupervisor()

		gw, err := gateway.New(cfg, configPath, sup, logger)
		if err != nil {
			return fmt.Errorf("creating gateway: %w", err)
		}

		var bridgeSrv *bridge.Server
		if cfg.Bridge.Enabled {
			bridgeSrv = bridge.NewServer(cfg.Bridge, gw.ServerID(), gw.Pairing(), gw.Bus(), gw.BridgeRPC)
			if err := bridgeSrv.Start(); err != nil {
				return fmt.Errorf("starting bridge: %w", err)
			}
		}

		runCtx, cancelRun := context.WithCancel(context.Background())

		go func() {
			for {
				select {
				case <-ctx.Done():
					sup.RequestStop()
				case <-hup:
					sup.RequestRestart()
					continue
				case <-sup.Requests():
				}
				cancelRun()
				return
			}
		}()

		runErr := gw.Run(runCtx)
		cancelRun()

		if bridgeSrv != nil {
			if err := bridgeSrv.Close(); err != nil {
				logger.Warn("bridge close", "error", err)
			}
		}

		intent := sup.Intent()
		sup.ShutdownComplete()

		if runErr != nil {
			return runErr
		}
		if intent == restart.IntentRestart && ctx.Err() == nil {
			logger.Info("restarting gateway")
			continue
		}
		return nil
	}
}

func printStartupInfo(configPath string, cfg *config.Config) {
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)

	green.Print("    ▶ ")
	fmt.Printf("Config:  %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:    %s\n", cfg.Server.HTTPAddr)
	if cfg.Bridge.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Bridge:  %s", cfg.Bridge.Addr)
		if cfg.Bridge.CertFile != "" {
			gray.Print(" (tls)")
		}
		fmt.Println()
	}
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Print("Tailnet: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	fmt.Println()
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		color.Red("UNREACHABLE (%v)", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusOK {
		color.Green("OK (%s)", string(body))
		return nil
	}
	color.Red("UNHEALTHY (%d: %s)", resp.StatusCode, string(body))
	os.Exit(1)
	return nil
}

// runToken mints an operator JWT from the configured secret.
func runToken(args []string) error {
	sub := "operator"
	expires := 30 * 24 * time.Hour
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--sub":
			if i+1 >= len(args) {
				return fmt.Errorf("--sub requires a value")
			}
			i++
			sub = args[i]
		case "--expires":
			if i+1 >= len(args) {
				return fmt.Errorf("--expires requires a duration")
			}
			i++
			d, err := time.ParseDuration(args[i])
			if err != nil {
				return fmt.Errorf("parsing --expires: %w", err)
			}
			expires = d
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured")
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return err
	}
	token, err := verifier.Generate(sub, expires)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}
