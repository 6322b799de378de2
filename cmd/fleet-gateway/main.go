// ABOUTME: Entry point for the fleet-gateway control plane
// ABOUTME: Serves agents over websockets and offers admin commands against a running gateway

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/fleet-gateway/internal/auth"
	"github.com/2389/fleet-gateway/internal/config"
	"github.com/2389/fleet-gateway/internal/gateway"
	"github.com/2389/fleet-gateway/internal/store"
)

// Version is set at build time.
var version = "dev"

const banner = `
  __ _           _                     _
 / _| | ___  ___| |_      __ _  __ _| |_ _____      ____ _ _   _
| |_| |/ _ \/ _ \ __|___ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
|  _| |  __/  __/ ||_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
|_| |_|\___|\___|\__|     \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                          |___/                             |___/
`

func usage() {
	fmt.Println("Usage: fleet-gateway <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                                 Start the gateway server")
	fmt.Println("  health                                Check gateway health")
	fmt.Println("  sessions                              List connected agent sessions")
	fmt.Println("  instances                             List fleet instances")
	fmt.Println("  register --agent ID --owner ID        Register an agent and print its token")
	fmt.Println("  revoke --agent ID                     Revoke a registered agent")
	fmt.Println("  token --agent ID --owner ID [--ttl]   Issue a JWT for an agent")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	case "sessions":
		err = runList(ctx, "/api/sessions")
	case "instances":
		err = runList(ctx, "/api/instances")
	case "register":
		err = runRegister(ctx, args)
	case "revoke":
		err = runRevoke(ctx, args)
	case "token":
		err = runToken(args)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, string, error) {
	path := config.DefaultPath()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Agents:    %s\n", cfg.Server.AgentPath)
	green.Print("    ▶ ")
	fmt.Printf("Notify:    %s\n", cfg.Notify.Backend)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	fmt.Println()

	logger.Info("starting fleet-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"agent_path", cfg.Server.AgentPath,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

// baseURL turns the listen address into something a local client can dial.
func baseURL(cfg *config.Config) string {
	addr := cfg.Server.HTTPAddr
	if strings.HasPrefix(addr, "0.0.0.0:") {
		addr = "127.0.0.1:" + strings.TrimPrefix(addr, "0.0.0.0:")
	} else if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL(cfg)+"/health", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	fmt.Println("healthy")
	return nil
}

// runList prints the JSON body of an admin API listing.
func runList(ctx context.Context, path string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL(cfg)+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if cfg.Auth.AdminToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Auth.AdminToken)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

func runRegister(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	agentID := fs.String("agent", "", "agent id")
	ownerID := fs.String("owner", "", "owner id")
	name := fs.String("name", "", "display name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *agentID == "" || *ownerID == "" {
		return errors.New("--agent and --owner are required")
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := gateway.OpenStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	token, hash, err := auth.GenerateAgentToken(*agentID)
	if err != nil {
		return err
	}
	err = s.CreateAgent(ctx, &store.Agent{
		ID:          *agentID,
		OwnerID:     *ownerID,
		DisplayName: *name,
		TokenHash:   hash,
		Status:      store.AgentStatusActive,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("registering agent: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Print("✓ ")
	fmt.Printf("Registered agent %s\n\n", *agentID)
	fmt.Println("Token (shown once):")
	color.New(color.FgCyan).Println(token)
	return nil
}

func runRevoke(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("revoke", flag.ContinueOnError)
	agentID := fs.String("agent", "", "agent id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *agentID == "" {
		return errors.New("--agent is required")
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := gateway.OpenStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.UpdateAgentStatus(ctx, *agentID, store.AgentStatusRevoked); err != nil {
		return fmt.Errorf("revoking agent: %w", err)
	}
	fmt.Printf("Revoked agent %s\n", *agentID)
	return nil
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	agentID := fs.String("agent", "", "agent id")
	ownerID := fs.String("owner", "", "owner id")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *agentID == "" || *ownerID == "" {
		return errors.New("--agent and --owner are required")
	}
	if *ttl <= 0 {
		return errors.New("--ttl must be positive")
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(*agentID, *ownerID, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	return nil
}
