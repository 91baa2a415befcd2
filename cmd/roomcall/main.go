// Roomcall: CLI entry point.
//
// This tool runs either the room relay (a WebSocket broadcast server) or a
// terminal client that chats in a room and places peer-to-peer audio/video
// calls, negotiated through the relay over WebRTC.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-mode, -addr, -url, -room, -name).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pterm/pterm"

	"github.com/1ureka/roomcall/internal/app"
	"github.com/1ureka/roomcall/internal/config"
	"github.com/1ureka/roomcall/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// .env is optional; real environment variables take precedence.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		util.LogWarning("failed to load .env: %v", err)
	}

	// CLI flags.
	mode := flag.String("mode", "", "Mode: serve or join")
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "Optional YAML config file")
	addr := flag.String("addr", "", "Relay listen address (serve only), e.g. :8000")
	serverURL := flag.String("url", "", "Relay URL to connect to (join only), e.g. ws://localhost:8000")
	room := flag.String("room", "", "Room to join (join only)")
	name := flag.String("name", "", "Display name (join only)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	// Flags override the file and the environment.
	if *addr != "" {
		cfg.Server.Address = *addr
	}
	if *serverURL != "" {
		cfg.Client.URL = *serverURL
	}
	if *room != "" {
		cfg.Client.Room = *room
	}
	if *name != "" {
		cfg.Client.Username = *name
	}
	if *debugMode {
		cfg.Debug = true
	}
	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Roomcall v%s", version))
	pterm.Println()

	switch config.Mode(*mode) {
	case "":
		// No -mode flag: interactive mode.
		runInteractive(ctx, cfg)

	case config.ModeServe:
		runServe(ctx, cfg)

	case config.ModeJoin:
		if strings.TrimSpace(cfg.Client.Room) == "" || strings.TrimSpace(cfg.Client.Username) == "" {
			util.LogError("missing -room or -name for join mode")
			os.Exit(1)
		}
		runJoin(ctx, cfg)

	default:
		util.LogError("invalid -mode: must be 'serve' or 'join'")
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive prompts for the mode and any missing identity when no -mode
// flag is provided.
func runInteractive(ctx context.Context, cfg *config.Config) {
	mode, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Join  - Chat and call in a room", "Serve - Run the room relay"}).
		WithDefaultText("Select a mode").
		Show()

	pterm.Println()

	if strings.HasPrefix(mode, "Serve") {
		runServe(ctx, cfg)
		return
	}

	if strings.TrimSpace(cfg.Client.Username) == "" {
		cfg.Client.Username = askNonEmpty("Display name")
	}
	if strings.TrimSpace(cfg.Client.Room) == "" {
		cfg.Client.Room = askNonEmpty("Room")
	}
	runJoin(ctx, cfg)
}

func runServe(ctx context.Context, cfg *config.Config) {
	if err := app.RunServe(ctx, cfg); err != nil {
		util.LogError("relay failed: %v", err)
		os.Exit(1)
	}
}

func runJoin(ctx context.Context, cfg *config.Config) {
	if err := app.RunJoin(ctx, cfg, os.Stdin, os.Stdout); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// askNonEmpty prompts until a non-blank value is entered.
func askNonEmpty(prompt string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		if value := strings.TrimSpace(raw); value != "" {
			pterm.Println()
			return value
		}

		util.LogWarning("%s must not be empty", strings.ToLower(prompt))
		pterm.Println()
	}
}
