// ABOUTME: Entry point for coven-dash, the terminal dashboard for coven agents
// ABOUTME: Subcommands cover login, logout, whoami, status and the interactive chat

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-dash/internal/auth"
	"github.com/2389/coven-dash/internal/client"
	"github.com/2389/coven-dash/internal/config"
	"github.com/2389/coven-dash/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "login":
		err = runLogin(ctx, os.Args[2:])
	case "logout":
		err = runLogout(ctx)
	case "whoami":
		err = runWhoami(ctx)
	case "status":
		err = runStatus(ctx)
	case "chat":
		err = runChat(ctx)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		if errors.Is(err, auth.ErrUnauthenticated) {
			color.New(color.FgYellow).Fprintln(os.Stderr, "Not logged in. Run: coven-dash login --code <code>")
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: coven-dash <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  login --code CODE   Exchange an authorization code for a session")
	fmt.Println("  logout              Forget the credential and cached sessions")
	fmt.Println("  whoami              Show the signed-in user")
	fmt.Println("  status              Show credential and cache status")
	fmt.Println("  chat                Open the interactive dashboard")
	fmt.Println("  version             Print the version")
}

// app bundles what every subcommand needs.
type app struct {
	cfg    *config.Config
	store  *store.SQLiteStore
	client *client.Client
}

func openApp() (*app, error) {
	configPath := config.Path()
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	logger.Debug("starting coven-dash", "config", configPath, "version", version, "database", cfg.Database.Path)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	return &app{cfg: cfg, store: st, client: client.New(cfg, st, logger)}, nil
}

func (a *app) Close() {
	a.client.Close()
	a.store.Close()
}

func runLogin(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	code := fs.String("code", "", "Authorization code from the identity provider")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *code == "" {
		return fmt.Errorf("--code is required")
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	cred, err := a.client.Login(ctx, *code)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Print("✓ ")
	if cred.User != nil && cred.User.Email != "" {
		fmt.Printf("Logged in as %s\n", cred.User.Email)
	} else {
		fmt.Println("Logged in")
	}
	color.New(color.FgHiBlack).Printf("  token expires %s\n", cred.ExpiresAt.Local().Format(time.RFC1123))
	return nil
}

func runLogout(ctx context.Context) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.client.Logout(ctx); err != nil {
		return err
	}
	fmt.Println("Logged out")
	return nil
}

func runWhoami(ctx context.Context) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.client.Auth.Acquire(ctx); err != nil {
		return err
	}
	user, err := a.client.Whoami(ctx)
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(user.Name)
	if user.Email != "" {
		fmt.Printf(" <%s>", user.Email)
	}
	fmt.Println()
	color.New(color.FgHiBlack).Printf("  id: %s\n", user.ID)
	return nil
}

func runStatus(ctx context.Context) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	fmt.Printf("Config:   %s\n", config.Path())
	fmt.Printf("Database: %s\n", a.cfg.Database.Path)
	fmt.Printf("Server:   %s\n", a.cfg.Server.URL)

	fmt.Print("Auth:     ")
	cred, err := a.client.Auth.Acquire(ctx)
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		yellow.Println("not logged in")
	case err != nil:
		return err
	default:
		green.Print("logged in")
		if cred.User != nil && cred.User.Email != "" {
			fmt.Printf(" as %s", cred.User.Email)
		}
		fmt.Printf(" (expires %s)\n", cred.ExpiresAt.Local().Format(time.Kitchen))
	}

	sessions, err := a.store.LoadSessions(ctx)
	if err != nil {
		return fmt.Errorf("reading session cache: %w", err)
	}
	fmt.Printf("Cached:   %d sessions\n", len(sessions))
	return nil
}
