// ABOUTME: Development backend for coven-dash: token exchange, profile endpoint and channel
// ABOUTME: Usage: fake-backend [-addr localhost:8080] [-sessions a,b] [-delay 80ms]

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-dash/internal/fakebackend"
)

func main() {
	addr := flag.String("addr", "localhost:8080", "HTTP listen address")
	sessions := flag.String("sessions", "", "Comma-separated session ids to start with")
	delay := flag.Duration("delay", 80*time.Millisecond, "Pause between streamed reply chunks")
	lifetime := flag.Duration("token-lifetime", fakebackend.DefaultTokenLifetime, "Access token lifetime")
	secret := flag.String("secret", os.Getenv("FAKE_BACKEND_SECRET"), "HS256 signing secret (random when empty)")
	flag.Parse()

	if err := run(*addr, *sessions, *delay, *lifetime, *secret); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(addr, sessions string, delay, lifetime time.Duration, secret string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	var seed []string
	for _, s := range strings.Split(sessions, ",") {
		if s = strings.TrimSpace(s); s != "" {
			seed = append(seed, s)
		}
	}

	backend := fakebackend.New(fakebackend.Config{
		Secret:        []byte(secret),
		TokenLifetime: lifetime,
		Sessions:      seed,
		StreamDelay:   delay,
		Logger:        logger,
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           backend,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:    http://%s\n", addr)
	green.Print("    ▶ ")
	fmt.Printf("Channel: ws://%s/ws\n", addr)
	color.New(color.FgHiBlack).Println("      any code logs in; codes starting with \"bad\" are rejected")

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	backend.DropConnections()
	return srv.Shutdown(shutdownCtx)
}
