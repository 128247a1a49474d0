package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/NikhilSetiya/cohort-sentinel/internal/api"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/config"
)

var version = "dev"

func main() {
	// .env is optional; real environment variables win
	_ = godotenv.Load()

	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	switch command {
	case "serve":
		serve(cfg)
	case "scan":
		scanOnce(cfg)
	case "token":
		issueToken(cfg, os.Args[2:])
	case "version":
		fmt.Println(version)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Cohort Sentinel")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  sentinel [command]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                  Run the scheduler, investigations and operator API (default)")
	fmt.Println("  scan                   Run every configured detector once and print the results")
	fmt.Println("  token <operator> [ttl] Issue an operator token signed with API_JWT_SECRET")
	fmt.Println("  version                Print the version")
	fmt.Println("  help                   Show this help message")
}

func serve(cfg *config.Config) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		a.logger.Info("Shutdown signal received")
		cancel()
	}()

	runErr := a.run(ctx)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := a.close(shutdownCtx); err != nil {
		a.logger.Error("Shutdown incomplete", "error", err)
	}
	if runErr != nil {
		a.logger.Error("Sentinel exited with error", "error", runErr)
		os.Exit(1)
	}
	a.logger.Info("Sentinel exited")
}

// scanOnce runs one scheduling round without the API or auto-investigation
func scanOnce(cfg *config.Config) {
	cfg.Investigation.AutoOpen = false

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer a.close(context.Background())

	results := a.scheduler.RunOnce(ctx)

	out := make([]map[string]interface{}, 0, len(results))
	for _, r := range results {
		errs := make([]string, 0, len(r.Errors))
		for _, e := range r.Errors {
			errs = append(errs, e.Error())
		}
		out = append(out, map[string]interface{}{
			"detector":  r.Detector,
			"pairs":     r.Pairs,
			"anomalies": r.Anomalies,
			"skipped":   r.Skipped,
			"errors":    errs,
			"duration":  r.Duration.String(),
		})
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Fatalf("Failed to encode results: %v", err)
	}
}

func issueToken(cfg *config.Config, args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Token command requires an operator argument\n")
		os.Exit(1)
	}

	ttl := 24 * time.Hour
	if len(args) > 1 {
		d, err := time.ParseDuration(args[1])
		if err != nil || d <= 0 {
			fmt.Fprintf(os.Stderr, "Invalid ttl argument: %s\n", args[1])
			os.Exit(1)
		}
		ttl = d
	}

	token, err := api.IssueToken(cfg.API.JWTSecret, args[0], ttl)
	if err != nil {
		log.Fatalf("Failed to issue token: %v", err)
	}
	fmt.Println(token)
}
