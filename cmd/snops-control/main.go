package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cuemby/snops/pkg/api"
	"github.com/cuemby/snops/pkg/events"
	"github.com/cuemby/snops/pkg/log"
	"github.com/cuemby/snops/pkg/metrics"
	"github.com/cuemby/snops/pkg/pool"
	"github.com/cuemby/snops/pkg/store"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "snops-control",
	Short: "snops-control runs the devnet control plane: agent pool, environments, cannons",
	Long: `snops-control accepts agent websocket connections, assigns environments,
tracks the pool's state in a local bbolt store, and exposes the HTTP API
other tooling drives this devnet through.`,
	Version: Version,
	RunE:    runControl,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("snops-control version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.Flags().String("bind", ":8080", "address the HTTP API listens on")
	rootCmd.Flags().String("data-dir", "./data", "directory for the bbolt store and jwt secret")
	rootCmd.Flags().String("jwt-secret-file", "", "path to the HMAC secret signing agent session tokens (generated under data-dir if unset)")
	rootCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "output logs in JSON format")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	level, _ := rootCmd.Flags().GetString("log-level")
	jsonOut, _ := rootCmd.Flags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

func runControl(cmd *cobra.Command, args []string) error {
	bind, _ := cmd.Flags().GetString("bind")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	jwtSecretFile, _ := cmd.Flags().GetString("jwt-secret-file")

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("snops-control: create data dir: %w", err)
	}
	if jwtSecretFile == "" {
		jwtSecretFile = filepath.Join(dataDir, "jwt.secret")
	}
	secret, err := loadOrCreateSecret(jwtSecretFile)
	if err != nil {
		return fmt.Errorf("snops-control: %w", err)
	}

	db, err := store.Open(dataDir)
	if err != nil {
		return fmt.Errorf("snops-control: %w", err)
	}
	defer db.Close()

	trees, err := store.OpenTrees(db)
	if err != nil {
		return fmt.Errorf("snops-control: %w", err)
	}

	agentPool := pool.New()
	bus := events.NewBus()
	bus.Start()
	defer bus.Stop()
	issuer := pool.NewTokenIssuer(secret)

	if err := restorePool(agentPool, trees); err != nil {
		return fmt.Errorf("snops-control: %w", err)
	}

	server := api.NewServer(agentPool, trees, bus, issuer)
	metrics.RegisterComponent("store", true, "")

	httpServer := &http.Server{Addr: bind, Handler: server.Router()}
	errCh := make(chan error, 1)
	go func() {
		log.Logger.Info().Str("addr", bind).Msg("snops-control: listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Logger.Info().Msg("snops-control: shutting down")
	case err := <-errCh:
		return fmt.Errorf("snops-control: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("snops-control: shutdown: %w", err)
	}
	return nil
}

// loadOrCreateSecret reads the HMAC secret signing agent session JWTs, or
// generates and persists a fresh 32-byte one on first run.
func loadOrCreateSecret(path string) ([]byte, error) {
	if b, err := os.ReadFile(path); err == nil {
		return b, nil
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate jwt secret: %w", err)
	}
	if err := os.WriteFile(path, secret, 0o600); err != nil {
		return nil, fmt.Errorf("persist jwt secret: %w", err)
	}
	return secret, nil
}

// restorePool loads every persisted agent record back into the in-memory
// pool on startup, marked disconnected until each reconnects and
// handshakes again.
func restorePool(p *pool.Pool, trees *store.Trees) error {
	entries, err := trees.Agents.Scan()
	if err != nil {
		return fmt.Errorf("restore agent pool: %w", err)
	}
	for _, e := range entries {
		agent := e.Value
		agent.TransportHandle = nil
		p.Insert(&agent)
	}
	return nil
}
