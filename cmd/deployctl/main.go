// Command deployctl runs the Deployment Orchestrator control plane:
// loads config, opens the store, reconciles any deployments left in
// flight by a prior crash, and serves the HTTP API.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/evsec-forge/deployctl/internal/api"
	"github.com/evsec-forge/deployctl/internal/audit"
	"github.com/evsec-forge/deployctl/internal/concurrency"
	"github.com/evsec-forge/deployctl/internal/config"
	"github.com/evsec-forge/deployctl/internal/journal"
	"github.com/evsec-forge/deployctl/internal/logpipeline"
	"github.com/evsec-forge/deployctl/internal/orchestrator"
	"github.com/evsec-forge/deployctl/internal/secret"
	"github.com/evsec-forge/deployctl/internal/store"
)

func main() {
	configPath := flag.StringP("config", "c", "", "path to config.yaml")
	verbosity := flag.IntP("verbosity", "v", int(journal.Normal), "process log verbosity (0-3)")
	promptKey := flag.Bool("prompt-encryption-key", false, "prompt for the artifact/credential encryption passphrase instead of reading it from config")
	flag.Parse()

	if err := run(*configPath, journal.Level(*verbosity), *promptKey); err != nil {
		color.Red("deployctl: %v", err)
		os.Exit(1)
	}
}

func run(configPath string, verbosity journal.Level, promptKey bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if promptKey {
		key, err := readPassphrase("encryption passphrase: ")
		if err != nil {
			return fmt.Errorf("reading encryption passphrase: %w", err)
		}
		cfg.Core.EncryptionKey = key
	}
	journal.Configure(verbosity, cfg.Core.LogToJournald)
	journal.Printf(journal.Normal, "deployctl starting, database=%s\n", cfg.Core.DatabasePath)

	st, err := store.Open(cfg.Core.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	decryptor, err := buildDecryptor(cfg.Core.EncryptionKey)
	if err != nil {
		return fmt.Errorf("building decryptor: %w", err)
	}

	registry := logpipeline.NewRegistry(st)
	flushCtx, stopFlushTicker := context.WithCancel(context.Background())
	defer stopFlushTicker()
	registry.StartFlushTicker(flushCtx)

	gate := concurrency.NewGate(cfg.Core.MaxConcurrentDeployments)
	orch := orchestrator.New(st, registry, gate, decryptor,
		cfg.Core.ArtifactsDir, cfg.Core.WorkDir,
		time.Duration(cfg.Core.SSHTimeoutSeconds)*time.Second,
		time.Duration(cfg.Core.BuildTimeoutSeconds)*time.Second, cfg.Detailed())

	if err := orch.ReconcileStartup(context.Background()); err != nil {
		journal.Error("reconciling in-flight deployments", err)
	}

	handler := &api.Handler{
		Store:        st,
		Orchestrator: orch,
		Registry:     registry,
		Audit:        audit.StoreRecorder{Store: st},
		ArtifactsDir: cfg.Core.ArtifactsDir,
	}

	mux := handler.Router()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    cfg.Core.HTTPListenAddress,
		Handler: mux,
	}

	serveErr := make(chan error, 1)
	go func() {
		journal.Printf(journal.Normal, "listening on %s\n", cfg.Core.HTTPListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	case <-sig:
		journal.Printf(journal.Normal, "shutting down\n")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// readPassphrase prints prompt to stderr and reads a line from the
// terminal with input echo disabled, so the passphrase never lands in
// shell history or a terminal scrollback.
func readPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func buildDecryptor(encryptionKey string) (secret.Decryptor, error) {
	if encryptionKey == "" {
		return secret.Plaintext{}, nil
	}
	return secret.NewAESGCMDecryptor(encryptionKey)
}
