// ABOUTME: Entry point for the mcpdoor gateway server
// ABOUTME: Routes MCP traffic for one provider with broker-managed credentials

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/mcpdoor/mcpdoor/internal/config"
	"github.com/mcpdoor/mcpdoor/internal/gateway"
	"github.com/mcpdoor/mcpdoor/internal/keycache"
	"github.com/mcpdoor/mcpdoor/internal/secrets"
	"github.com/mcpdoor/mcpdoor/internal/session"
	"github.com/mcpdoor/mcpdoor/internal/store"
	"github.com/mcpdoor/mcpdoor/internal/tools"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                _
 _ __ ___   ___ _ __   __| | ___   ___  _ __
| '_ ' _ \ / __| '_ \ / _' |/ _ \ / _ \| '__|
| | | | | | (__| |_) | (_| | (_) | (_) | |
|_| |_| |_|\___| .__/ \__,_|\___/ \___/|_|
               |_|
`

const shutdownTimeout = 10 * time.Second

// getConfigPath returns the path to the gateway config file.
// Priority: MCPDOOR_CONFIG env var > XDG_CONFIG_HOME/mcpdoor/gateway.yaml > ~/.config/mcpdoor/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("MCPDOOR_CONFIG"); envPath != "" {
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

	return filepath.Join(configDir, "mcpdoor", "gateway.yaml")
}

// getDataPath returns the path to the mcpdoor data directory.
// Priority: XDG_DATA_HOME/mcpdoor > ~/.local/share/mcpdoor
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "mcpdoor")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: mcpdoor <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                    Start the gateway server")
		fmt.Println("  init                     Create a new config file")
		fmt.Println("  keygen                   Generate a base64 encryption key")
		fmt.Println("  addkey --secret SECRET --rate-limit N")
		fmt.Println("                           Issue a new caller key")
		fmt.Println("  revoke --id ID           Deactivate a caller key")
		fmt.Println("  health                   Check gateway health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "keygen":
		err = runKeygen()
	case "addkey":
		err = runAddKey(ctx)
	case "revoke":
		err = runRevoke(ctx)
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Provider:  %s\n", cfg.Provider.ID)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Auth:      %s\n", cfg.Auth.Mode)
	fmt.Println()

	logger.Info("starting mcpdoor",
		"config", configPath,
		"provider_id", cfg.Provider.ID,
		"http_addr", cfg.Server.HTTPAddr,
		"auth_mode", cfg.Auth.Mode,
	)

	sessions := session.NewRegistry(logger)
	registry := tools.NewRegistry(logger)
	registerProviderTools(registry)

	gwCfg := gateway.Config{
		Sessions:   sessions,
		Dispatcher: registry,
		Logger:     logger,
		ProviderID: cfg.Provider.ID,
		Version:    version,
		Mode:       gateway.Mode(cfg.Auth.Mode),
	}

	var cache *keycache.Cache
	if cfg.Auth.Mode == "remote" {
		key, err := secrets.KeyFromBase64(cfg.Auth.EncryptionKey)
		if err != nil {
			return fmt.Errorf("loading encryption key: %w", err)
		}
		codec, err := secrets.NewCodec(key)
		if err != nil {
			return fmt.Errorf("creating secret codec: %w", err)
		}

		notifier := store.NewRedisNotifier(cfg.Store.RedisAddr, cfg.Store.RedisPassword)
		if err := notifier.Ping(ctx); err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer notifier.Close()

		db, err := store.NewSQLiteStore(cfg.Store.Path, notifier)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer db.Close()

		cache, err = keycache.New(keycache.Config{
			Source:     db,
			Codec:      codec,
			ProviderID: cfg.Provider.ID,
			Logger:     logger,
		})
		if err != nil {
			return fmt.Errorf("creating credential cache: %w", err)
		}
		// Eager prime so a broken system of record fails startup, not the
		// first caller.
		if err := cache.Prime(ctx); err != nil {
			return fmt.Errorf("priming credential cache: %w", err)
		}
		defer cache.Close()

		gwCfg.Resolver = cache
	} else {
		gwCfg.LocalSecret = cfg.Auth.LocalSecret
	}

	gw, err := gateway.NewServer(gwCfg)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	mux := http.NewServeMux()
	gw.RegisterRoutes(mux)

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("gateway listening", "addr", cfg.Server.HTTPAddr)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}

	// Sweep live sessions so streaming clients see a clean close.
	sessions.CloseAll()

	logger.Info("shutdown complete")
	return nil
}

// registerProviderTools installs the tool handlers for this build. The
// gateway itself is provider-agnostic; a provider distribution replaces this
// with its real tool set.
func registerProviderTools(registry *tools.Registry) {
	// Intentionally empty in the base build.
	_ = registry
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

// runInit creates a starter config file with a fresh encryption key.
func runInit() error {
	configPath := getConfigPath()
	dataPath := getDataPath()
	dbPath := filepath.Join(dataPath, "keys.db")

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}

	encryptionKey, err := randomKeyBase64()
	if err != nil {
		return fmt.Errorf("generating encryption key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	configContent := fmt.Sprintf(`# mcpdoor configuration
# Generated by mcpdoor init

server:
  http_addr: "localhost:8080"

provider:
  id: "google-maps"

auth:
  mode: "remote"
  encryption_key: "%s"

store:
  path: "%s"
  redis_addr: "localhost:6379"

logging:
  level: "info"
  format: "text"
`, encryptionKey, dbPath)

	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green.Printf("  ✓ Created config: %s\n", configPath)
	yellow.Println("  Edit provider.id before starting the gateway.")
	return nil
}

// runKeygen prints a fresh base64-encoded AES-256 key for auth.encryption_key.
func runKeygen() error {
	key, err := randomKeyBase64()
	if err != nil {
		return fmt.Errorf("generating key: %w", err)
	}
	fmt.Println(key)
	return nil
}

func randomKeyBase64() (string, error) {
	key := make([]byte, secrets.KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// runAddKey issues a new caller key for the configured provider, sealing the
// given downstream secret with the configured encryption key.
//
// Supports both "--flag value" and "--flag=value" formats.
func runAddKey(ctx context.Context) error {
	var secret, owner, expiresIn, rateLimit string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		value := func(name string) (string, error) {
			if i+1 >= len(args) {
				return "", fmt.Errorf("%s requires a value", name)
			}
			i++
			return args[i], nil
		}
		var err error
		switch {
		case arg == "--secret":
			secret, err = value("--secret")
		case strings.HasPrefix(arg, "--secret="):
			secret = strings.TrimPrefix(arg, "--secret=")
		case arg == "--owner":
			owner, err = value("--owner")
		case strings.HasPrefix(arg, "--owner="):
			owner = strings.TrimPrefix(arg, "--owner=")
		case arg == "--expires-in":
			expiresIn, err = value("--expires-in")
		case strings.HasPrefix(arg, "--expires-in="):
			expiresIn = strings.TrimPrefix(arg, "--expires-in=")
		case arg == "--rate-limit":
			rateLimit, err = value("--rate-limit")
		case strings.HasPrefix(arg, "--rate-limit="):
			rateLimit = strings.TrimPrefix(arg, "--rate-limit=")
		default:
			return fmt.Errorf("unknown flag: %s", arg)
		}
		if err != nil {
			return err
		}
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.Mode != "remote" {
		return fmt.Errorf("addkey requires auth.mode \"remote\"")
	}

	record := &store.CredentialRecord{
		OwnerKeyHash: owner,
		ProviderID:   cfg.Provider.ID,
		Active:       true,
	}

	if expiresIn != "" {
		d, err := time.ParseDuration(expiresIn)
		if err != nil {
			return fmt.Errorf("parsing --expires-in: %w", err)
		}
		t := time.Now().UTC().Add(d)
		record.ExpiresAt = &t
	}
	// A zero quota rejects every call, so an explicit limit is required
	// rather than silently minting an unusable key.
	if rateLimit == "" {
		return fmt.Errorf("--rate-limit flag is required")
	}
	n, err := strconv.ParseInt(rateLimit, 10, 64)
	if err != nil {
		return fmt.Errorf("parsing --rate-limit: %w", err)
	}
	if n <= 0 {
		return fmt.Errorf("--rate-limit must be positive")
	}
	record.RateLimit = n

	callerKey, err := randomCallerKey()
	if err != nil {
		return fmt.Errorf("generating caller key: %w", err)
	}
	record.CallerKey = callerKey

	if secret != "" {
		key, err := secrets.KeyFromBase64(cfg.Auth.EncryptionKey)
		if err != nil {
			return fmt.Errorf("loading encryption key: %w", err)
		}
		codec, err := secrets.NewCodec(key)
		if err != nil {
			return fmt.Errorf("creating secret codec: %w", err)
		}
		ciphertext, nonce, err := codec.Seal(secret)
		if err != nil {
			return fmt.Errorf("sealing secret: %w", err)
		}
		record.SecretCiphertext = ciphertext
		record.SecretNonce = nonce
	}

	db, notifier, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	defer notifier.Close()

	if err := db.CreateKey(ctx, record); err != nil {
		return fmt.Errorf("creating key: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created key %s\n", record.ID)
	fmt.Printf("  Caller key: %s\n", callerKey)
	if record.ExpiresAt != nil {
		fmt.Printf("  Expires:    %s\n", record.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Printf("  Rate limit: %d calls\n", record.RateLimit)
	return nil
}

// runRevoke deactivates a caller key by record ID. Connected gateways see the
// change through the notifier and drop the key from their caches.
func runRevoke(ctx context.Context) error {
	var id string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--id":
			if i+1 >= len(args) {
				return fmt.Errorf("--id requires a value")
			}
			id = args[i+1]
			i++
		case strings.HasPrefix(arg, "--id="):
			id = strings.TrimPrefix(arg, "--id=")
		default:
			return fmt.Errorf("unknown flag: %s", arg)
		}
	}
	if id == "" {
		return fmt.Errorf("--id flag is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.Mode != "remote" {
		return fmt.Errorf("revoke requires auth.mode \"remote\"")
	}

	db, notifier, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	defer notifier.Close()

	if err := db.DeactivateKey(ctx, id); err != nil {
		return fmt.Errorf("revoking key: %w", err)
	}

	color.New(color.FgGreen).Printf("  ✓ Revoked key %s\n", id)
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (*store.SQLiteStore, *store.RedisNotifier, error) {
	notifier := store.NewRedisNotifier(cfg.Store.RedisAddr, cfg.Store.RedisPassword)
	if err := notifier.Ping(ctx); err != nil {
		notifier.Close()
		return nil, nil, fmt.Errorf("connecting to redis: %w", err)
	}

	db, err := store.NewSQLiteStore(cfg.Store.Path, notifier)
	if err != nil {
		notifier.Close()
		return nil, nil, fmt.Errorf("opening store: %w", err)
	}
	return db, notifier, nil
}

func randomCallerKey() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return "mcpd_" + base64.RawURLEncoding.EncodeToString(raw), nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
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
