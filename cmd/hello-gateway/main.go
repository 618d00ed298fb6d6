// ABOUTME: Entry point for the hello-gateway passwordless auth CLI
// ABOUTME: Enrollment, sign-in, and account management on this device

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/2389/hello-gateway/internal/challenge"
	"github.com/2389/hello-gateway/internal/config"
	"github.com/2389/hello-gateway/internal/device"
	"github.com/2389/hello-gateway/internal/directory"
	"github.com/2389/hello-gateway/internal/flow"
	"github.com/2389/hello-gateway/internal/keycred"
	"github.com/2389/hello-gateway/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _          _ _
| |__   ___| | | ___         __ _  __ _| |_ _____      ____ _ _   _
| '_ \ / _ \ | |/ _ \ _____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| | | |  __/ | | (_) |_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
|_| |_|\___|_|_|\___/       \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                            |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: HELLO_CONFIG env var > XDG_CONFIG_HOME/hello/gateway.yaml > ~/.config/hello/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("HELLO_CONFIG"); envPath != "" {
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

	return filepath.Join(configDir, "hello", "gateway.yaml")
}

// getDataPath returns the path to the hello data directory.
// Priority: XDG_DATA_HOME/hello > ~/.local/share/hello
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "hello")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: hello-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  init                        Create a starter config file")
		fmt.Println("  setup-pin                   Configure the keystore unlock PIN")
		fmt.Println("  accounts                    List accounts enrolled on this device")
		fmt.Println("  enroll -user U [-password P]  Enroll a user on this device")
		fmt.Println("  signin -user U              Sign in with the device key")
		fmt.Println("  remove-device -user U       Forget this device for a user")
		fmt.Println("  remove-user -user U         Delete a user and their device key")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "init":
		err = runInit()
	case "setup-pin":
		err = runSetupPIN()
	case "accounts":
		err = runAccounts(ctx)
	case "enroll":
		err = runEnroll(ctx)
	case "signin":
		err = runSignIn(ctx)
	case "remove-device":
		err = runRemoveDevice(ctx)
	case "remove-user":
		err = runRemoveUser(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// env is the wired-up component set behind every account command.
type env struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *store.AccountStore
	dir        *directory.Directory
	challenges *challenge.Service
	provider   *keycred.SoftwareProvider
	device     device.Source
	orch       *flow.Orchestrator
}

func (e *env) close() {
	e.challenges.Close()
	e.store.Close()
}

// buildEnv loads the config and wires the store, directory, key provider,
// challenge service, and orchestrator.
func buildEnv(ctx context.Context) (*env, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	var medium store.Medium
	switch cfg.Storage.Driver {
	case "sqlite":
		sqliteMedium, err := store.NewSQLiteMedium(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite storage: %w", err)
		}
		medium = sqliteMedium
	default:
		medium = store.NewFileMedium(cfg.Storage.Path)
	}

	var seed *store.SeedOptions
	if cfg.Seed.Enabled {
		seed = &store.SeedOptions{Username: cfg.Seed.Username, Password: cfg.Seed.Password}
	}

	s, err := store.Open(ctx, medium, seed, logger.With("component", "store"))
	if err != nil {
		return nil, err
	}

	dir := directory.New(s, logger.With("component", "directory"))
	challenges := challenge.NewService(dir, cfg.Challenge.TTL, logger.With("component", "challenge"))

	provider, err := keycred.NewSoftwareProvider(keycred.SoftwareConfig{
		Dir:            cfg.Keystore.Path,
		Prompt:         promptPIN,
		MaxPINAttempts: cfg.Keystore.MaxPINAttempts,
		Logger:         logger.With("component", "keycred"),
	})
	if err != nil {
		return nil, err
	}

	var tokens *flow.TokenIssuer
	if cfg.Session.JWTSecret != "" {
		tokens = flow.NewTokenIssuer([]byte(cfg.Session.JWTSecret), cfg.Session.TTL)
	}

	source := device.NewFileSource(cfg.Keystore.DeviceIDPath)

	orch, err := flow.New(flow.Config{
		Directory:  dir,
		Keys:       provider,
		Challenges: challenges,
		Device:     source,
		Tokens:     tokens,
		Logger:     logger.With("component", "flow"),
	})
	if err != nil {
		return nil, err
	}

	return &env{
		cfg:        cfg,
		logger:     logger,
		store:      s,
		dir:        dir,
		challenges: challenges,
		provider:   provider,
		device:     source,
		orch:       orch,
	}, nil
}

// promptPIN reads the keystore PIN without echo.
func promptPIN(ctx context.Context, identity string) (string, error) {
	fmt.Printf("Keystore PIN for %s: ", identity)
	pin, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("reading pin: %w", err)
	}
	if len(pin) == 0 {
		return "", keycred.ErrPromptCanceled
	}
	return string(pin), nil
}

func runInit() error {
	configPath := getConfigPath()
	dataPath := getDataPath()

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)

	cyan.Print(banner)
	color.New(color.FgHiBlack).Printf("    version: %s\n\n", version)

	if _, err := os.Stat(configPath); err == nil {
		cyan.Printf("Config already exists: %s\n", configPath)
		return nil
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	jwtSecret := base64.StdEncoding.EncodeToString(secretBytes)

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	configContent := fmt.Sprintf(`# hello-gateway configuration
# Generated by hello-gateway init

storage:
  driver: "file"
  path: "%s"

keystore:
  path: "%s"
  max_pin_attempts: 3

challenge:
  ttl: "2m"

session:
  jwt_secret: "%s"
  ttl: "12h"

seed:
  enabled: true

logging:
  level: "info"
  format: "text"
`, filepath.Join(dataPath, "accounts.json"), filepath.Join(dataPath, "keystore"), jwtSecret)

	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green.Printf("  ✓ Created config: %s\n", configPath)
	cyan.Println("  Next: hello-gateway setup-pin")
	return nil
}

func runSetupPIN() error {
	ctx := context.Background()
	e, err := buildEnv(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	if e.provider.PINConfigured() {
		color.New(color.FgYellow).Println("A keystore PIN is already configured; it will be replaced.")
		color.New(color.FgYellow).Println("Keys sealed under the old PIN become unusable.")
	}

	fmt.Print("New keystore PIN: ")
	first, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("reading pin: %w", err)
	}
	fmt.Print("Repeat PIN: ")
	second, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("reading pin: %w", err)
	}
	if string(first) != string(second) {
		return fmt.Errorf("PINs do not match")
	}

	if err := e.provider.SetupPIN(string(first)); err != nil {
		return err
	}

	color.New(color.FgGreen).Println("  ✓ Keystore PIN configured")
	return nil
}

func runAccounts(ctx context.Context) error {
	e, err := buildEnv(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	deviceID, err := e.device.DeviceID(ctx)
	if err != nil {
		return err
	}

	accounts, err := e.dir.AccountsForDevice(ctx, deviceID)
	if err != nil {
		return err
	}

	gray := color.New(color.FgHiBlack)
	gray.Printf("device: %s\n", deviceID)

	if len(accounts) == 0 {
		fmt.Println("No accounts enrolled on this device.")
		return nil
	}

	for _, a := range accounts {
		color.New(color.FgGreen).Printf("%s", a.Username)
		gray.Printf("  (%s)\n", a.UserID)
		for _, d := range a.Devices {
			marker := " "
			if d.DeviceID == deviceID {
				marker = "*"
			}
			fmt.Printf("  %s %s", marker, d.DeviceID)
			gray.Printf("  attestation=%s enrolled=%s\n", d.Attestation, d.EnrolledAt.Format("2006-01-02"))
		}
	}
	return nil
}

// userFlag parses "-user" (and extras) from the subcommand arguments.
func userFlag(cmd string, extra func(fs *flag.FlagSet)) (string, error) {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	user := fs.String("user", "", "username")
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(os.Args[2:]); err != nil {
		return "", err
	}
	if strings.TrimSpace(*user) == "" {
		return "", fmt.Errorf("-user is required")
	}
	return strings.TrimSpace(*user), nil
}

func runEnroll(ctx context.Context) error {
	var password *string
	user, err := userFlag("enroll", func(fs *flag.FlagSet) {
		password = fs.String("password", "", "legacy password (migration path)")
	})
	if err != nil {
		return err
	}

	e, err := buildEnv(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	result, err := e.orch.Enroll(ctx, user, *password)
	if err != nil {
		return err
	}

	switch result.State {
	case flow.StateEnrolled:
		color.New(color.FgGreen).Printf("  ✓ Enrolled %s on this device\n", user)
		return nil
	case flow.StateUnavailable:
		return fmt.Errorf("key facility unavailable (run: hello-gateway setup-pin)")
	default:
		return fmt.Errorf("enrollment failed: %s", result.Reason)
	}
}

func runSignIn(ctx context.Context) error {
	user, err := userFlag("signin", nil)
	if err != nil {
		return err
	}

	e, err := buildEnv(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	result, err := e.orch.SignIn(ctx, user)
	if err != nil {
		return err
	}

	switch result.State {
	case flow.StateAuthenticated:
		color.New(color.FgGreen).Printf("  ✓ Welcome, %s\n", result.Account.Username)
		if result.Token != "" {
			color.New(color.FgHiBlack).Printf("  session: %s\n", result.Token)
		}
		return nil
	case flow.StateRejected:
		return fmt.Errorf("sign-in rejected: %s", result.Reason)
	case flow.StateUnavailable:
		return fmt.Errorf("key facility unavailable (run: hello-gateway setup-pin)")
	default:
		return fmt.Errorf("sign-in failed: %s", result.Reason)
	}
}

func runRemoveDevice(ctx context.Context) error {
	user, err := userFlag("remove-device", nil)
	if err != nil {
		return err
	}

	e, err := buildEnv(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	deviceID, err := e.device.DeviceID(ctx)
	if err != nil {
		return err
	}

	userID, err := e.dir.UserID(ctx, user)
	if err != nil {
		return fmt.Errorf("looking up %q: %w", user, err)
	}

	// Local key first; forgetting the enrollment record still succeeds if
	// the key file is already gone.
	if err := e.provider.DeleteKey(ctx, user); err != nil {
		e.logger.Warn("deleting local key", "username", user, "error", err)
	}

	removed, err := e.dir.RemoveDevice(ctx, userID, deviceID)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("no such account: %s", user)
	}

	color.New(color.FgGreen).Printf("  ✓ Forgot this device for %s\n", user)
	return nil
}

func runRemoveUser(ctx context.Context) error {
	user, err := userFlag("remove-user", nil)
	if err != nil {
		return err
	}

	e, err := buildEnv(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	userID, err := e.dir.UserID(ctx, user)
	if err != nil {
		return fmt.Errorf("looking up %q: %w", user, err)
	}

	if err := e.provider.DeleteKey(ctx, user); err != nil {
		e.logger.Warn("deleting local key", "username", user, "error", err)
	}

	removed, err := e.dir.RemoveUser(ctx, userID)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("no such account: %s", user)
	}

	color.New(color.FgGreen).Printf("  ✓ Removed %s and their enrollments\n", user)
	return nil
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

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
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

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
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
