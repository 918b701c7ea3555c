// ABOUTME: Entry point for the agentgate identity and policy gateway
// ABOUTME: Serves the gateway and provides operator commands for config, keys, and agents

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/agentgate/internal/config"
	"github.com/2389/agentgate/internal/gateway"
	"github.com/2389/agentgate/internal/sigverify"
	"github.com/2389/agentgate/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                        _              _
  __ _  __ _  ___ _ __ | |_ __ _  __ _| |_ ___
 / _' |/ _' |/ _ \ '_ \| __/ _' |/ _' | __/ _ \
| (_| | (_| |  __/ | | | || (_| | (_| | ||  __/
 \__,_|\__, |\___|_| |_|\__\__, |\__,_|\__\___|
       |___/               |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: AGENTGATE_CONFIG env var > XDG_CONFIG_HOME/agentgate/gateway.yaml > ~/.config/agentgate/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("AGENTGATE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "agentgate", "gateway.yaml")
}

// getDataPath returns the path to the agentgate data directory.
// Priority: XDG_DATA_HOME/agentgate > ~/.local/share/agentgate
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "agentgate")
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(os.Stdin, os.Stdout)
	case "keygen":
		err = runKeygen(os.Stdout, os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx, os.Stdout)
	case "suspend":
		err = runSuspend(ctx, os.Args[2:])
	case "version", "--version", "-v":
		fmt.Printf("agentgate %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: agentgate <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                          Start the gateway")
	fmt.Println("  init                           Interactive configuration setup")
	fmt.Println("  keygen [--type ALG]            Generate an agent key pair (ed25519 or secp256k1)")
	fmt.Println("  health                         Check a running gateway")
	fmt.Println("  agents                         List registered agents")
	fmt.Println("  suspend --id ID [--reason R]   Suspend an agent")
	fmt.Println("  version                        Print the version")
	fmt.Println()
	fmt.Printf("Config: %s (override with AGENTGATE_CONFIG)\n", getConfigPath())
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan, color.Bold)
	dim := color.New(color.FgHiBlack)

	cyan.Print(banner)
	dim.Printf("  version %s\n\n", version)

	configPath := getConfigPath()
	cfg, err := config.LoadResolved(configPath)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", configPath, err)
	}

	logger := setupLogger(cfg.Logging)
	logger.Info("configuration loaded",
		"path", configPath,
		"service", cfg.Service.Name,
		"scopes", len(cfg.Scopes),
		"credential", string(cfg.Auth.Credential),
	)

	gw, err := gateway.New(cfg, logger, gateway.WithVersion(version))
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	if err := gw.Run(ctx); err != nil {
		return fmt.Errorf("running gateway: %w", err)
	}
	logger.Info("gateway stopped")
	return nil
}

// runHealth queries /health on the configured address.
func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := healthURL(cfg.Server)
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable at %s: %w", url, err)
	}
	defer resp.Body.Close()

	var body gateway.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decoding health response: %w", err)
	}

	status := color.GreenString(body.Status)
	if resp.StatusCode != http.StatusOK {
		status = color.RedString(body.Status)
	}
	fmt.Printf("status:  %s\n", status)
	fmt.Printf("version: %s\n", body.Version)
	fmt.Printf("uptime:  %s\n", body.Uptime)
	fmt.Printf("storage: %s", body.Storage.Status)
	if body.Storage.Error != "" {
		fmt.Printf(" (%s)", body.Storage.Error)
	}
	fmt.Println()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway unhealthy (HTTP %d)", resp.StatusCode)
	}
	return nil
}

// healthURL prefers the public base URL and falls back to the listen address.
func healthURL(s config.ServerConfig) string {
	if s.BaseURL != "" {
		return strings.TrimRight(s.BaseURL, "/") + "/health"
	}
	addr := s.HTTPAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + "/health"
}

func runAgents(ctx context.Context, out io.Writer) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	s, err := gateway.OpenStore(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	agents, err := s.ListAgents(ctx, store.ListAgentsFilter{})
	if err != nil {
		return fmt.Errorf("listing agents: %w", err)
	}
	return printAgents(out, agents)
}

func printAgents(out io.Writer, agents []*store.Agent) error {
	if len(agents) == 0 {
		_, err := fmt.Fprintln(out, "No agents registered.")
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tALGORITHM\tREPUTATION\tSCOPES\tCREATED")
	for _, a := range agents {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			a.ID,
			a.Status,
			a.Algorithm,
			a.Reputation,
			strings.Join(a.ScopesGranted, ","),
			a.CreatedAt.Format(time.RFC3339),
		)
	}
	return tw.Flush()
}

// runSuspend suspends an agent and delivers the lifecycle event before exiting.
func runSuspend(ctx context.Context, args []string) error {
	flags, err := parseFlags(args, "id", "reason")
	if err != nil {
		return err
	}
	if flags["id"] == "" {
		return errors.New("usage: agentgate suspend --id AGENT_ID [--reason REASON]")
	}

	cfg, err := config.LoadResolved(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	gw, err := gateway.New(cfg, setupLogger(cfg.Logging), gateway.WithVersion(version))
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	agent, suspendErr := gw.Registration().SuspendAgent(ctx, flags["id"], flags["reason"])

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Shutdown(shutdownCtx); err != nil && suspendErr == nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	if suspendErr != nil {
		return suspendErr
	}

	fmt.Printf("%s agent %s is now %s\n", color.GreenString("✓"), agent.ID, agent.Status)
	return nil
}

func runKeygen(out io.Writer, args []string) error {
	flags, err := parseFlags(args, "type")
	if err != nil {
		return err
	}
	alg := sigverify.Ed25519
	if flags["type"] != "" {
		if alg, err = sigverify.ParseAlgorithm(flags["type"]); err != nil {
			return err
		}
	}

	var public, private string
	switch alg {
	case sigverify.Secp256k1:
		s, err := sigverify.GenerateWalletSigner()
		if err != nil {
			return err
		}
		public, private = s.PublicKey(), s.PrivateKeyHex()
	default:
		s, err := sigverify.GenerateEd25519Signer()
		if err != nil {
			return err
		}
		public, private = s.PublicKey(), base64.StdEncoding.EncodeToString(s.PrivateKey().Seed())
	}

	fmt.Fprintf(out, "algorithm:   %s\n", alg)
	fmt.Fprintf(out, "public key:  %s\n", public)
	fmt.Fprintf(out, "private key: %s\n", private)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Keep the private key secret. The gateway only ever sees the public key.")
	return nil
}

// parseFlags accepts --name value and --name=value for the allowed names.
func parseFlags(args []string, allowed ...string) (map[string]string, error) {
	known := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		known[name] = true
	}

	out := make(map[string]string)
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			return nil, fmt.Errorf("unexpected argument %q", arg)
		}
		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if !known[name] {
			return nil, fmt.Errorf("unknown flag --%s", name)
		}
		if !hasValue {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("flag --%s needs a value", name)
			}
			i++
			value = args[i]
		}
		out[name] = value
	}
	return out, nil
}

// initAnswers collects the values asked for by runInit.
type initAnswers struct {
	HTTPAddr      string
	BaseURL       string
	ServiceName   string
	DBPath        string
	Credential    string
	JWTSecret     string
	Scopes        []string
	DefaultScopes []string
	LogLevel      string
	LogFormat     string
}

func runInit(in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)

	fmt.Fprintln(out, "agentgate configuration setup")
	fmt.Fprintln(out, "=============================")
	fmt.Fprintln(out)

	outputFile := prompt(reader, out, "Config file path", getConfigPath())
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, out, "File exists. Overwrite?", "no")) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	secret, err := generateSecret()
	if err != nil {
		return err
	}

	var a initAnswers
	fmt.Fprintln(out, "\n--- Server Configuration ---")
	a.HTTPAddr = prompt(reader, out, "HTTP address", "localhost:8080")
	a.BaseURL = prompt(reader, out, "Public base URL (leave empty for relative endpoints)", "")
	a.ServiceName = prompt(reader, out, "Service name", "agentgate")

	fmt.Fprintln(out, "\n--- Database Configuration ---")
	a.DBPath = prompt(reader, out, "SQLite database path", filepath.Join(getDataPath(), "agentgate.db"))

	fmt.Fprintln(out, "\n--- Credentials ---")
	a.Credential = prompt(reader, out, "Credential type (jwt/api_key)", "jwt")
	a.JWTSecret = secret

	fmt.Fprintln(out, "\n--- Scopes ---")
	a.Scopes = splitList(prompt(reader, out, "Scopes (comma separated)", "read,write"))
	a.DefaultScopes = splitList(prompt(reader, out, "Scopes granted when none are requested", a.Scopes[0]))

	fmt.Fprintln(out, "\n--- Logging Configuration ---")
	a.LogLevel = prompt(reader, out, "Log level (debug/info/warn/error)", "info")
	a.LogFormat = prompt(reader, out, "Log format (text/json)", "text")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(renderConfig(a)), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Fprintf(out, "\n%s Configuration written to %s\n", color.GreenString("✓"), outputFile)
	fmt.Fprintln(out, "  Start the gateway with: agentgate serve")
	return nil
}

// renderConfig writes the YAML produced by init.
func renderConfig(a initAnswers) string {
	var cfg strings.Builder
	cfg.WriteString("# agentgate configuration\n")
	cfg.WriteString("# Generated by agentgate init\n\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  http_addr: %q\n", a.HTTPAddr)
	if a.BaseURL != "" {
		fmt.Fprintf(&cfg, "  base_url: %q\n", a.BaseURL)
	}
	cfg.WriteString("\n")

	cfg.WriteString("service:\n")
	fmt.Fprintf(&cfg, "  name: %q\n", a.ServiceName)
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString("  driver: \"sqlite\"\n")
	fmt.Fprintf(&cfg, "  path: %q\n", a.DBPath)
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	fmt.Fprintf(&cfg, "  jwt_secret: %q\n", a.JWTSecret)
	fmt.Fprintf(&cfg, "  credential: %q\n", a.Credential)
	cfg.WriteString("  token_expires_in: \"24h\"\n")
	cfg.WriteString("  signature_algorithms: [\"ed25519\", \"secp256k1\"]\n")
	cfg.WriteString("\n")

	cfg.WriteString("registration:\n")
	cfg.WriteString("  challenge_ttl: \"5m\"\n")
	cfg.WriteString("  default_status: \"active\"\n")
	cfg.WriteString("  default_scopes:\n")
	for _, s := range a.DefaultScopes {
		fmt.Fprintf(&cfg, "    - %q\n", s)
	}
	cfg.WriteString("\n")

	cfg.WriteString("scopes:\n")
	for _, s := range a.Scopes {
		fmt.Fprintf(&cfg, "  - id: %q\n", s)
	}
	cfg.WriteString("\n")

	cfg.WriteString("rate_limits:\n")
	cfg.WriteString("  registration:\n")
	cfg.WriteString("    requests: 10\n")
	cfg.WriteString("    window: \"1h\"\n")
	cfg.WriteString("  default:\n")
	cfg.WriteString("    requests: 100\n")
	cfg.WriteString("    window: \"1m\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", a.LogLevel)
	fmt.Fprintf(&cfg, "  format: %q\n", a.LogFormat)

	return cfg.String()
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return []string{"read"}
	}
	return out
}

func yes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

// prompt asks the user for input with a default value.
func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		return defaultVal
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}
