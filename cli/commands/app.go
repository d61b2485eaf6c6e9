package commands

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/petal-labs/llmrouter/cli/config"
	"github.com/petal-labs/llmrouter/cli/keystore"
	"github.com/petal-labs/llmrouter/core"
	"github.com/petal-labs/llmrouter/telemetry"
)

// ConfigLoader loads CLI config from a path.
type ConfigLoader func(path string) (*config.Config, error)

// TransportFactory builds the transport for a resolved configuration.
type TransportFactory func(cfg core.RouterConfig, logger zerolog.Logger) (core.Transport, error)

// KeystoreFactory creates a keystore instance.
type KeystoreFactory func() (keystore.Keystore, error)

// AppOption customizes App dependencies.
type AppOption func(*App)

// App holds CLI state and runtime dependencies.
type App struct {
	root *cobra.Command

	loadConfig   ConfigLoader
	newTransport TransportFactory
	newKeystore  KeystoreFactory
	getenv       func(string) string
	stdin        io.Reader
	stdout       io.Writer
	stderr       io.Writer

	// Global flags.
	cfgFile    string
	url        string
	apiKey     string
	timeout    time.Duration
	protocol   string
	grpcAddr   string
	wsURL      string
	jsonOutput bool
	verbose    bool

	cfg       *config.Config
	routerCfg core.RouterConfig
	logger    zerolog.Logger
}

// WithConfigLoader injects a config loader dependency.
func WithConfigLoader(loader ConfigLoader) AppOption {
	return func(a *App) {
		if loader != nil {
			a.loadConfig = loader
		}
	}
}

// WithTransportFactory injects the transport constructor.
func WithTransportFactory(factory TransportFactory) AppOption {
	return func(a *App) {
		if factory != nil {
			a.newTransport = factory
		}
	}
}

// WithKeystoreFactory injects a keystore factory dependency.
func WithKeystoreFactory(factory KeystoreFactory) AppOption {
	return func(a *App) {
		if factory != nil {
			a.newKeystore = factory
		}
	}
}

// WithEnv replaces os.Getenv.
func WithEnv(getenv func(string) string) AppOption {
	return func(a *App) {
		if getenv != nil {
			a.getenv = getenv
		}
	}
}

// WithIO injects process I/O streams.
func WithIO(stdin io.Reader, stdout, stderr io.Writer) AppOption {
	return func(a *App) {
		if stdin != nil {
			a.stdin = stdin
		}
		if stdout != nil {
			a.stdout = stdout
		}
		if stderr != nil {
			a.stderr = stderr
		}
	}
}

// NewApp creates a new CLI app with default dependencies.
func NewApp(opts ...AppOption) *App {
	a := &App{
		loadConfig:   config.LoadConfig,
		newTransport: defaultTransportFactory(),
		newKeystore:  keystore.NewKeystore,
		getenv:       os.Getenv,
		stdin:        os.Stdin,
		stdout:       os.Stdout,
		stderr:       os.Stderr,
		logger:       zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(a)
	}

	a.root = a.newRootCommand()
	return a
}

func (a *App) newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "llm-router",
		Short: "Command-line client for an LLM router",
		Long: `llm-router talks to a model-serving router over HTTP, gRPC or WebSocket.

Use it to check router health, manage loaded models, and run inference.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.initConfig(cmd)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(a.stdin)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (default is ~/.llm-router/config.yaml)")
	pf.StringVar(&a.url, "url", "", "router base URL (default "+core.DefaultBaseURL+")")
	pf.StringVar(&a.apiKey, "api-key", "", "router API key (or set "+config.APIKeyEnv+")")
	pf.Var((*secondsValue)(&a.timeout), "timeout", "per-request timeout in seconds, or a duration like 1m (default 30)")
	pf.StringVar(&a.protocol, "protocol", "", "transport: http, grpc or websocket")
	pf.StringVar(&a.grpcAddr, "grpc-addr", "", "gRPC host:port (default "+core.DefaultGRPCAddr+")")
	pf.StringVar(&a.wsURL, "ws-url", "", "WebSocket URL (default derived from --url)")
	pf.BoolVar(&a.jsonOutput, "json", false, "emit JSON output")
	pf.BoolVar(&a.verbose, "verbose", false, "enable debug logging")

	root.AddCommand(a.newHealthCommand())
	root.AddCommand(a.newStatusCommand())
	root.AddCommand(a.newMetricsCommand())
	root.AddCommand(a.newModelsCommand())
	root.AddCommand(a.newLoadCommand())
	root.AddCommand(a.newUnloadCommand())
	root.AddCommand(a.newInferCommand())
	root.AddCommand(a.newChatCommand())
	root.AddCommand(a.newBatchCommand())
	root.AddCommand(a.newKeysCommand())
	root.AddCommand(a.newInitCommand())
	root.AddCommand(a.newVersionCommand())

	return root
}

// Execute runs the root command with os.Args.
func (a *App) Execute() error {
	return a.ExecuteContext(context.Background(), nil)
}

// ExecuteContext runs the root command with args (nil means os.Args).
// Failures are printed to stderr and returned as exit-code errors.
func (a *App) ExecuteContext(ctx context.Context, args []string) error {
	if args != nil {
		a.root.SetArgs(args)
	}
	err := a.root.ExecuteContext(ctx)
	if err != nil {
		return a.report(err)
	}
	return nil
}

// initConfig resolves the router configuration: file first, then
// flags, then the API key from flag, environment, keystore or file.
func (a *App) initConfig(cmd *cobra.Command) error {
	path := a.cfgFile
	if path == "" {
		path = config.DefaultConfigPath()
	}

	cfg, err := a.loadConfig(path)
	if err != nil {
		return exitWithCode(ExitValidation, err)
	}
	a.cfg = cfg
	a.logger = a.buildLogger()
	if !needsRouter(cmd) {
		return nil
	}

	rc, err := cfg.RouterConfig()
	if err != nil {
		return exitWithCode(ExitValidation, err)
	}

	flags := cmd.Flags()
	if flags.Changed("url") {
		rc.BaseURL = a.url
		if !flags.Changed("ws-url") && cfg.WebSocketURL == "" {
			rc.WebSocketURL = ""
		}
	}
	if flags.Changed("grpc-addr") {
		rc.GRPCAddr = a.grpcAddr
	}
	if flags.Changed("ws-url") {
		rc.WebSocketURL = a.wsURL
	}
	if flags.Changed("protocol") {
		p, err := config.ParseProtocol(a.protocol)
		if err != nil {
			return exitWithCode(ExitValidation, err)
		}
		rc.Protocol = p
	}
	if flags.Changed("timeout") {
		if a.timeout <= 0 {
			return exitWithCode(ExitValidation, core.ValidationError("config", "--timeout must be positive, got %s", a.timeout))
		}
		rc.Timeout = a.timeout
	}

	key, err := a.resolveAPIKey(flags.Changed("api-key"))
	if err != nil {
		return exitWithCode(ExitValidation, err)
	}
	if !key.IsEmpty() {
		rc.APIKey = key
	}

	rc = rc.WithDefaults()
	if err := rc.Validate(); err != nil {
		return exitWithCode(ExitValidation, err)
	}
	a.routerCfg = rc
	a.logger.Debug().Stringer("config", rc).Msg("resolved router config")
	return nil
}

// offlineAnnotation marks commands that never contact the router.
const offlineAnnotation = "offline"

func needsRouter(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations[offlineAnnotation] != "" {
			return false
		}
	}
	return true
}

// resolveAPIKey returns the first key found in --api-key, the
// environment and the keystore entry named by api_key_ref. An empty
// result leaves the file's api_key in place.
func (a *App) resolveAPIKey(flagSet bool) (core.Secret, error) {
	if flagSet && a.apiKey != "" {
		return core.NewSecret(a.apiKey), nil
	}
	if v := a.getenv(config.APIKeyEnv); v != "" {
		return core.NewSecret(v), nil
	}
	if a.cfg != nil && a.cfg.APIKeyRef != "" {
		ks, err := a.newKeystore()
		if err != nil {
			return core.Secret{}, err
		}
		v, err := ks.Get(a.cfg.APIKeyRef)
		if err != nil {
			return core.Secret{}, err
		}
		return core.NewSecret(v), nil
	}
	return core.Secret{}, nil
}

func (a *App) buildLogger() zerolog.Logger {
	level := zerolog.WarnLevel
	if a.cfg != nil && a.cfg.LogLevel != "" {
		if l, err := zerolog.ParseLevel(strings.ToLower(a.cfg.LogLevel)); err == nil {
			level = l
		}
	}
	if a.verbose {
		level = zerolog.DebugLevel
	}
	w := zerolog.ConsoleWriter{Out: a.stderr, TimeFormat: time.TimeOnly, NoColor: true}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// openClient builds a client over the configured transport. The caller
// closes it.
func (a *App) openClient() (*core.Client, error) {
	tr, err := a.newTransport(a.routerCfg, a.logger)
	if err != nil {
		return nil, err
	}
	opts := []core.ClientOption{core.WithConfig(a.routerCfg), core.WithLogger(a.logger)}
	if a.verbose {
		opts = append(opts, core.WithTelemetry(telemetry.NewLogHook(a.logger)))
	}
	return core.NewClient(tr, opts...), nil
}

// withClient opens a client, runs fn and closes the client.
func (a *App) withClient(cmd *cobra.Command, fn func(ctx context.Context, c *core.Client) error) error {
	c, err := a.openClient()
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(cmd.Context(), c)
}

// Execute runs a default app with os.Args.
func Execute() error {
	return NewApp().Execute()
}
