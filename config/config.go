package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/alejandrodnm/polymaker/internal/domain"
)

// Config es la configuración completa del market maker.
type Config struct {
	DryRun     bool             `yaml:"dry_run"`
	API        APIConfig        `yaml:"api"`
	Storage    StorageConfig    `yaml:"storage"`
	Log        LogConfig        `yaml:"log"`
	Quote      QuoteConfig      `yaml:"quote"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Stream     StreamConfig     `yaml:"stream"`
	Simulation SimulationConfig `yaml:"simulation"`
	HTTP       HTTPConfig       `yaml:"http"`
	Markets    MarketsConfig    `yaml:"markets"`

	// Secrets sólo vienen del entorno (o del .env).
	Secrets Secrets `yaml:"-"`
}

// APIConfig contiene los base URLs de las APIs.
type APIConfig struct {
	CLOBBase      string  `yaml:"clob_base"`
	DataBase      string  `yaml:"data_base"`
	MarketWSURL   string  `yaml:"market_ws_url"`
	UserWSURL     string  `yaml:"user_ws_url"`
	SignatureType int     `yaml:"signature_type"` // 0 EOA | 1 proxy | 2 gnosis safe
	POLPriceUSD   float64 `yaml:"pol_price_usd"`  // para estimar el gas de los merges
}

// StorageConfig controla dónde se persisten los datos.
type StorageConfig struct {
	DSN       string `yaml:"dsn"` // ruta al archivo SQLite, o ":memory:"
	QueueSize int    `yaml:"queue_size"`

	TradesDays          int `yaml:"trades_days"`
	RewardSnapshotsDays int `yaml:"reward_snapshots_days"`
	PositionHistoryDays int `yaml:"position_history_days"`
	AlertsDays          int `yaml:"alerts_days"`
	FinishedOrdersDays  int `yaml:"finished_orders_days"`
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// QuoteConfig son los parámetros del quote engine.
type QuoteConfig struct {
	CooldownSeconds int     `yaml:"cooldown_seconds"` // entre triggers por delta del mismo mercado
	ThinAskSize     float64 `yaml:"thin_ask_size"`
	SizeTolerance   float64 `yaml:"size_tolerance"` // fracción; por debajo no se re-cotiza
	MergeMinSize    float64 `yaml:"merge_min_size"`
	Strategy        string  `yaml:"strategy"` // inventory | two_sided
}

// SchedulerConfig son los intervalos de las tareas periódicas.
type SchedulerConfig struct {
	PositionsIntervalSeconds int `yaml:"positions_interval_seconds"`
	ConfigIntervalSeconds    int `yaml:"config_interval_seconds"`
	SnapshotIntervalSeconds  int `yaml:"snapshot_interval_seconds"`
	StaleAfterSeconds        int `yaml:"stale_after_seconds"`
}

// StreamConfig controla las conexiones websocket.
type StreamConfig struct {
	PingIntervalSeconds int `yaml:"ping_interval_seconds"`
	MaxRetries          int `yaml:"max_retries"`
	// AcceptAllAssets procesa eventos de assets fuera de la suscripción.
	AcceptAllAssets bool `yaml:"accept_all_assets"`
}

// SimulationConfig controla el modo dry-run.
type SimulationConfig struct {
	InitialBalance float64 `yaml:"initial_balance"`
	Mode           string  `yaml:"mode"` // aggressive | conservative
}

// HTTPConfig del servidor de estado. Addr vacío lo desactiva.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// MarketsConfig elige de dónde salen los mercados a operar.
type MarketsConfig struct {
	Source   string                `yaml:"source"` // inline | file | redis
	File     string                `yaml:"file"`
	RedisKey string                `yaml:"redis_key"`
	List     []domain.MarketConfig `yaml:"list"`
}

// Secrets son credenciales y toggles de entorno. Los punteros distinguen
// "no definido" de "false".
type Secrets struct {
	PrivateKey     string `env:"PK"`
	Funder         string `env:"FUNDER"`
	BrowserAddress string `env:"BROWSER_ADDRESS"`
	RPCURL         string `env:"RPC_URL"`
	RedisURL       string `env:"REDIS_URL"`
	APIKey         string `env:"POLY_API_KEY"`
	APISecret      string `env:"POLY_API_SECRET"`
	APIPassphrase  string `env:"POLY_API_PASSPHRASE"`

	DryRun     *bool `env:"DRY_RUN"`
	Aggressive *bool `env:"AGGRESSIVE_MODE"`
	TwoSided   *bool `env:"TWO_SIDED_MARKET_MAKING"`

	SimulationMode string `env:"SIMULATION_MATCHING_MODE"`
}

// FunderAddress devuelve FUNDER, o BROWSER_ADDRESS si no está.
func (s Secrets) FunderAddress() string {
	if s.Funder != "" {
		return s.Funder
	}
	return s.BrowserAddress
}

// HasAPICreds indica si las credenciales L2 vienen dadas.
func (s Secrets) HasAPICreds() bool {
	return s.APIKey != "" && s.APISecret != "" && s.APIPassphrase != ""
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
// El entorno sobreescribe al YAML y los overrides (flags) al entorno; después
// se aplican defaults y se valida.
func Load(path string, overrides ...func(*Config)) (*Config, error) {
	// Cargar .env si existe (silencia error si no hay archivo)
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	for _, o := range overrides {
		o(&cfg)
	}
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) error {
	secrets, err := env.ParseAs[Secrets]()
	if err != nil {
		return fmt.Errorf("config.Load: parse env: %w", err)
	}
	cfg.Secrets = secrets

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if secrets.DryRun != nil {
		cfg.DryRun = *secrets.DryRun
	}
	if secrets.Aggressive != nil {
		cfg.Stream.AcceptAllAssets = *secrets.Aggressive
	}
	if secrets.SimulationMode != "" {
		cfg.Simulation.Mode = strings.ToLower(secrets.SimulationMode)
	}
	if secrets.TwoSided != nil {
		if *secrets.TwoSided {
			cfg.Quote.Strategy = string(domain.StrategyTwoSided)
		} else {
			cfg.Quote.Strategy = string(domain.StrategyInventory)
		}
	}
	return nil
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
func setDefaults(cfg *Config) {
	if cfg.API.CLOBBase == "" {
		cfg.API.CLOBBase = "https://clob.polymarket.com"
	}
	if cfg.API.DataBase == "" {
		cfg.API.DataBase = "https://data-api.polymarket.com"
	}
	if cfg.API.MarketWSURL == "" {
		cfg.API.MarketWSURL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"
	}
	if cfg.API.UserWSURL == "" {
		cfg.API.UserWSURL = "wss://ws-subscriptions-clob.polymarket.com/ws/user"
	}
	if cfg.API.POLPriceUSD <= 0 {
		cfg.API.POLPriceUSD = 0.25
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "polymaker.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Quote.CooldownSeconds <= 0 {
		cfg.Quote.CooldownSeconds = 30
	}
	if cfg.Quote.Strategy == "" {
		cfg.Quote.Strategy = string(domain.StrategyInventory)
	}
	if cfg.Scheduler.PositionsIntervalSeconds <= 0 {
		cfg.Scheduler.PositionsIntervalSeconds = 10
	}
	if cfg.Scheduler.ConfigIntervalSeconds <= 0 {
		cfg.Scheduler.ConfigIntervalSeconds = 60
	}
	if cfg.Scheduler.SnapshotIntervalSeconds <= 0 {
		cfg.Scheduler.SnapshotIntervalSeconds = 300
	}
	if cfg.Scheduler.StaleAfterSeconds <= 0 {
		cfg.Scheduler.StaleAfterSeconds = 15
	}
	if cfg.Stream.PingIntervalSeconds <= 0 {
		cfg.Stream.PingIntervalSeconds = 5
	}
	if cfg.Stream.MaxRetries <= 0 {
		cfg.Stream.MaxRetries = 5
	}
	if cfg.Simulation.InitialBalance <= 0 {
		cfg.Simulation.InitialBalance = domain.DefaultSimulationBalance
	}
	if cfg.Simulation.Mode == "" {
		cfg.Simulation.Mode = "aggressive"
	}
	if cfg.Markets.Source == "" {
		switch {
		case len(cfg.Markets.List) > 0:
			cfg.Markets.Source = "inline"
		case cfg.Markets.File != "":
			cfg.Markets.Source = "file"
		case cfg.Secrets.RedisURL != "":
			cfg.Markets.Source = "redis"
		}
	}
}

// Validate rechaza configuraciones con las que el bot no puede arrancar.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{domain.ErrInvalidConfig}, args...)...))
	}

	if !c.DryRun && c.Secrets.PrivateKey == "" {
		add("PK is required for live trading (set DRY_RUN=true to simulate)")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("log.level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		add("log.format %q", c.Log.Format)
	}
	switch domain.Strategy(c.Quote.Strategy) {
	case domain.StrategyInventory, domain.StrategyTwoSided:
	default:
		add("quote.strategy %q", c.Quote.Strategy)
	}
	switch c.Simulation.Mode {
	case "aggressive", "conservative":
	default:
		add("simulation.mode %q", c.Simulation.Mode)
	}
	if c.API.SignatureType < 0 || c.API.SignatureType > 2 {
		add("api.signature_type %d", c.API.SignatureType)
	}
	if c.Quote.SizeTolerance < 0 || c.Quote.SizeTolerance >= 1 {
		add("quote.size_tolerance %v out of [0,1)", c.Quote.SizeTolerance)
	}

	switch c.Markets.Source {
	case "inline":
		if len(c.Markets.List) == 0 {
			add("markets.list is empty")
		}
		for _, m := range c.Markets.List {
			if err := m.Validate(); err != nil {
				errs = append(errs, err)
			}
		}
	case "file":
		if c.Markets.File == "" {
			add("markets.file is required")
		}
	case "redis":
		if c.Secrets.RedisURL == "" {
			add("REDIS_URL is required for markets.source=redis")
		}
	case "":
		add("no markets configured")
	default:
		add("markets.source %q", c.Markets.Source)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config.Validate: %w", err)
	}
	return nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// Days convierte una retención en días a time.Duration; 0 queda en 0 para que
// el storage aplique su default.
func Days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }

// Cooldown entre triggers por delta.
func (c *Config) Cooldown() time.Duration { return seconds(c.Quote.CooldownSeconds) }

// StaleAfter es la antigüedad máxima de un trade en vuelo.
func (c *Config) StaleAfter() time.Duration { return seconds(c.Scheduler.StaleAfterSeconds) }

// PositionsInterval entre refrescos autoritativos de posiciones.
func (c *Config) PositionsInterval() time.Duration {
	return seconds(c.Scheduler.PositionsIntervalSeconds)
}

// ConfigInterval entre recargas de la lista de mercados.
func (c *Config) ConfigInterval() time.Duration { return seconds(c.Scheduler.ConfigIntervalSeconds) }

// SnapshotInterval entre snapshots de posiciones y rewards.
func (c *Config) SnapshotInterval() time.Duration {
	return seconds(c.Scheduler.SnapshotIntervalSeconds)
}

// PingInterval de los websockets.
func (c *Config) PingInterval() time.Duration { return seconds(c.Stream.PingIntervalSeconds) }
