package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	VenueModeREST  = "rest"
	VenueModePaper = "paper"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	Venue     VenueConfig     `yaml:"venue"`
	State     StateConfig     `yaml:"state"`
	Grid      GridConfig      `yaml:"grid"`
	Risk      RiskConfig      `yaml:"risk"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Timescale TimescaleConfig `yaml:"timescale"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type VenueConfig struct {
	Mode            string        `yaml:"mode"`
	Symbol          string        `yaml:"symbol"`
	BaseURL         string        `yaml:"base_url"`
	APIKey          string        `yaml:"api_key"`
	Timeout         time.Duration `yaml:"timeout"`
	WSURL           string        `yaml:"ws_url"`
	ReconnectDelay  time.Duration `yaml:"reconnect_delay"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	MaxQuoteAge     time.Duration `yaml:"max_quote_age"`
	ConfirmAttempts *int          `yaml:"confirm_attempts"`
	ConfirmPoll     time.Duration `yaml:"confirm_poll"`
	PaperOrderSize  float64       `yaml:"paper_order_size"`
}

// ConfirmAttemptsValue is zero when cancel confirmation is switched off.
func (v VenueConfig) ConfirmAttemptsValue() int {
	return intValue(v.ConfirmAttempts)
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// GridConfig holds the ladder parameters. Prices are in quote units, sizes in base units.
// Pointer fields accept an explicit zero; nil means unset.
type GridConfig struct {
	TotalOrders        int      `yaml:"total_orders"`
	WindowPercent      float64  `yaml:"window_percent"`
	SellRatio          float64  `yaml:"sell_ratio"`
	BuyRatio           float64  `yaml:"buy_ratio"`
	BaseInterval       float64  `yaml:"base_interval"`
	SafeGap            *float64 `yaml:"safe_gap"`
	MaxDriftBuffer     *float64 `yaml:"max_drift_buffer"`
	MinValidPrice      float64  `yaml:"min_valid_price"`
	MaxMultiplier      float64  `yaml:"max_multiplier"`
	MinRatio           *float64 `yaml:"min_ratio"`
	MaxRatio           float64  `yaml:"max_ratio"`
	MaxCancelsPerCycle *int     `yaml:"max_cancels_per_cycle"`
	OrderSizeEpsilon   float64  `yaml:"order_size_epsilon"`
}

func (g GridConfig) SafeGapValue() float64 { return floatValue(g.SafeGap) }
func (g GridConfig) MaxDriftBufferValue() float64 { return floatValue(g.MaxDriftBuffer) }
func (g GridConfig) MinRatioValue() float64 { return floatValue(g.MinRatio) }
func (g GridConfig) MaxCancelsValue() int { return intValue(g.MaxCancelsPerCycle) }

type RiskConfig struct {
	RSIMin                  float64        `yaml:"rsi_min"`
	RSIMax                  float64        `yaml:"rsi_max"`
	ADXTrendThreshold       float64        `yaml:"adx_trend_threshold"`
	ADXStrongTrendThreshold float64        `yaml:"adx_strong_trend_threshold"`
	TrendRSITolerance       *float64       `yaml:"trend_rsi_tolerance"`
	Cooldown                time.Duration  `yaml:"cooldown"`
	FlattenSettle           *time.Duration `yaml:"flatten_settle"`
}

func (r RiskConfig) TrendRSIToleranceValue() float64 { return floatValue(r.TrendRSITolerance) }
func (r RiskConfig) FlattenSettleValue() time.Duration { return durationValue(r.FlattenSettle) }

type SchedulerConfig struct {
	Interval         time.Duration  `yaml:"interval"`
	CooldownInterval time.Duration  `yaml:"cooldown_interval"`
	MinDelay         time.Duration  `yaml:"min_delay"`
	OrderCooldown    *time.Duration `yaml:"order_cooldown"`
	CancelSettle     *time.Duration `yaml:"cancel_settle"`
	CancelProximity  *float64       `yaml:"cancel_proximity"`
	AutoStart        *bool          `yaml:"auto_start"`
}

func (s SchedulerConfig) OrderCooldownValue() time.Duration { return durationValue(s.OrderCooldown) }
func (s SchedulerConfig) CancelSettleValue() time.Duration { return durationValue(s.CancelSettle) }
func (s SchedulerConfig) CancelProximityValue() float64 { return floatValue(s.CancelProximity) }

func (s SchedulerConfig) AutoStartValue() bool {
	return s.AutoStart == nil || *s.AutoStart
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	return m.Enabled != nil && *m.Enabled
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueueSize       int           `yaml:"queue_size"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

// Default returns a config populated with defaults only, useful for tools that run without a file.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	applyVenueDefaults(&cfg.Venue)
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/grid-bot.db"
	}
	applyGridDefaults(&cfg.Grid)
	applyRiskDefaults(&cfg.Risk)
	applySchedulerDefaults(&cfg.Scheduler, cfg.Grid)
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9001"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 256
	}
}

// applyEnvOverrides lets secrets live outside the yaml file. Set variables win over file values.
func applyEnvOverrides(cfg *Config) {
	overrideFromEnv(&cfg.Telegram.Token, "GRID_TELEGRAM_TOKEN")
	overrideFromEnv(&cfg.Telegram.ChatID, "GRID_TELEGRAM_CHAT_ID")
	overrideFromEnv(&cfg.Venue.APIKey, "GRID_VENUE_API_KEY")
	overrideFromEnv(&cfg.Timescale.DSN, "GRID_TIMESCALE_DSN")
}

func overrideFromEnv(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func applyVenueDefaults(v *VenueConfig) {
	if v.Mode == "" {
		v.Mode = VenueModeREST
	}
	v.Mode = strings.ToLower(strings.TrimSpace(v.Mode))
	if v.Symbol == "" {
		v.Symbol = "BTC-PERP"
	}
	if v.BaseURL == "" {
		v.BaseURL = "http://127.0.0.1:8080"
	}
	v.BaseURL = strings.TrimRight(v.BaseURL, "/")
	if v.Timeout == 0 {
		v.Timeout = 10 * time.Second
	}
	if v.WSURL == "" {
		v.WSURL = deriveWSURL(v.BaseURL)
	}
	if v.ReconnectDelay == 0 {
		v.ReconnectDelay = 3 * time.Second
	}
	if v.MaxQuoteAge == 0 {
		v.MaxQuoteAge = 5 * time.Second
	}
	setInt(&v.ConfirmAttempts, 50)
	if v.ConfirmPoll == 0 {
		v.ConfirmPoll = 100 * time.Millisecond
	}
	if v.PaperOrderSize == 0 {
		v.PaperOrderSize = 0.001
	}
}

func deriveWSURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://") + "/ws"
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://") + "/ws"
	default:
		return ""
	}
}

func applyGridDefaults(g *GridConfig) {
	if g.TotalOrders == 0 {
		g.TotalOrders = 18
	}
	if g.WindowPercent == 0 {
		g.WindowPercent = 0.12
	}
	if g.SellRatio == 0 && g.BuyRatio == 0 {
		g.SellRatio = 0.5
	}
	if g.BuyRatio == 0 {
		g.BuyRatio = 1 - g.SellRatio
	}
	if g.SellRatio == 0 {
		g.SellRatio = 1 - g.BuyRatio
	}
	if g.BaseInterval == 0 {
		g.BaseInterval = 10
	}
	setFloat(&g.SafeGap, 20)
	setFloat(&g.MaxDriftBuffer, 2000)
	if g.MinValidPrice == 0 {
		g.MinValidPrice = 10000
	}
	if g.MaxMultiplier == 0 {
		g.MaxMultiplier = 15
	}
	setFloat(&g.MinRatio, 0.1)
	if g.MaxRatio == 0 {
		g.MaxRatio = 0.9
	}
	setInt(&g.MaxCancelsPerCycle, 10)
	if g.OrderSizeEpsilon == 0 {
		g.OrderSizeEpsilon = 0.000001
	}
}

func applyRiskDefaults(r *RiskConfig) {
	if r.RSIMin == 0 && r.RSIMax == 0 {
		r.RSIMin = 30
		r.RSIMax = 70
	}
	if r.ADXTrendThreshold == 0 {
		r.ADXTrendThreshold = 25
	}
	if r.ADXStrongTrendThreshold == 0 {
		r.ADXStrongTrendThreshold = 30
	}
	setFloat(&r.TrendRSITolerance, 5)
	if r.Cooldown == 0 {
		r.Cooldown = 15 * time.Minute
	}
	setDuration(&r.FlattenSettle, 500*time.Millisecond)
}

func applySchedulerDefaults(s *SchedulerConfig, grid GridConfig) {
	if s.Interval == 0 {
		s.Interval = 10 * time.Second
	}
	if s.CooldownInterval == 0 {
		s.CooldownInterval = 10 * time.Second
	}
	if s.MinDelay == 0 {
		s.MinDelay = time.Second
	}
	setDuration(&s.OrderCooldown, 4*time.Second)
	setDuration(&s.CancelSettle, 500*time.Millisecond)
	setFloat(&s.CancelProximity, grid.BaseInterval*grid.MaxMultiplier/4)
}

func validate(cfg *Config) error {
	switch cfg.Venue.Mode {
	case VenueModeREST, VenueModePaper:
	default:
		return fmt.Errorf("venue.mode must be %q or %q", VenueModeREST, VenueModePaper)
	}
	if cfg.Venue.Timeout < 0 || cfg.Venue.MaxQuoteAge < 0 || cfg.Venue.ConfirmPoll < 0 {
		return errors.New("venue durations must be >= 0")
	}
	if cfg.Venue.ConfirmAttemptsValue() < 0 {
		return errors.New("venue.confirm_attempts must be >= 0")
	}
	if err := validateGrid(cfg.Grid); err != nil {
		return err
	}
	if err := validateRisk(cfg.Risk); err != nil {
		return err
	}
	if err := validateScheduler(cfg.Scheduler); err != nil {
		return err
	}
	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	if cfg.Telegram.Enabled && (cfg.Telegram.Token == "" || cfg.Telegram.ChatID == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	if cfg.Telegram.OperatorEnabled && !cfg.Telegram.Enabled {
		return errors.New("telegram.operator_enabled requires telegram.enabled")
	}
	if cfg.Timescale.Enabled && cfg.Timescale.DSN == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	return nil
}

func validateGrid(g GridConfig) error {
	if g.TotalOrders <= 0 {
		return errors.New("grid.total_orders must be > 0")
	}
	if g.WindowPercent <= 0 || g.WindowPercent >= 1 {
		return errors.New("grid.window_percent must be in (0, 1)")
	}
	if g.SellRatio < 0 || g.BuyRatio < 0 {
		return errors.New("grid ratios must be >= 0")
	}
	if math.Abs(g.SellRatio+g.BuyRatio-1) > 1e-9 {
		return fmt.Errorf("grid.sell_ratio + grid.buy_ratio must equal 1, got %.6f", g.SellRatio+g.BuyRatio)
	}
	if g.BaseInterval <= 0 {
		return errors.New("grid.base_interval must be > 0")
	}
	if g.SafeGapValue() < 0 {
		return errors.New("grid.safe_gap must be >= 0")
	}
	if g.MaxDriftBufferValue() < 0 {
		return errors.New("grid.max_drift_buffer must be >= 0")
	}
	if g.MinValidPrice <= 0 {
		return errors.New("grid.min_valid_price must be > 0")
	}
	if g.MaxMultiplier <= 0 {
		return errors.New("grid.max_multiplier must be > 0")
	}
	if g.MinRatioValue() < 0 || g.MaxRatio > 1 || g.MinRatioValue() > g.MaxRatio {
		return errors.New("grid.min_ratio and grid.max_ratio must satisfy 0 <= min <= max <= 1")
	}
	if g.MaxCancelsValue() < 0 {
		return errors.New("grid.max_cancels_per_cycle must be >= 0")
	}
	if g.OrderSizeEpsilon <= 0 {
		return errors.New("grid.order_size_epsilon must be > 0")
	}
	return nil
}

func validateRisk(r RiskConfig) error {
	if r.RSIMin < 0 || r.RSIMax > 100 || r.RSIMin >= r.RSIMax {
		return errors.New("risk.rsi_min and risk.rsi_max must satisfy 0 <= min < max <= 100")
	}
	if r.ADXTrendThreshold < 0 || r.ADXStrongTrendThreshold < 0 {
		return errors.New("risk adx thresholds must be >= 0")
	}
	if r.ADXTrendThreshold > r.ADXStrongTrendThreshold {
		return errors.New("risk.adx_trend_threshold must be <= risk.adx_strong_trend_threshold")
	}
	if r.TrendRSIToleranceValue() < 0 {
		return errors.New("risk.trend_rsi_tolerance must be >= 0")
	}
	if r.Cooldown <= 0 {
		return errors.New("risk.cooldown must be > 0")
	}
	if r.FlattenSettleValue() < 0 {
		return errors.New("risk.flatten_settle must be >= 0")
	}
	return nil
}

func validateScheduler(s SchedulerConfig) error {
	if s.Interval <= 0 {
		return errors.New("scheduler.interval must be > 0")
	}
	if s.CooldownInterval <= 0 {
		return errors.New("scheduler.cooldown_interval must be > 0")
	}
	if s.MinDelay <= 0 {
		return errors.New("scheduler.min_delay must be > 0")
	}
	if s.OrderCooldownValue() < 0 {
		return errors.New("scheduler.order_cooldown must be >= 0")
	}
	if s.CancelSettleValue() < 0 {
		return errors.New("scheduler.cancel_settle must be >= 0")
	}
	if s.CancelProximityValue() < 0 {
		return errors.New("scheduler.cancel_proximity must be >= 0")
	}
	return nil
}

func setFloat(dst **float64, def float64) {
	if *dst == nil {
		*dst = &def
	}
}

func setInt(dst **int, def int) {
	if *dst == nil {
		*dst = &def
	}
}

func setDuration(dst **time.Duration, def time.Duration) {
	if *dst == nil {
		*dst = &def
	}
}

func floatValue(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func intValue(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}

func durationValue(v *time.Duration) time.Duration {
	if v == nil {
		return 0
	}
	return *v
}
