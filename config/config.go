package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ============================================================================
// Configuration Constants
// ============================================================================

const (
	// Environment variable prefix
	EnvPrefix = "TRANSCRIBER"

	// Default server settings
	DefaultServerPort     = 8080
	DefaultServerHost     = "0.0.0.0"
	DefaultMaxConnections = 1000
	DefaultReadTimeout    = 30

	// Default session settings
	DefaultSessionsRoot    = "./data/sessions"
	DefaultDownloadsRoot   = "./data/downloads"
	DefaultOutputsRoot     = "./data/outputs"
	DefaultSendQueueSize   = 500
	DefaultSweepIntervalS  = 3600
	DefaultSweepMaxAgeSecs = 24 * 60 * 60

	// Default audio settings
	DefaultSampleRate      = 16000
	DefaultNormalizeFactor = 32768.0
	DefaultChunkSize       = 4096

	// Default VAD settings
	DefaultVADThreshold         = 0.5
	DefaultMinSilenceS          = 0.1
	DefaultMinRegionS           = 0.5
	DefaultVADModelPath         = "./models/silero_vad.onnx"
	DefaultVADBufferSizeSeconds = 60.0
	DefaultVADPoolSize          = 4

	// Default partition settings
	DefaultMinUnitS = 15.0
	DefaultMaxUnitS = 45.0

	// Default worker pool settings
	DefaultDeviceList       = "0"
	DefaultModelName        = "base"
	DefaultPrecision        = "float16"
	DefaultRestartLimit     = 1
	DefaultSpawnTimeoutS    = 60
	DefaultSoftCapMultiple  = 8.0
	DefaultWorkerBinaryPath = "./bin/transcribe-worker"

	// Default admission settings
	DefaultMaxSessions      = 2
	DefaultAcquireDeadlineS = 120

	// Default rate limit settings
	DefaultRateLimitEnabled           = true
	DefaultRateLimitRequestsPerSecond = 5
	DefaultRateLimitBurstSize         = 10
	DefaultRateLimitMaxConnections    = 200

	// Default post-process settings
	DefaultMaxCharsPerLine = 80
	DefaultMergeGapS       = 1.0

	// Default logging settings
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "text"
	DefaultLogOutput     = "console"
	DefaultLogMaxSize    = 100
	DefaultLogMaxBackups = 5
	DefaultLogMaxAge     = 30
	DefaultLogCompress   = true

	// Port constraints
	MinPort = 1
	MaxPort = 65535

	// Hot reload settings
	DefaultDebounceDuration = 2 * time.Second
)

// Valid value sets for validation
var (
	ValidLogLevels  = []string{"debug", "info", "warn", "error"}
	ValidLogFormats = []string{"text", "json"}
	ValidLogOutputs = []string{"console", "file", "both"}
	ValidPrecisions = []string{"float16", "int8", "float32"}
)

// ============================================================================
// Configuration Errors
// ============================================================================

var (
	ErrInvalidPort       = errors.New("server port must be between 1 and 65535")
	ErrInvalidLogLevel   = errors.New("invalid log level")
	ErrInvalidLogFormat  = errors.New("invalid log format")
	ErrInvalidLogOutput  = errors.New("invalid log output")
	ErrInvalidPrecision  = errors.New("invalid precision")
	ErrNegativeValue     = errors.New("value must be non-negative")
	ErrInvalidThreshold  = errors.New("threshold must be between 0 and 1")
	ErrInvalidSampleRate = errors.New("sample rate must be positive")
	ErrInvalidNormFactor = errors.New("normalize factor must be positive")
	ErrInvalidUnitBounds = errors.New("min_unit_s must be less than or equal to max_unit_s")
	ErrEmptyDeviceList   = errors.New("device_list must name at least one device")
	ErrInvalidMaxChars   = errors.New("max_chars_per_line must be between 40 and 120")
)

// ============================================================================
// Configuration Structures
// ============================================================================

// Config represents the application configuration. Load returns a fresh
// instance; Reload (used by HotReloadManager) overwrites an existing one in
// place.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Session     SessionConfig     `mapstructure:"session"`
	Audio       AudioConfig       `mapstructure:"audio"`
	VAD         VADConfig         `mapstructure:"vad"`
	Partition   PartitionConfig   `mapstructure:"partition"`
	Pool        PoolConfig        `mapstructure:"pool"`
	Admission   AdmissionConfig   `mapstructure:"admission"`
	PostProcess PostProcessConfig `mapstructure:"post_process"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	MaxConnections int    `mapstructure:"max_connections"`
	ReadTimeout    int    `mapstructure:"read_timeout"`
}

// SessionConfig holds session workdir lifecycle configuration.
type SessionConfig struct {
	SessionsRoot   string `mapstructure:"sessions_root"`
	DownloadsRoot  string `mapstructure:"downloads_root"`
	OutputsRoot    string `mapstructure:"outputs_root"`
	SendQueueSize  int    `mapstructure:"send_queue_size"`
	SweepIntervalS int    `mapstructure:"sweep_interval_s"`
	SweepMaxAgeS   int    `mapstructure:"sweep_max_age_s"`
}

// AudioConfig holds audio decoding configuration.
type AudioConfig struct {
	SampleRate      int     `mapstructure:"sample_rate"`
	NormalizeFactor float32 `mapstructure:"normalize_factor"`
	ChunkSize       int     `mapstructure:"chunk_size"`
}

// VADConfig holds speech-segmentation configuration.
type VADConfig struct {
	ModelPath         string  `mapstructure:"model_path"`
	Threshold         float32 `mapstructure:"threshold"`
	MinSilenceS       float32 `mapstructure:"min_silence_s"`
	MinRegionS        float32 `mapstructure:"min_region_s"`
	BufferSizeSeconds float32 `mapstructure:"buffer_size_seconds"`
	PoolSize          int     `mapstructure:"pool_size"`
}

// PartitionConfig holds work-unit partitioning bounds.
type PartitionConfig struct {
	MinUnitS float64 `mapstructure:"min_unit_s"`
	MaxUnitS float64 `mapstructure:"max_unit_s"`
}

// PoolConfig holds inference worker pool configuration.
type PoolConfig struct {
	DeviceList      string  `mapstructure:"device_list"`
	ModelName       string  `mapstructure:"model_name"`
	Precision       string  `mapstructure:"precision"`
	RestartLimit    int     `mapstructure:"restart_limit"`
	SpawnTimeoutS   int     `mapstructure:"spawn_timeout_s"`
	SoftCapMultiple float64 `mapstructure:"soft_cap_multiple"`
	Preload         bool    `mapstructure:"preload"`
	BinaryPath      string  `mapstructure:"binary_path"`
}

// AdmissionConfig holds concurrent-session admission bounds.
type AdmissionConfig struct {
	MaxSessions      int `mapstructure:"max_sessions"`
	AcquireDeadlineS int `mapstructure:"acquire_deadline_s"`
}

// PostProcessConfig holds subtitle merge/conversion configuration.
type PostProcessConfig struct {
	MaxCharsPerLine int     `mapstructure:"max_chars_per_line"`
	MergeGapS       float64 `mapstructure:"merge_gap_s"`
}

// RateLimitConfig holds the per-IP admission-edge rate limiter settings.
type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerSecond int  `mapstructure:"requests_per_second"`
	BurstSize         int  `mapstructure:"burst_size"`
	MaxConnections    int  `mapstructure:"max_connections"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// ============================================================================
// Configuration Loading
// ============================================================================

// Load reads configuration from file and environment, returning a new Config.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("json")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/transcriber/")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			fmt.Println("[WARN] Config file not found, using defaults")
		} else {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		fmt.Printf("[INFO] Using config file: %s\n", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration and panics on error.
// Use this only in main() or test setup.
func MustLoad(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// setDefaults registers all default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", DefaultServerHost)
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.max_connections", DefaultMaxConnections)
	v.SetDefault("server.read_timeout", DefaultReadTimeout)

	v.SetDefault("session.sessions_root", DefaultSessionsRoot)
	v.SetDefault("session.downloads_root", DefaultDownloadsRoot)
	v.SetDefault("session.outputs_root", DefaultOutputsRoot)
	v.SetDefault("session.send_queue_size", DefaultSendQueueSize)
	v.SetDefault("session.sweep_interval_s", DefaultSweepIntervalS)
	v.SetDefault("session.sweep_max_age_s", DefaultSweepMaxAgeSecs)

	v.SetDefault("audio.sample_rate", DefaultSampleRate)
	v.SetDefault("audio.normalize_factor", DefaultNormalizeFactor)
	v.SetDefault("audio.chunk_size", DefaultChunkSize)

	v.SetDefault("vad.model_path", DefaultVADModelPath)
	v.SetDefault("vad.threshold", DefaultVADThreshold)
	v.SetDefault("vad.min_silence_s", DefaultMinSilenceS)
	v.SetDefault("vad.min_region_s", DefaultMinRegionS)
	v.SetDefault("vad.buffer_size_seconds", DefaultVADBufferSizeSeconds)
	v.SetDefault("vad.pool_size", DefaultVADPoolSize)

	v.SetDefault("partition.min_unit_s", DefaultMinUnitS)
	v.SetDefault("partition.max_unit_s", DefaultMaxUnitS)

	v.SetDefault("pool.device_list", DefaultDeviceList)
	v.SetDefault("pool.model_name", DefaultModelName)
	v.SetDefault("pool.precision", DefaultPrecision)
	v.SetDefault("pool.restart_limit", DefaultRestartLimit)
	v.SetDefault("pool.spawn_timeout_s", DefaultSpawnTimeoutS)
	v.SetDefault("pool.soft_cap_multiple", DefaultSoftCapMultiple)
	v.SetDefault("pool.preload", false)
	v.SetDefault("pool.binary_path", DefaultWorkerBinaryPath)

	v.SetDefault("admission.max_sessions", DefaultMaxSessions)
	v.SetDefault("admission.acquire_deadline_s", DefaultAcquireDeadlineS)

	v.SetDefault("rate_limit.enabled", DefaultRateLimitEnabled)
	v.SetDefault("rate_limit.requests_per_second", DefaultRateLimitRequestsPerSecond)
	v.SetDefault("rate_limit.burst_size", DefaultRateLimitBurstSize)
	v.SetDefault("rate_limit.max_connections", DefaultRateLimitMaxConnections)

	v.SetDefault("post_process.max_chars_per_line", DefaultMaxCharsPerLine)
	v.SetDefault("post_process.merge_gap_s", DefaultMergeGapS)

	v.SetDefault("logging.level", DefaultLogLevel)
	v.SetDefault("logging.format", DefaultLogFormat)
	v.SetDefault("logging.output", DefaultLogOutput)
	v.SetDefault("logging.max_size", DefaultLogMaxSize)
	v.SetDefault("logging.max_backups", DefaultLogMaxBackups)
	v.SetDefault("logging.max_age", DefaultLogMaxAge)
	v.SetDefault("logging.compress", DefaultLogCompress)
}

// ============================================================================
// Validation Functions
// ============================================================================

// Validate validates the entire configuration.
func Validate(cfg *Config) error {
	if err := validateServerConfig(&cfg.Server); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := validateAudioConfig(&cfg.Audio); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}
	if err := validateVADConfig(&cfg.VAD); err != nil {
		return fmt.Errorf("vad config: %w", err)
	}
	if err := validatePartitionConfig(&cfg.Partition); err != nil {
		return fmt.Errorf("partition config: %w", err)
	}
	if err := validatePoolConfig(&cfg.Pool); err != nil {
		return fmt.Errorf("pool config: %w", err)
	}
	if err := validateAdmissionConfig(&cfg.Admission); err != nil {
		return fmt.Errorf("admission config: %w", err)
	}
	if err := validatePostProcessConfig(&cfg.PostProcess); err != nil {
		return fmt.Errorf("post_process config: %w", err)
	}
	if err := validateLoggingConfig(&cfg.Logging); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	if err := validateRateLimitConfig(&cfg.RateLimit); err != nil {
		return fmt.Errorf("rate_limit config: %w", err)
	}
	return nil
}

func validateServerConfig(cfg *ServerConfig) error {
	if cfg.Port < MinPort || cfg.Port > MaxPort {
		return fmt.Errorf("%w: got %d", ErrInvalidPort, cfg.Port)
	}
	if cfg.ReadTimeout < 0 {
		return fmt.Errorf("read_timeout: %w", ErrNegativeValue)
	}
	if cfg.MaxConnections < 0 {
		return fmt.Errorf("max_connections: %w", ErrNegativeValue)
	}
	return nil
}

func validateAudioConfig(cfg *AudioConfig) error {
	if cfg.SampleRate <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidSampleRate, cfg.SampleRate)
	}
	if cfg.NormalizeFactor <= 0 {
		return fmt.Errorf("%w: got %f", ErrInvalidNormFactor, cfg.NormalizeFactor)
	}
	if cfg.ChunkSize < 0 {
		return fmt.Errorf("chunk_size: %w", ErrNegativeValue)
	}
	return nil
}

func validateVADConfig(cfg *VADConfig) error {
	if cfg.Threshold < 0 || cfg.Threshold > 1 {
		return fmt.Errorf("%w: got %f", ErrInvalidThreshold, cfg.Threshold)
	}
	if cfg.MinSilenceS < 0.01 || cfg.MinSilenceS > 2.0 {
		return fmt.Errorf("min_silence_s must be within [0.01, 2.0], got %f", cfg.MinSilenceS)
	}
	if cfg.PoolSize < 0 {
		return fmt.Errorf("pool_size: %w", ErrNegativeValue)
	}
	return nil
}

func validatePartitionConfig(cfg *PartitionConfig) error {
	if cfg.MinUnitS <= 0 || cfg.MaxUnitS <= 0 {
		return fmt.Errorf("min_unit_s and max_unit_s: %w", ErrNegativeValue)
	}
	if cfg.MinUnitS > cfg.MaxUnitS {
		return ErrInvalidUnitBounds
	}
	return nil
}

func validatePoolConfig(cfg *PoolConfig) error {
	if strings.TrimSpace(cfg.DeviceList) == "" {
		return ErrEmptyDeviceList
	}
	if !containsString(ValidPrecisions, cfg.Precision) {
		return fmt.Errorf("%w: got %q, expected one of %v", ErrInvalidPrecision, cfg.Precision, ValidPrecisions)
	}
	if cfg.RestartLimit < 0 {
		return fmt.Errorf("restart_limit: %w", ErrNegativeValue)
	}
	if strings.TrimSpace(cfg.BinaryPath) == "" {
		return fmt.Errorf("binary_path must name the transcribe-worker executable")
	}
	return nil
}

func validateAdmissionConfig(cfg *AdmissionConfig) error {
	if cfg.MaxSessions <= 0 {
		return fmt.Errorf("max_sessions: %w", ErrNegativeValue)
	}
	if cfg.AcquireDeadlineS < 0 {
		return fmt.Errorf("acquire_deadline_s: %w", ErrNegativeValue)
	}
	return nil
}

func validatePostProcessConfig(cfg *PostProcessConfig) error {
	if cfg.MaxCharsPerLine < 40 || cfg.MaxCharsPerLine > 120 {
		return fmt.Errorf("%w: got %d", ErrInvalidMaxChars, cfg.MaxCharsPerLine)
	}
	return nil
}

func validateLoggingConfig(cfg *LoggingConfig) error {
	if !containsString(ValidLogLevels, cfg.Level) {
		return fmt.Errorf("%w: got %q, expected one of %v", ErrInvalidLogLevel, cfg.Level, ValidLogLevels)
	}
	if !containsString(ValidLogFormats, cfg.Format) {
		return fmt.Errorf("%w: got %q, expected one of %v", ErrInvalidLogFormat, cfg.Format, ValidLogFormats)
	}
	if !containsString(ValidLogOutputs, cfg.Output) {
		return fmt.Errorf("%w: got %q, expected one of %v", ErrInvalidLogOutput, cfg.Output, ValidLogOutputs)
	}
	return nil
}

func validateRateLimitConfig(cfg *RateLimitConfig) error {
	if cfg.RequestsPerSecond < 0 {
		return fmt.Errorf("requests_per_second: %w", ErrNegativeValue)
	}
	if cfg.BurstSize < 0 {
		return fmt.Errorf("burst_size: %w", ErrNegativeValue)
	}
	if cfg.MaxConnections < 0 {
		return fmt.Errorf("max_connections: %w", ErrNegativeValue)
	}
	return nil
}

func containsString(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// ============================================================================
// Derived accessors
// ============================================================================

// Addr returns the server address in "host:port" format.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Devices splits the configured device list into ordinals. Its length defines
// N, the worker count, per the request surface's device_list key.
func (c *Config) Devices() []string {
	parts := strings.Split(c.Pool.DeviceList, ",")
	devices := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			devices = append(devices, p)
		}
	}
	return devices
}

// ToSafeMap returns a map representation suitable for structured logging.
func (c *Config) ToSafeMap() map[string]interface{} {
	return map[string]interface{}{
		"server": map[string]interface{}{
			"host": c.Server.Host,
			"port": c.Server.Port,
		},
		"pool": map[string]interface{}{
			"device_list": c.Pool.DeviceList,
			"model_name":  c.Pool.ModelName,
			"precision":   c.Pool.Precision,
		},
		"admission": map[string]interface{}{
			"max_sessions": c.Admission.MaxSessions,
		},
		"logging": map[string]interface{}{
			"level":  c.Logging.Level,
			"format": c.Logging.Format,
			"output": c.Logging.Output,
		},
	}
}

// Reload re-reads the configuration from the file and updates the current instance.
func (c *Config) Reload(configPath string) error {
	newCfg, err := Load(configPath)
	if err != nil {
		return err
	}
	*c = *newCfg
	return nil
}

// ============================================================================
// Hot Reload Manager
// ============================================================================

// ConfigChangeCallback is the function type for configuration change callbacks.
type ConfigChangeCallback func(cfg *Config)

// HotReloadManager handles configuration hot reloading using Viper's built-in
// file watching capability.
type HotReloadManager struct {
	mu               sync.RWMutex
	v                *viper.Viper
	cfg              *Config
	configPath       string
	callbacks        []ConfigChangeCallback
	debounceDuration time.Duration
	debounceTimer    *time.Timer
	stopChan         chan struct{}
}

// NewHotReloadManager creates a new hot reload manager for the given config.
func NewHotReloadManager(cfg *Config, configPath string) *HotReloadManager {
	return &HotReloadManager{
		cfg:              cfg,
		configPath:       configPath,
		callbacks:        make([]ConfigChangeCallback, 0),
		debounceDuration: DefaultDebounceDuration,
		stopChan:         make(chan struct{}),
	}
}

// SetDebounceDuration sets the debounce duration for config changes.
func (m *HotReloadManager) SetDebounceDuration(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.debounceDuration = d
}

// OnChange registers a callback to be called when configuration changes.
func (m *HotReloadManager) OnChange(callback ConfigChangeCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, callback)
}

// StartWatching begins monitoring the configuration file for changes.
func (m *HotReloadManager) StartWatching() error {
	if m.configPath == "" {
		return nil
	}

	v := viper.New()
	m.v = v

	v.SetConfigFile(m.configPath)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config for watching: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		m.handleConfigChange()
	})
	v.WatchConfig()

	fmt.Printf("[INFO] Started watching config file: %s\n", m.configPath)
	return nil
}

func (m *HotReloadManager) handleConfigChange() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.debounceTimer != nil {
		m.debounceTimer.Stop()
	}

	m.debounceTimer = time.AfterFunc(m.debounceDuration, func() {
		m.reloadAndNotify()
	})
}

func (m *HotReloadManager) reloadAndNotify() {
	fmt.Println("[INFO] Configuration file changed, reloading...")

	if err := m.cfg.Reload(m.configPath); err != nil {
		fmt.Printf("[ERROR] Failed to reload configuration: %v\n", err)
		return
	}

	fmt.Println("[INFO] Configuration reloaded successfully")

	m.mu.RLock()
	callbacks := make([]ConfigChangeCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.RUnlock()

	for _, callback := range callbacks {
		go func(cb ConfigChangeCallback) {
			defer func() {
				if r := recover(); r != nil {
					fmt.Printf("[ERROR] Config callback panicked: %v\n", r)
				}
			}()
			cb(m.cfg)
		}(callback)
	}
}

// Stop gracefully stops the hot reload manager.
func (m *HotReloadManager) Stop() {
	close(m.stopChan)

	m.mu.Lock()
	if m.debounceTimer != nil {
		m.debounceTimer.Stop()
	}
	m.mu.Unlock()
}

// GetConfigPath returns the path of the watched config file.
func (m *HotReloadManager) GetConfigPath() string {
	return m.configPath
}
