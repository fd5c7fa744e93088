package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration for the session manager.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Master    MasterConfig    `yaml:"master"`
	Manager   ManagerConfig   `yaml:"manager"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Groups    map[string]int  `yaml:"groups"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address      string        `yaml:"address" env:"SM_SERVER_ADDRESS"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"SM_SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"SM_SERVER_WRITE_TIMEOUT"`
	EnableCORS   bool          `yaml:"enable_cors" env:"SM_SERVER_ENABLE_CORS"`
}

// MasterConfig describes the master entry of the worker registry.
type MasterConfig struct {
	ID               string        `yaml:"id" env:"SM_MASTER_ID"`
	Host             string        `yaml:"host" env:"SM_MASTER_HOST"`
	Port             int           `yaml:"port" env:"SM_MASTER_PORT"`
	ImageID          string        `yaml:"image_id" env:"SM_MASTER_IMAGE_ID"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" env:"SM_MASTER_HEARTBEAT_TIMEOUT"`
}

// ManagerConfig holds session manager configuration.
type ManagerConfig struct {
	AdminDir            string            `yaml:"admin_dir" env:"SM_ADMIN_DIR"`
	Program             string            `yaml:"program" env:"SM_PROGRAM"`
	Args                []string          `yaml:"args" env:"SM_PROGRAM_ARGS"`
	Env                 map[string]string `yaml:"env" env:"SM_PROGRAM_ENV"`
	WorkDir             string            `yaml:"work_dir" env:"SM_WORK_DIR"`
	LogDir              string            `yaml:"log_dir" env:"SM_SESSION_LOG_DIR"`
	ProtocolVersion     int               `yaml:"protocol_version" env:"SM_PROTOCOL_VERSION"`
	MaxConcurrentForks  int               `yaml:"max_concurrent_forks" env:"SM_MAX_CONCURRENT_FORKS"`
	InternalWait        time.Duration     `yaml:"internal_wait" env:"SM_INTERNAL_WAIT"`
	VerifyTimeout       time.Duration     `yaml:"verify_timeout" env:"SM_VERIFY_TIMEOUT"`
	TerminationTimeout  time.Duration     `yaml:"termination_timeout" env:"SM_TERMINATION_TIMEOUT"`
	CheckFrequency      time.Duration     `yaml:"check_frequency" env:"SM_CHECK_FREQUENCY"`
	TerminatedRetention time.Duration     `yaml:"terminated_retention" env:"SM_TERMINATED_RETENTION"`
	RecoverTimeout      time.Duration     `yaml:"recover_timeout" env:"SM_RECOVER_TIMEOUT"`
	ReconnectTimeout    time.Duration     `yaml:"reconnect_timeout" env:"SM_RECONNECT_TIMEOUT"`
	ShutdownOpt         string            `yaml:"shutdown_opt" env:"SM_SHUTDOWN_OPT"`
	ShutdownDelay       time.Duration     `yaml:"shutdown_delay" env:"SM_SHUTDOWN_DELAY"`
}

// SchedulerConfig holds the worker selection policy parameters.
type SchedulerConfig struct {
	// MaxWorkers caps the workers per session; <= 0 means no cap (wmx).
	MaxWorkers int `yaml:"max_workers" env:"SM_SCHED_MAX_WORKERS"`
	// MaxSessions caps the concurrently active sessions; <= 0 means no cap (mxsess).
	MaxSessions int `yaml:"max_sessions" env:"SM_SCHED_MAX_SESSIONS"`
	// Mode is the selection mode (selopt).
	Mode string `yaml:"mode" env:"SM_SCHED_MODE"`
	// NodesFraction is the share of free workers granted in load mode (fraction).
	NodesFraction float64 `yaml:"nodes_fraction" env:"SM_SCHED_NODES_FRACTION"`
	// OptWorkersPerUnit is the active-session count under which a worker counts as free (optnwrks).
	OptWorkersPerUnit int `yaml:"opt_workers_per_unit" env:"SM_SCHED_OPT_WORKERS_PER_UNIT"`
	// MinForQuery is the minimum allocation in load mode (minforquery).
	MinForQuery int `yaml:"min_for_query" env:"SM_SCHED_MIN_FOR_QUERY"`
	// Directive is an xpd.schedparam line applied on top of the fields above.
	Directive string `yaml:"directive" env:"SM_SCHED_DIRECTIVE"`
}

// DiscoveryConfig holds the worker discovery feeds.
type DiscoveryConfig struct {
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig configures the optional Redis heartbeat feed.
type RedisConfig struct {
	Enabled      bool          `yaml:"enabled" env:"SM_REDIS_ENABLED"`
	Addr         string        `yaml:"addr" env:"SM_REDIS_ADDR"`
	Password     string        `yaml:"password" env:"SM_REDIS_PASSWORD"`
	DB           int           `yaml:"db" env:"SM_REDIS_DB"`
	Prefix       string        `yaml:"prefix" env:"SM_REDIS_PREFIX"`
	PollInterval time.Duration `yaml:"poll_interval" env:"SM_REDIS_POLL_INTERVAL"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"SM_LOG_LEVEL"`
	Format     string `yaml:"format" env:"SM_LOG_FORMAT"`
	Output     string `yaml:"output" env:"SM_LOG_OUTPUT"`
	FilePath   string `yaml:"file_path" env:"SM_LOG_FILE_PATH"`
	MaxSize    int    `yaml:"max_size" env:"SM_LOG_MAX_SIZE"`
	MaxBackups int    `yaml:"max_backups" env:"SM_LOG_MAX_BACKUPS"`
	MaxAge     int    `yaml:"max_age" env:"SM_LOG_MAX_AGE"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8090",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			EnableCORS:   false,
		},
		Master: MasterConfig{
			ID:               "master",
			Host:             "localhost",
			Port:             1093,
			HeartbeatTimeout: 30 * time.Second,
		},
		Manager: ManagerConfig{
			AdminDir:            "/var/run/sessmgr",
			Program:             "proofserv",
			Env:                 make(map[string]string),
			ProtocolVersion:     1,
			MaxConcurrentForks:  5,
			InternalWait:        10 * time.Second,
			VerifyTimeout:       30 * time.Second,
			TerminationTimeout:  20 * time.Second,
			CheckFrequency:      30 * time.Second,
			TerminatedRetention: 24 * time.Hour,
			RecoverTimeout:      10 * time.Second,
			ReconnectTimeout:    5 * time.Minute,
			ShutdownOpt:         "idle",
			ShutdownDelay:       5 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			MaxWorkers:        -1,
			MaxSessions:       -1,
			Mode:              "round-robin",
			NodesFraction:     0.5,
			OptWorkersPerUnit: 2,
			MinForQuery:       2,
		},
		Groups: make(map[string]int),
		Discovery: DiscoveryConfig{
			Redis: RedisConfig{
				Enabled:      false,
				Addr:         "localhost:6379",
				Prefix:       "sessmgr",
				PollInterval: 5 * time.Second,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
		},
	}
}

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	envPrefix  string
	cmdArgs    map[string]string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix: "SM_",
		cmdArgs:   make(map[string]string),
		lookupEnv: os.LookupEnv,
	}
}

// WithConfigPath sets the path to the YAML configuration file.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix replaces the SM_ prefix of every env tag.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithCmdArgs sets dot-path overrides, e.g. "scheduler.mode" -> "load".
func (l *Loader) WithCmdArgs(args map[string]string) *Loader {
	l.cmdArgs = args
	return l
}

// WithEnvLookup replaces os.LookupEnv, mainly for tests.
func (l *Loader) WithEnvLookup(fn func(string) (string, bool)) *Loader {
	l.lookupEnv = fn
	return l
}

// Load loads configuration from all sources with proper precedence:
// defaults < YAML file < environment variables < command-line flags < scheduler directive
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("从文件加载配置失败: %w", err)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("应用环境变量覆盖失败: %w", err)
	}

	if err := l.applyCmdOverrides(cfg); err != nil {
		return nil, fmt.Errorf("应用命令行参数覆盖失败: %w", err)
	}

	if cfg.Scheduler.Directive != "" {
		sched, err := ParseSchedParam(cfg.Scheduler.Directive, cfg.Scheduler)
		if err != nil {
			return nil, fmt.Errorf("解析调度指令失败: %w", err)
		}
		cfg.Scheduler = sched
	}

	return cfg, nil
}

// loadFromFile loads configuration from a YAML file.
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("读取配置文件失败: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("解析配置文件失败: %w", err)
	}

	return nil
}

func (l *Loader) applyEnvOverrides(cfg *Config) error {
	return l.applyEnvToStruct(reflect.ValueOf(cfg).Elem())
}

// applyEnvToStruct recursively applies environment variables to struct fields.
func (l *Loader) applyEnvToStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if field.Kind() == reflect.Struct {
			if err := l.applyEnvToStruct(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}
		if l.envPrefix != "SM_" {
			envTag = l.envPrefix + strings.TrimPrefix(envTag, "SM_")
		}

		envValue, ok := l.lookupEnv(envTag)
		if !ok || envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("从环境变量 %s 设置字段 %s 失败: %w", envTag, fieldType.Name, err)
		}
	}

	return nil
}

func (l *Loader) applyCmdOverrides(cfg *Config) error {
	for key, value := range l.cmdArgs {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("设置配置值 %s 失败: %w", key, err)
		}
	}
	return nil
}

// setConfigValue sets a configuration value by its yaml dot path, e.g. "manager.verify_timeout".
func setConfigValue(cfg *Config, path, value string) error {
	parts := strings.Split(path, ".")
	v := reflect.ValueOf(cfg).Elem()

	for i, part := range parts {
		field, ok := fieldByYAMLName(v, part)
		if !ok {
			return fmt.Errorf("未知的配置路径: %s", path)
		}

		if i == len(parts)-1 {
			return setFieldValue(field, value)
		}

		if field.Kind() != reflect.Struct {
			return fmt.Errorf("期望 %s 是结构体，实际是 %s", part, field.Kind())
		}
		v = field
	}

	return nil
}

func fieldByYAMLName(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := strings.Split(t.Field(i).Tag.Get("yaml"), ",")[0]
		if tag == name || strings.EqualFold(t.Field(i).Name, name) {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// setFieldValue sets a reflect.Value from a string value.
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return fmt.Errorf("无法设置字段")
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("无效的时间格式: %w", err)
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("无效的整数: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("无效的浮点数: %w", err)
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("无效的布尔值: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("不支持的切片类型: %s", field.Type().Elem().Kind())
		}
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		field.Set(reflect.ValueOf(parts))

	case reflect.Map:
		if field.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("不支持的 map 类型")
		}
		switch field.Type().Elem().Kind() {
		case reflect.String:
			m := make(map[string]string)
			for k, v := range splitPairs(value) {
				m[k] = v
			}
			field.Set(reflect.ValueOf(m))
		case reflect.Int:
			m := make(map[string]int)
			for k, v := range splitPairs(value) {
				n, err := strconv.Atoi(v)
				if err != nil {
					return fmt.Errorf("无效的整数: %w", err)
				}
				m[k] = n
			}
			field.Set(reflect.ValueOf(m))
		default:
			return fmt.Errorf("不支持的 map 类型")
		}

	default:
		return fmt.Errorf("不支持的字段类型: %s", field.Kind())
	}

	return nil
}

// splitPairs parses "k=v,k=v".
func splitPairs(value string) map[string]string {
	m := make(map[string]string)
	for _, pair := range strings.Split(value, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(kv) == 2 {
			m[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
		}
	}
	return m
}

// Serialize serializes the configuration to YAML bytes.
func (c *Config) Serialize() ([]byte, error) {
	return yaml.Marshal(c)
}

// ParseConfig parses a YAML configuration from bytes.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	return cfg, nil
}
