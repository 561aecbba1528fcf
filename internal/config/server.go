package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// validate is shared; validator caches struct metadata per instance.
var validate = validator.New()

type ServerConfig struct {
	FunctionPaths []string      `mapstructure:"function_paths"`
	LogLevel      string        `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	Wasm          WasmConfig    `mapstructure:"wasm"`
	Runtime       RuntimeConfig `mapstructure:"runtime"`
	HTTP          HTTPConfig    `mapstructure:"http"`
	IPFS          IPFSConfig    `mapstructure:"ipfs"`
	S3            S3Config      `mapstructure:"s3"`
	Tracing       TracingConfig `mapstructure:"tracing"`
}

// WasmConfig holds Wasm runtime configuration.
type WasmConfig struct {
	// Memory limit per module (in pages, 64KB each).
	MemoryPages uint32 `mapstructure:"memory_pages" validate:"min=1,max=65536"`
	// Enable debug logging.
	Debug bool `mapstructure:"debug"`
	// Compilation cache directory. Empty keeps compiled code in memory only.
	CacheDir string `mapstructure:"cache_dir"`
	// Maximum concurrent instances.
	MaxInstances int `mapstructure:"max_instances" validate:"min=1"`
	// Module execution timeout (seconds). Zero disables the timeout.
	ExecutionTimeout int `mapstructure:"execution_timeout" validate:"min=0"`
	// Largest payload a guest may pass to a host call.
	MaxRequestSize uint32 `mapstructure:"max_request_size" validate:"min=1"`
	// Cap on captured stdout and stderr, each.
	OutputLimit int `mapstructure:"output_limit" validate:"min=0"`
	// Debug ownership tracking of guest allocations.
	TrackAllocations bool `mapstructure:"track_allocations"`
	// In-flight extension calls per instance.
	MaxPendingCalls int `mapstructure:"max_pending_calls" validate:"min=1"`
}

// Timeout returns ExecutionTimeout as a duration.
func (c WasmConfig) Timeout() time.Duration {
	return time.Duration(c.ExecutionTimeout) * time.Second
}

// RuntimeConfig holds the defaults every function invocation starts from.
type RuntimeConfig struct {
	Args []string `mapstructure:"args"`
	// Env entries in KEY=VALUE form. A list keeps key case intact.
	Env         []string `mapstructure:"env"`
	Permissions []string `mapstructure:"permissions"`
	// Preopens in GUEST=HOST form: the host directory mounted at the
	// guest path.
	Preopens []string `mapstructure:"preopens" validate:"dive,contains=="`
}

// EnvMap parses Env into a map. Later entries win.
func (c RuntimeConfig) EnvMap() map[string]string {
	env := make(map[string]string, len(c.Env))
	for _, kv := range c.Env {
		k, v, ok := strings.Cut(kv, "=")
		if ok && k != "" {
			env[k] = v
		}
	}
	return env
}

// PreopenMap parses Preopens into guest path to host directory. Later
// entries win.
func (c RuntimeConfig) PreopenMap() map[string]string {
	preopens := make(map[string]string, len(c.Preopens))
	for _, kv := range c.Preopens {
		guest, host, ok := strings.Cut(kv, "=")
		if ok && guest != "" && host != "" {
			preopens[guest] = host
		}
	}
	return preopens
}

// HTTPConfig configures the outbound http_call extension.
type HTTPConfig struct {
	Timeout            time.Duration `mapstructure:"timeout"`
	MaxBodySize        int64         `mapstructure:"max_body_size" validate:"min=1"`
	RequestsPerSecond  float64       `mapstructure:"requests_per_second" validate:"min=0"`
	Burst              int           `mapstructure:"burst" validate:"min=1"`
	BreakerMaxFailures uint32        `mapstructure:"breaker_max_failures"`
	BreakerTimeout     time.Duration `mapstructure:"breaker_timeout"`
}

// IPFSConfig configures the ipfs_call extension and the API relay.
type IPFSConfig struct {
	APIURL    string `mapstructure:"api_url" validate:"required,url"`
	RelayAddr string `mapstructure:"relay_addr"`
}

// S3Config configures the s3_call extension.
type S3Config struct {
	DefaultRegion string `mapstructure:"default_region" validate:"required"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Exporter string `mapstructure:"exporter" validate:"omitempty,oneof=stdout noop"`
}

func LoadServerConfig(configPath string) (*ServerConfig, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("function_paths", []string{"./functions"})
	v.SetDefault("log_level", "info")

	// Wasm defaults
	v.SetDefault("wasm.memory_pages", 256) // 16MB
	v.SetDefault("wasm.debug", false)
	v.SetDefault("wasm.cache_dir", "./build/wasm-cache")
	v.SetDefault("wasm.max_instances", 100)
	v.SetDefault("wasm.execution_timeout", 30)
	v.SetDefault("wasm.max_request_size", 1024*1024)
	v.SetDefault("wasm.output_limit", 10*1024*1024)
	v.SetDefault("wasm.track_allocations", false)
	v.SetDefault("wasm.max_pending_calls", 64)

	v.SetDefault("runtime.args", []string{})
	v.SetDefault("runtime.env", []string{
		"BLS_REQUEST_METHOD=GET",
		"BLS_REQUEST_PATH=/",
		"BLS_REQUEST_QUERY=",
	})
	v.SetDefault("runtime.permissions", []string{})
	v.SetDefault("runtime.preopens", []string{})

	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("http.max_body_size", 10*1024*1024)
	v.SetDefault("http.requests_per_second", 10)
	v.SetDefault("http.burst", 20)
	v.SetDefault("http.breaker_max_failures", 5)
	v.SetDefault("http.breaker_timeout", 30*time.Second)

	v.SetDefault("ipfs.api_url", "http://127.0.0.1:5001")
	v.SetDefault("ipfs.relay_addr", ":8081")

	v.SetDefault("s3.default_region", "us-east-1")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "stdout")

	// BLS_WASM_MEMORY_PAGES overrides wasm.memory_pages, and so on.
	v.SetEnvPrefix("BLS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}
