package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the server configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Opcua   OpcuaConfig   `toml:"opcua"`
	Workers WorkersConfig `toml:"workers"`
	Mock    MockConfig    `toml:"mock_printer"`
	Logging LoggingConfig `toml:"logging"`
}

// ServerConfig holds HTTP and storage settings.
type ServerConfig struct {
	BindAddress string `toml:"bind_address"`
	HTTPPort    int    `toml:"http_port"`
	DatabaseURL string `toml:"database_url"`
	UploadPath  string `toml:"upload_path"`
}

// OpcuaConfig holds twin mirror settings.
type OpcuaConfig struct {
	ServerURL string `toml:"server_url"`
	Namespace string `toml:"namespace"`
}

// WorkersConfig tunes the reconciliation and scheduling loops.
type WorkersConfig struct {
	// PrinterWorkerInterval is the seconds between worker steps, also the
	// status cache TTL.
	PrinterWorkerInterval float64 `toml:"printer_worker_interval"`
	// OrderFetcherInterval is the seconds between order intake checks.
	OrderFetcherInterval float64 `toml:"order_fetcher_interval"`
	// SchedulerInterval is the seconds between scheduling passes.
	SchedulerInterval float64 `toml:"scheduler_interval"`
	// AutoSchedule enables the FIFO scheduler.
	AutoSchedule bool `toml:"auto_schedule"`
	// StartTimeToleranceSecs is the window within which a stored start
	// time and the printer's derived start time count as the same job.
	StartTimeToleranceSecs float64 `toml:"start_time_tolerance_secs"`
}

// MockConfig tunes the simulated printer driver.
type MockConfig struct {
	Interval             float64 `toml:"interval"`
	JobTime              int     `toml:"job_time"`
	TargetBedTemperature float64 `toml:"target_bed_temperature"`
	TargetNozzle         float64 `toml:"target_nozzle"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `toml:"level"`
	Dir   string `toml:"dir"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddress: "0.0.0.0",
			HTTPPort:    8000,
			DatabaseURL: "",
			UploadPath:  "upload",
		},
		Opcua: OpcuaConfig{
			ServerURL: "opc.tcp://mock:4840",
			Namespace: "urn:printfarm:server",
		},
		Workers: WorkersConfig{
			PrinterWorkerInterval:  5,
			OrderFetcherInterval:   5,
			SchedulerInterval:      60,
			AutoSchedule:           true,
			StartTimeToleranceSecs: 10,
		},
		Mock: MockConfig{
			Interval:             1,
			JobTime:              100,
			TargetBedTemperature: 150,
			TargetNozzle:         200,
		},
		Logging: LoggingConfig{
			Level: "INFO",
			Dir:   "",
		},
	}
}

// LoadConfig reads configuration from an optional TOML file, then applies
// environment variable overrides. Env always wins over file values.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()

	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return nil, fmt.Errorf("invalid http port: %d", cfg.Server.HTTPPort)
	}
	if cfg.Workers.PrinterWorkerInterval <= 0 {
		return nil, fmt.Errorf("printer worker interval must be positive")
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envString(&c.Server.DatabaseURL, "DATABASE_URL")
	envString(&c.Server.UploadPath, "UPLOAD_PATH")
	envString(&c.Server.BindAddress, "BIND_ADDRESS")
	envInt(&c.Server.HTTPPort, "HTTP_PORT")

	envString(&c.Opcua.ServerURL, "OPCUA_SERVER_URL")
	envString(&c.Opcua.Namespace, "OPCUA_SERVER_NAMESPACE")

	envFloat(&c.Workers.PrinterWorkerInterval, "PRINTER_WORKER_INTERVAL")
	envFloat(&c.Workers.OrderFetcherInterval, "ORDER_FETCHER_INTERVAL")
	envFloat(&c.Workers.SchedulerInterval, "SCHEDULER_INTERVAL")
	envBool(&c.Workers.AutoSchedule, "AUTO_SCHEDULE")
	envFloat(&c.Workers.StartTimeToleranceSecs, "START_TIME_TOLERANCE_SECS")

	envFloat(&c.Mock.Interval, "MOCK_PRINTER_INTERVAL")
	envInt(&c.Mock.JobTime, "MOCK_PRINTER_JOB_TIME")
	envFloat(&c.Mock.TargetBedTemperature, "MOCK_PRINTER_TARGET_BED_TEMPERATURE")
	envFloat(&c.Mock.TargetNozzle, "MOCK_PRINTER_TARGET_BED_NOZZLE")

	envString(&c.Logging.Level, "LOGGING_LEVEL")
	envString(&c.Logging.Dir, "LOGGING_DIR")
}

// PrinterWorkerInterval returns the worker tick as a duration.
func (c *Config) PrinterWorkerInterval() time.Duration {
	return secsToDuration(c.Workers.PrinterWorkerInterval)
}

// SchedulerInterval returns the scheduling tick as a duration.
func (c *Config) SchedulerInterval() time.Duration {
	return secsToDuration(c.Workers.SchedulerInterval)
}

// StartTimeTolerance returns the job matching window as a duration.
func (c *Config) StartTimeTolerance() time.Duration {
	return secsToDuration(c.Workers.StartTimeToleranceSecs)
}

// MockInterval returns the mock simulation tick as a duration.
func (c *Config) MockInterval() time.Duration {
	return secsToDuration(c.Mock.Interval)
}

func secsToDuration(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
