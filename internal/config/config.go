// Package config holds the runtime configuration shared by the rover
// daemons. Values resolve in three layers: compiled defaults, an optional
// JSON file, then FIELDROVER_* environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the root configuration. Fields omitted from the JSON file keep
// their defaults, so partial configs are safe.
type Config struct {
	// RunDir is where the daemons exchange artifact files.
	RunDir string `json:"run_dir"`

	// Lidar serial link.
	LidarDevice           string `json:"lidar_device"`
	LidarBaud             int    `json:"lidar_baud"`
	LidarQualityThreshold int    `json:"lidar_quality_threshold"`

	// Depth camera artifact directory and filtering.
	DepthDir        string  `json:"depth_dir"`
	DepthMaxAge     string  `json:"depth_max_age"` // duration string like "1500ms"
	DepthMinMM      int     `json:"depth_min_mm"`
	DepthMaxMM      int     `json:"depth_max_mm"`
	DepthPercentile float64 `json:"depth_percentile"`

	// Fusion and publishing cadence.
	FusionFreshWindow string `json:"fusion_fresh_window"` // duration string like "1s"
	FusionTickRate    string `json:"fusion_tick_rate"`

	// Autopilot link. MavlinkUDP, when non-empty, takes precedence over
	// the serial device.
	MavlinkDevice string `json:"mavlink_device"`
	MavlinkBaud   int    `json:"mavlink_baud"`
	MavlinkUDP    string `json:"mavlink_udp"`
	SystemID      int    `json:"system_id"`
	TelemetryRate string `json:"telemetry_rate"`

	// Reactive navigation. Disabled unless NavEnabled is set.
	NavEnabled        bool   `json:"nav_enabled"`
	NavRate           string `json:"nav_rate"`
	SafeDistanceCM    int    `json:"safe_distance_cm"`
	CautionDistanceCM int    `json:"caution_distance_cm"`
	ThrottleMaxPWM    int    `json:"throttle_max_pwm"`

	// Drive log recording. Empty path disables the recorder.
	RecorderPath string `json:"recorder_path"`

	// MQTT status bridge. Empty broker disables the bridge.
	MQTTBroker string `json:"mqtt_broker"`
	MQTTTopic  string `json:"mqtt_topic"`

	// Debug HTTP listener for proximityd. Empty disables it.
	HTTPAddr string `json:"http_addr"`
}

// Default returns the compiled-in configuration.
func Default() *Config {
	return &Config{
		RunDir:                "/var/run/fieldrover",
		LidarDevice:           "/dev/ttyUSB0",
		LidarBaud:             115200,
		LidarQualityThreshold: 10,
		DepthDir:              "/var/run/fieldrover/camera",
		DepthMaxAge:           "1500ms",
		DepthMinMM:            200,
		DepthMaxMM:            25000,
		DepthPercentile:       0.05,
		FusionFreshWindow:     "1s",
		FusionTickRate:        "100ms",
		MavlinkDevice:         "/dev/ttyACM0",
		MavlinkBaud:           57600,
		SystemID:              42,
		TelemetryRate:         "100ms",
		NavRate:               "100ms",
		SafeDistanceCM:        150,
		CautionDistanceCM:     300,
		ThrottleMaxPWM:        1700,
		MQTTTopic:             "fieldrover/status",
		HTTPAddr:              ":8081",
	}
}

// Load reads a JSON config file over the defaults. The file is validated
// to have a .json extension and to be under the max file size.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadWithEnv loads the optional JSON file, then applies environment
// overrides. An empty path skips the file layer. A .env file in the
// working directory is honored when present.
func LoadWithEnv(path string) (*Config, error) {
	_ = godotenv.Load() // absent .env is not an error

	var cfg *Config
	var err error
	if path == "" {
		cfg = Default()
	} else {
		cfg, err = Load(path)
		if err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration after env overrides: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envString("FIELDROVER_RUN_DIR", &c.RunDir)
	envString("FIELDROVER_LIDAR_DEVICE", &c.LidarDevice)
	envInt("FIELDROVER_LIDAR_BAUD", &c.LidarBaud)
	envString("FIELDROVER_DEPTH_DIR", &c.DepthDir)
	envString("FIELDROVER_MAVLINK_DEVICE", &c.MavlinkDevice)
	envInt("FIELDROVER_MAVLINK_BAUD", &c.MavlinkBaud)
	envString("FIELDROVER_MAVLINK_UDP", &c.MavlinkUDP)
	envBool("FIELDROVER_NAV_ENABLED", &c.NavEnabled)
	envString("FIELDROVER_RECORDER_PATH", &c.RecorderPath)
	envString("FIELDROVER_MQTT_BROKER", &c.MQTTBroker)
	envString("FIELDROVER_MQTT_TOPIC", &c.MQTTTopic)
	envString("FIELDROVER_HTTP_ADDR", &c.HTTPAddr)
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// Validate checks that the configuration values are usable.
func (c *Config) Validate() error {
	if c.LidarBaud <= 0 {
		return fmt.Errorf("lidar_baud must be positive, got %d", c.LidarBaud)
	}
	if c.MavlinkBaud <= 0 {
		return fmt.Errorf("mavlink_baud must be positive, got %d", c.MavlinkBaud)
	}
	if c.SystemID < 1 || c.SystemID > 255 {
		return fmt.Errorf("system_id must be in 1..255, got %d", c.SystemID)
	}
	if c.DepthPercentile < 0 || c.DepthPercentile > 1 {
		return fmt.Errorf("depth_percentile must be between 0 and 1, got %f", c.DepthPercentile)
	}
	if c.DepthMinMM < 0 || c.DepthMaxMM <= c.DepthMinMM {
		return fmt.Errorf("depth range invalid: min %d max %d", c.DepthMinMM, c.DepthMaxMM)
	}
	if c.SafeDistanceCM <= 0 || c.CautionDistanceCM <= c.SafeDistanceCM {
		return fmt.Errorf("distance thresholds invalid: safe %d caution %d",
			c.SafeDistanceCM, c.CautionDistanceCM)
	}
	for name, v := range map[string]string{
		"depth_max_age":       c.DepthMaxAge,
		"fusion_fresh_window": c.FusionFreshWindow,
		"fusion_tick_rate":    c.FusionTickRate,
		"telemetry_rate":      c.TelemetryRate,
		"nav_rate":            c.NavRate,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, v, err)
		}
	}
	return nil
}

// Duration getters fall back to the default when the string is empty or
// unparseable.

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// GetDepthMaxAge returns depth_max_age as a time.Duration.
func (c *Config) GetDepthMaxAge() time.Duration {
	return parseDuration(c.DepthMaxAge, 1500*time.Millisecond)
}

// GetFusionFreshWindow returns fusion_fresh_window as a time.Duration.
func (c *Config) GetFusionFreshWindow() time.Duration {
	return parseDuration(c.FusionFreshWindow, time.Second)
}

// GetFusionTickRate returns fusion_tick_rate as a time.Duration.
func (c *Config) GetFusionTickRate() time.Duration {
	return parseDuration(c.FusionTickRate, 100*time.Millisecond)
}

// GetTelemetryRate returns telemetry_rate as a time.Duration.
func (c *Config) GetTelemetryRate() time.Duration {
	return parseDuration(c.TelemetryRate, 100*time.Millisecond)
}

// GetNavRate returns nav_rate as a time.Duration.
func (c *Config) GetNavRate() time.Duration {
	return parseDuration(c.NavRate, 100*time.Millisecond)
}
