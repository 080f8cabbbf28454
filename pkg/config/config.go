package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete control-plane configuration. Values come from a
// YAML file (if given) overridden by environment variables, which win.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DataDir    string `yaml:"data_dir"`

	// ControllerURL is the external job controller (Jenkins) base URL,
	// also handed to VMs so the inbound agent can dial back.
	ControllerURL      string `yaml:"controller_url"`
	ControllerUser     string `yaml:"controller_user"`
	ControllerAPIToken string `yaml:"controller_api_token"`

	// NodePrefix identifies ephemeral controller nodes owned by this
	// control plane; the reconciler only touches nodes with this prefix.
	NodePrefix string `yaml:"node_prefix"`

	BaseImageID string `yaml:"base_image_id"`

	LoopInterval time.Duration `yaml:"loop_interval"`
	GCInterval   time.Duration `yaml:"gc_interval"`

	GlobalMaxVMs     int `yaml:"global_max_vms"`
	LabelMaxInflight int `yaml:"label_max_inflight"`
	LabelBurst       int `yaml:"label_burst"`

	ConnectDeadline   time.Duration `yaml:"connect_deadline"`
	DisconnectedGrace time.Duration `yaml:"disconnected_grace"`
	VMTTL             time.Duration `yaml:"vm_ttl"`
	BootGrace         time.Duration `yaml:"boot_grace"`
	HostStaleTimeout  time.Duration `yaml:"host_stale_timeout"`
	Cooldown          time.Duration `yaml:"cooldown"`
	SessionTTL        time.Duration `yaml:"session_ttl"`

	RPCTimeout  time.Duration `yaml:"rpc_timeout"`
	RetryBudget int           `yaml:"retry_budget"`

	DisableBackgroundLoops       bool `yaml:"disable_background_loops"`
	AllowUnknownHostRegistration bool `yaml:"allow_unknown_host_registration"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Default returns the configuration with all documented defaults applied.
func Default() *Config {
	return &Config{
		ListenAddr:        ":8080",
		DataDir:           "/var/lib/hangar",
		ControllerURL:     "http://localhost:8080/jenkins",
		ControllerUser:    "admin",
		NodePrefix:        "ephemeral-",
		BaseImageID:       "default",
		LoopInterval:      5 * time.Second,
		GCInterval:        5 * time.Second,
		GlobalMaxVMs:      100,
		LabelMaxInflight:  5,
		LabelBurst:        3,
		ConnectDeadline:   240 * time.Second,
		DisconnectedGrace: 60 * time.Second,
		VMTTL:             2 * time.Hour,
		BootGrace:         120 * time.Second,
		HostStaleTimeout:  20 * time.Second,
		Cooldown:          15 * time.Second,
		SessionTTL:        time.Hour,
		RPCTimeout:        10 * time.Second,
		RetryBudget:       20,
		LogLevel:          "info",
	}
}

// Load builds the configuration: defaults, then the optional YAML file at
// path, then environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envStr(&c.ListenAddr, "LISTEN_ADDR")
	envStr(&c.DataDir, "DATA_DIR")
	envStr(&c.ControllerURL, "CONTROLLER_URL")
	envStr(&c.ControllerUser, "CONTROLLER_USER")
	envStr(&c.ControllerAPIToken, "CONTROLLER_API_TOKEN")
	envStr(&c.NodePrefix, "NODE_PREFIX")
	envStr(&c.BaseImageID, "BASE_IMAGE_ID")
	envStr(&c.LogLevel, "LOG_LEVEL")

	envSeconds(&c.LoopInterval, "LOOP_INTERVAL_SEC")
	envSeconds(&c.GCInterval, "GC_INTERVAL_SEC")
	envSeconds(&c.ConnectDeadline, "CONNECT_DEADLINE_SEC")
	envSeconds(&c.DisconnectedGrace, "DISCONNECTED_GRACE_SEC")
	envSeconds(&c.VMTTL, "VM_TTL_SEC")
	envSeconds(&c.BootGrace, "BOOT_GRACE_SEC")
	envSeconds(&c.HostStaleTimeout, "HOST_STALE_TIMEOUT_SEC")
	envSeconds(&c.Cooldown, "COOLDOWN_SEC")
	envSeconds(&c.SessionTTL, "SESSION_TTL_SEC")
	envSeconds(&c.RPCTimeout, "RPC_TIMEOUT_SEC")

	envInt(&c.GlobalMaxVMs, "GLOBAL_MAX_VMS")
	envInt(&c.LabelMaxInflight, "LABEL_MAX_INFLIGHT")
	envInt(&c.LabelBurst, "LABEL_BURST")
	envInt(&c.RetryBudget, "RETRY_BUDGET")

	envBool(&c.DisableBackgroundLoops, "DISABLE_BACKGROUND_LOOPS")
	envBool(&c.AllowUnknownHostRegistration, "ALLOW_UNKNOWN_HOST_REGISTRATION")
	envBool(&c.LogJSON, "LOG_JSON")
}

// Validate rejects configurations that would make the loops misbehave.
func (c *Config) Validate() error {
	if c.ControllerURL == "" {
		return fmt.Errorf("controller_url is required")
	}
	if c.LoopInterval < time.Second {
		return fmt.Errorf("loop_interval must be at least 1s")
	}
	if c.GCInterval < time.Second {
		return fmt.Errorf("gc_interval must be at least 1s")
	}
	if c.GlobalMaxVMs < 1 {
		return fmt.Errorf("global_max_vms must be at least 1")
	}
	if c.LabelMaxInflight < 1 {
		return fmt.Errorf("label_max_inflight must be at least 1")
	}
	if c.LabelBurst < 1 {
		return fmt.Errorf("label_burst must be at least 1")
	}
	if c.ConnectDeadline > c.VMTTL {
		return fmt.Errorf("connect_deadline must not exceed vm_ttl")
	}
	if c.RetryBudget < 1 {
		return fmt.Errorf("retry_budget must be at least 1")
	}
	if c.NodePrefix == "" {
		return fmt.Errorf("node_prefix is required")
	}
	return nil
}

func envStr(dst *string, key string) {
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

func envSeconds(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
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
