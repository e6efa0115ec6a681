// Package config loads the YAML configuration for a saoe-agentd instance,
// following the teacher pack's StandardConfigResolver convention: CLI flag,
// then environment variables, then a small set of default search paths.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// AgentConfig binds everything one saoe-agentd process needs to run an
// AgentShim: where its queue/quarantine directories are, which vault and
// audit store to use, and its known peers.
type AgentConfig struct {
	AgentID              string            `yaml:"agent_id"`
	QueueDir             string            `yaml:"queue_dir"`
	QuarantineDir        string            `yaml:"quarantine_dir"`
	VaultDir             string            `yaml:"vault_dir"`
	VaultIdentityPath    string            `yaml:"vault_identity_path"`
	DispatcherPin        string            `yaml:"dispatcher_pin"`
	SigningKeyPath       string            `yaml:"signing_key_path"`
	AuditDBPath          string            `yaml:"audit_db_path"`
	LedgerDBPath         string            `yaml:"ledger_db_path"`
	KnownSenders         map[string]string `yaml:"known_senders"` // agent_id -> verify key path
	MaxQuarantineFiles   int               `yaml:"max_quarantine_files"`
	FileSizeCapBytes     int64             `yaml:"file_size_cap_bytes"`
	MaxQuotaPerSenderHr  int               `yaml:"max_quota_per_sender_per_hour"`
	PollIntervalSeconds  float64           `yaml:"poll_interval_seconds"`
	BrokerListenAddr     string            `yaml:"broker_listen_addr"`
	Debug                bool              `yaml:"debug"`
}

// Load reads and parses a YAML config file at path.
func Load(path string) (AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return AgentConfig{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg AgentConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return AgentConfig{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// WithDefaults fills zero-valued fields with the spec's stated defaults.
func (c AgentConfig) WithDefaults() AgentConfig {
	if c.MaxQuarantineFiles == 0 {
		c.MaxQuarantineFiles = 50
	}
	if c.FileSizeCapBytes == 0 {
		c.FileSizeCapBytes = 1 * 1024 * 1024
	}
	if c.MaxQuotaPerSenderHr == 0 {
		c.MaxQuotaPerSenderHr = 1000
	}
	if c.PollIntervalSeconds == 0 {
		c.PollIntervalSeconds = 0.5
	}
	return c
}

// StandardConfigResolver locates the config file to load, in priority
// order:
//  1. The CLI flag, if set.
//  2. SAOE_CONFIG_PATH, if it names an existing file.
//  3. SAOE_WORKBENCH_DIR/config/agents/<agent_name>.yaml, if it exists.
//  4. A small set of conventional CWD-relative search paths.
type StandardConfigResolver struct {
	ConfigFlag *string
	AgentName  string
}

// Resolve returns the first existing candidate path in priority order, or
// an error if none of them exist.
func (r StandardConfigResolver) Resolve() (string, error) {
	if r.ConfigFlag != nil && *r.ConfigFlag != "" {
		return *r.ConfigFlag, nil
	}

	if path := os.Getenv("SAOE_CONFIG_PATH"); path != "" && fileExists(path) {
		return path, nil
	}

	if workbench := os.Getenv("SAOE_WORKBENCH_DIR"); workbench != "" {
		path := filepath.Join(workbench, "config", "agents", r.AgentName+".yaml")
		if fileExists(path) {
			return path, nil
		}
	}

	candidates := []string{
		fmt.Sprintf("./%s.yaml", r.AgentName),
		fmt.Sprintf("./config/%s.yaml", r.AgentName),
		fmt.Sprintf("/etc/saoe/%s.yaml", r.AgentName),
	}
	for _, c := range candidates {
		if fileExists(c) {
			return c, nil
		}
	}
	return "", fmt.Errorf("config: no config file found for agent %q (checked flag, SAOE_CONFIG_PATH, SAOE_WORKBENCH_DIR, and %v)", r.AgentName, candidates)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// LoadConfigWithDefaults resolves a config file via StandardConfigResolver
// and loads it with loader, falling back to defaults when no config file
// is found anywhere in the resolution order.
func LoadConfigWithDefaults[T any](
	agentName string,
	configFlag *string,
	defaults T,
	loader func(string) (T, error),
) (T, error) {
	resolver := StandardConfigResolver{AgentName: agentName, ConfigFlag: configFlag}
	path, err := resolver.Resolve()
	if err != nil {
		return defaults, nil
	}
	return loader(path)
}

// RegisterConfigFlag registers the --config flag on fs, matching the
// teacher's convention of defining flags only once per process.
func RegisterConfigFlag(fs *flag.FlagSet) *string {
	return fs.String("config", "", "Configuration file path")
}
