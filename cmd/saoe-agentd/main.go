// Command saoe-agentd runs one agent's envelope processing lifecycle: load
// its YAML configuration, open its vault and audit handles, and poll its
// queue directory until a graceful shutdown signal arrives.
//
// Configuration loading strategy (config.StandardConfigResolver):
//  1. --config flag, if given.
//  2. SAOE_CONFIG_PATH, if it names an existing file.
//  3. SAOE_WORKBENCH_DIR/config/agents/<agent_id>.yaml, if it exists.
//  4. ./<agent_id>.yaml, ./config/<agent_id>.yaml, /etc/saoe/<agent_id>.yaml
//
// Called by: operators / process supervisors (systemd, container entrypoint).
// Calls: config, vault, audit, validator, shim, broker.
package main

import (
	"flag"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/nikodemus-eth/saoe/audit"
	"github.com/nikodemus-eth/saoe/broker"
	"github.com/nikodemus-eth/saoe/config"
	"github.com/nikodemus-eth/saoe/keyring"
	"github.com/nikodemus-eth/saoe/shim"
	"github.com/nikodemus-eth/saoe/validator"
	"github.com/nikodemus-eth/saoe/vault"
)

func main() {
	fs := flag.NewFlagSet("saoe-agentd", flag.ExitOnError)
	configPath := config.RegisterConfigFlag(fs)
	agentName := fs.String("agent", "", "Agent id, used to locate a default config file when --config is not set")
	if err := fs.Parse(os.Args[1:]); err != nil {
		log.Fatalf("saoe-agentd: parse flags: %v", err)
	}

	resolved, err := config.StandardConfigResolver{ConfigFlag: configPath, AgentName: *agentName}.Resolve()
	if err != nil {
		log.Fatalf("saoe-agentd: resolve config: %v", err)
	}

	cfg, err := config.Load(resolved)
	if err != nil {
		log.Fatalf("saoe-agentd: load config %s: %v", resolved, err)
	}
	cfg = cfg.WithDefaults()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Str("agent_id", cfg.AgentID).Logger()
	if cfg.Debug {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}
	logger.Info().Str("config_path", resolved).Msg("loaded agent configuration")

	v, err := vault.Open(cfg.VaultDir, cfg.VaultIdentityPath, cfg.DispatcherPin)
	if err != nil {
		log.Fatalf("saoe-agentd: open vault: %v", err)
	}

	auditLog, err := audit.Open(cfg.AuditDBPath)
	if err != nil {
		log.Fatalf("saoe-agentd: open audit log: %v", err)
	}

	var brokerSvc *broker.Service
	if cfg.BrokerListenAddr != "" {
		brokerSvc = broker.NewService(logger)
		if err := brokerSvc.Listen(cfg.BrokerListenAddr); err != nil {
			log.Fatalf("saoe-agentd: start broker: %v", err)
		}
		auditLog.SetSink(broker.AgentSink{Service: brokerSvc, AgentID: cfg.AgentID})
		logger.Info().Str("addr", cfg.BrokerListenAddr).Msg("broker listening")
	}

	signingKey, err := keyring.LoadSigningKey(cfg.SigningKeyPath)
	if err != nil {
		log.Fatalf("saoe-agentd: load signing key: %v", err)
	}

	knownSenders, err := loadKnownSenders(cfg.KnownSenders)
	if err != nil {
		log.Fatalf("saoe-agentd: load known senders: %v", err)
	}

	v8r := validator.New(v, cfg.AgentID, auditLog)
	v8r.FileSizeCapBytes = cfg.FileSizeCapBytes
	v8r.MaxQuotaPerSenderPerHour = cfg.MaxQuotaPerSenderHr

	if err := os.MkdirAll(cfg.QueueDir, 0o755); err != nil {
		log.Fatalf("saoe-agentd: mkdir queue dir: %v", err)
	}
	if err := os.MkdirAll(cfg.QuarantineDir, 0o755); err != nil {
		log.Fatalf("saoe-agentd: mkdir quarantine dir: %v", err)
	}

	s := shim.New(shim.Config{
		AgentID:            cfg.AgentID,
		Validator:          v8r,
		Audit:              auditLog,
		SigningKey:         signingKey,
		KnownSenderKeys:    knownSenders,
		QueueDir:           cfg.QueueDir,
		QuarantineDir:      cfg.QuarantineDir,
		MaxQuarantineFiles: cfg.MaxQuarantineFiles,
		Logger:             logger,
	})

	logger.Info().Msg("saoe-agentd starting")
	s.RunForever(func(result validator.ValidationResult) error {
		logger.Info().
			Str("session_id", result.SessionID()).
			Str("sender_id", result.SenderID()).
			Str("template_id", result.Template.TemplateID).
			Msg("envelope validated")
		return nil
	}, time.Duration(cfg.PollIntervalSeconds*float64(time.Second)))
}

func loadKnownSenders(paths map[string]string) (map[string]keyring.VerifyKey, error) {
	out := make(map[string]keyring.VerifyKey, len(paths))
	for agentID, path := range paths {
		vk, err := keyring.LoadVerifyKey(filepath.Clean(path))
		if err != nil {
			return nil, err
		}
		out[agentID] = vk
	}
	return out, nil
}
