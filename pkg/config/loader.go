// Package config loads and validates the eleanor.yaml configuration
// file. Sections omitted from the file fall back to built-in defaults;
// secrets are pulled from the environment, never from YAML.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// EleanorYAMLConfig represents the complete eleanor.yaml file structure
type EleanorYAMLConfig struct {
	Redis         *RedisConfig         `yaml:"redis"`
	Processor     *ProcessorConfig     `yaml:"processor"`
	Evidence      *EvidenceConfig      `yaml:"evidence"`
	Rules         *RulesConfig         `yaml:"rules"`
	Playbooks     *PlaybookConfig      `yaml:"playbooks"`
	Retention     *RetentionConfig     `yaml:"retention"`
	Notifications *NotificationsConfig `yaml:"notifications"`
	Connectors    []ConnectorConfig    `yaml:"connectors"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load eleanor.yaml from configDir
//  2. Expand environment variables
//  3. Merge user-provided sections over built-in defaults
//  4. Resolve secrets from the environment
//  5. Validate all configuration
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	log.Info("Configuration initialized successfully",
		"connectors", len(cfg.Connectors),
		"workers", cfg.Processor.WorkerCount,
		"evidence_root", cfg.Evidence.Root)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(configDir string) (*Config, error) {
	var yamlConfig EleanorYAMLConfig
	if err := loadYAML(configDir, "eleanor.yaml", &yamlConfig); err != nil {
		return nil, NewLoadError("eleanor.yaml", err)
	}

	// Merge user-provided sections into defaults (non-zero values
	// override) so unset fields keep their built-in values.
	redisCfg := DefaultRedisConfig()
	processorCfg := DefaultProcessorConfig()
	evidenceCfg := DefaultEvidenceConfig()
	rulesCfg := DefaultRulesConfig()
	playbookCfg := DefaultPlaybookConfig()
	retentionCfg := DefaultRetentionConfig()
	notificationsCfg := DefaultNotificationsConfig()

	if yamlConfig.Redis != nil {
		if err := mergo.Merge(redisCfg, yamlConfig.Redis, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge redis config: %w", err)
		}
	}
	if yamlConfig.Processor != nil {
		if err := mergo.Merge(processorCfg, yamlConfig.Processor, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge processor config: %w", err)
		}
	}
	if yamlConfig.Evidence != nil {
		if err := mergo.Merge(evidenceCfg, yamlConfig.Evidence, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge evidence config: %w", err)
		}
	}
	if yamlConfig.Rules != nil {
		if err := mergo.Merge(rulesCfg, yamlConfig.Rules, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge rules config: %w", err)
		}
	}
	if yamlConfig.Playbooks != nil {
		if err := mergo.Merge(playbookCfg, yamlConfig.Playbooks, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge playbooks config: %w", err)
		}
	}
	if yamlConfig.Retention != nil {
		if err := mergo.Merge(retentionCfg, yamlConfig.Retention, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge retention config: %w", err)
		}
	}
	if yamlConfig.Notifications != nil {
		if err := mergo.Merge(notificationsCfg, yamlConfig.Notifications, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge notifications config: %w", err)
		}
	}

	// Resolve secrets from the environment. An unset variable means no
	// auth (Redis) or a disabled channel (Slack); validation accepts both.
	redisCfg.Password = os.Getenv(redisCfg.PasswordEnv)
	notificationsCfg.Slack.Token = os.Getenv(notificationsCfg.Slack.TokenEnv)

	return &Config{
		configDir:     configDir,
		Redis:         redisCfg,
		Processor:     processorCfg,
		Evidence:      evidenceCfg,
		Rules:         rulesCfg,
		Playbooks:     playbookCfg,
		Retention:     retentionCfg,
		Notifications: notificationsCfg,
		Connectors:    yamlConfig.Connectors,
	}, nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

func loadYAML(configDir, filename string, target any) error {
	path := filepath.Join(configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand environment variables using {{.VAR}} template syntax.
	// Note: ExpandEnv passes through original data on parse/execution
	// errors, allowing the YAML parser to handle the content (or fail
	// with a clearer error message)
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}
