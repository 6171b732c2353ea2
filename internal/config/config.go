// Package config loads the three-layer specq configuration:
// .specq/config.yaml (team), .specq/local.config.yaml (personal),
// then environment variables for API keys on top.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/specq-dev/specq/internal/model"
)

type ProviderCreds struct {
	APIKey string `yaml:"api_key"`
}

type ProvidersConfig struct {
	Anthropic ProviderCreds `yaml:"anthropic"`
	OpenAI    ProviderCreds `yaml:"openai"`
	Google    ProviderCreds `yaml:"google"`
	GLM       ProviderCreds `yaml:"glm"`
	DeepSeek  ProviderCreds `yaml:"deepseek"`
}

type CompilerConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type ExecutorConfig struct {
	Type                   string   `yaml:"type"`
	Model                  string   `yaml:"model"`
	MaxTurns               int      `yaml:"max_turns"`
	AllowedTools           []string `yaml:"allowed_tools"`
	AutoApprovePermissions *bool    `yaml:"auto_approve_permissions"`
}

// AutoApprove defaults to true when unset: ACP agents block on tool use
// without a granted permission.
func (e ExecutorConfig) AutoApprove() bool {
	if e.AutoApprovePermissions == nil {
		return true
	}
	return *e.AutoApprovePermissions
}

type VoterEntry struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type VerificationConfig struct {
	Voters []VoterEntry `yaml:"voters"`
	Checks []string     `yaml:"checks"`
}

// RiskRule is a per-risk verification strategy. In YAML it may be either a
// bare string ("skip") or a mapping ({strategy: majority}).
type RiskRule struct {
	Strategy string `yaml:"strategy"`
}

func (r *RiskRule) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		r.Strategy = value.Value
		return nil
	}
	type plain RiskRule
	return value.Decode((*plain)(r))
}

type RiskPolicyConfig struct {
	Low    RiskRule `yaml:"low"`
	Medium RiskRule `yaml:"medium"`
	High   RiskRule `yaml:"high"`
}

type BudgetsConfig struct {
	MaxRetries     int `yaml:"max_retries"`
	MaxDurationSec int `yaml:"max_duration_sec"`
	MaxTurns       int `yaml:"max_turns"`
	DailyTaskLimit int `yaml:"daily_task_limit"`
}

type NotifyConfig struct {
	WebhookURL string   `yaml:"webhook_url"`
	Events     []string `yaml:"events"`
}

type ScannerConfig struct {
	// Ignore lists doublestar globs matched against entry names under the
	// changes directory. archive/ is always skipped.
	Ignore []string `yaml:"ignore"`
}

type Config struct {
	ChangesDir   string             `yaml:"changes_dir"` // empty = auto-detect
	BaseBranch   string             `yaml:"base_branch"`
	Compiler     CompilerConfig     `yaml:"compiler"`
	Executor     ExecutorConfig     `yaml:"executor"`
	Verification VerificationConfig `yaml:"verification"`
	RiskPolicy   RiskPolicyConfig   `yaml:"risk_policy"`
	Budgets      BudgetsConfig      `yaml:"budgets"`
	Notify       NotifyConfig       `yaml:"notify"`
	Scanner      ScannerConfig      `yaml:"scanner"`
	Providers    ProvidersConfig    `yaml:"providers"`

	ProjectRoot string `yaml:"-"`
}

// Default returns a Config with all defaults applied and no files read.
func Default(projectRoot string) *Config {
	return &Config{
		BaseBranch: "main",
		Compiler:   CompilerConfig{Provider: "anthropic", Model: "claude-haiku-4-5"},
		Executor:   ExecutorConfig{Type: "claude_code", Model: "claude-sonnet-4-5", MaxTurns: 50},
		Verification: VerificationConfig{
			Checks: []string{"spec_compliance", "regression_risk", "architecture"},
		},
		RiskPolicy: RiskPolicyConfig{
			Low:    RiskRule{Strategy: "skip"},
			Medium: RiskRule{Strategy: "majority"},
			High:   RiskRule{Strategy: "unanimous"},
		},
		Budgets: BudgetsConfig{
			MaxRetries:     3,
			MaxDurationSec: 600,
			MaxTurns:       50,
			DailyTaskLimit: 50,
		},
		Notify: NotifyConfig{
			Events: []string{"change.completed", "change.failed", "change.needs_review"},
		},
		ProjectRoot: projectRoot,
	}
}

// DetectChangesDir prefers openspec/changes/ when it exists, else changes/.
func DetectChangesDir(projectRoot string) string {
	if fi, err := os.Stat(filepath.Join(projectRoot, "openspec", "changes")); err == nil && fi.IsDir() {
		return filepath.Join("openspec", "changes")
	}
	return "changes"
}

// DeepMerge merges override into base field by field. Nested mappings merge
// recursively; lists are replaced; nil override values are ignored.
func DeepMerge(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		if v == nil {
			continue
		}
		bm, bok := out[k].(map[string]any)
		om, ook := v.(map[string]any)
		if bok && ook {
			out[k] = DeepMerge(bm, om)
			continue
		}
		out[k] = v
	}
	return out
}

// Load reads and merges the config layers for projectRoot. A malformed
// config.yaml is a hard error; a malformed local.config.yaml is ignored.
func Load(projectRoot string) (*Config, error) {
	specqDir := filepath.Join(projectRoot, ".specq")

	base, err := readYAMLMap(filepath.Join(specqDir, "config.yaml"), true)
	if err != nil {
		return nil, err
	}
	local, _ := readYAMLMap(filepath.Join(specqDir, "local.config.yaml"), false)

	merged := DeepMerge(base, local)
	if err := validateSchema(merged); err != nil {
		return nil, fmt.Errorf("invalid config.yaml: %w", err)
	}

	cfg := Default(projectRoot)
	if len(merged) > 0 {
		raw, err := yaml.Marshal(merged)
		if err != nil {
			return nil, err
		}
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("invalid config.yaml: %w", err)
		}
		cfg.ProjectRoot = projectRoot
	}

	if cfg.ChangesDir == "" {
		cfg.ChangesDir = DetectChangesDir(projectRoot)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func readYAMLMap(path string, strict bool) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, err
	}
	var parsed any
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		if strict {
			return nil, fmt.Errorf("invalid %s: %w", filepath.Base(path), err)
		}
		return map[string]any{}, nil
	}
	if parsed == nil {
		return map[string]any{}, nil
	}
	m, ok := parsed.(map[string]any)
	if !ok {
		if strict {
			return nil, fmt.Errorf("invalid %s: expected mapping, got %T", filepath.Base(path), parsed)
		}
		return map[string]any{}, nil
	}
	return m, nil
}

// Environment variables take precedence over all config layers.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Providers.Anthropic.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Providers.OpenAI.APIKey = v
	}
	if v := os.Getenv("GOOGLE_API_KEY"); v != "" {
		cfg.Providers.Google.APIKey = v
	}
	if v := os.Getenv("GLM_API_KEY"); v != "" {
		cfg.Providers.GLM.APIKey = v
	}
	if v := os.Getenv("DEEPSEEK_API_KEY"); v != "" {
		cfg.Providers.DeepSeek.APIKey = v
	}
}

// APIKey returns the configured key for a provider, or "".
func (c *Config) APIKey(provider string) string {
	switch provider {
	case "anthropic":
		return c.Providers.Anthropic.APIKey
	case "openai":
		return c.Providers.OpenAI.APIKey
	case "google":
		return c.Providers.Google.APIKey
	case "glm":
		return c.Providers.GLM.APIKey
	case "deepseek":
		return c.Providers.DeepSeek.APIKey
	}
	return ""
}

// VerificationStrategy resolves the strategy for a work item: a non-empty
// per-change override wins, else the risk-policy default for its risk level.
func (c *Config) VerificationStrategy(item *model.WorkItem) string {
	if item.VerificationStrategy != "" {
		return item.VerificationStrategy
	}
	switch item.Risk {
	case "low":
		return orDefault(c.RiskPolicy.Low.Strategy, "skip")
	case "high":
		return orDefault(c.RiskPolicy.High.Strategy, "unanimous")
	default:
		return orDefault(c.RiskPolicy.Medium.Strategy, "majority")
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func validateSchema(merged map[string]any) error {
	if len(merged) == 0 {
		return nil
	}
	// Round-trip through encoding/json so the validator sees JSON-shaped
	// values (float64 numbers, string keys).
	raw, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return compiledSchema.Validate(doc)
}

var compiledSchema = jsonschema.MustCompileString("config.schema.json", configSchema)

const configSchema = `{
  "type": "object",
  "properties": {
    "changes_dir": {"type": "string"},
    "base_branch": {"type": "string"},
    "compiler": {
      "type": "object",
      "properties": {
        "provider": {"type": "string"},
        "model": {"type": "string"}
      }
    },
    "executor": {
      "type": "object",
      "properties": {
        "type": {"type": "string"},
        "model": {"type": "string"},
        "max_turns": {"type": "integer", "minimum": 0},
        "allowed_tools": {"type": "array", "items": {"type": "string"}},
        "auto_approve_permissions": {"type": "boolean"}
      }
    },
    "verification": {
      "type": "object",
      "properties": {
        "voters": {
          "type": "array",
          "items": {
            "type": "object",
            "properties": {
              "provider": {"type": "string"},
              "model": {"type": "string"}
            }
          }
        },
        "checks": {"type": "array", "items": {"type": "string"}}
      }
    },
    "risk_policy": {
      "type": "object",
      "properties": {
        "low": {"$ref": "#/$defs/riskRule"},
        "medium": {"$ref": "#/$defs/riskRule"},
        "high": {"$ref": "#/$defs/riskRule"}
      }
    },
    "budgets": {
      "type": "object",
      "properties": {
        "max_retries": {"type": "integer", "minimum": 0},
        "max_duration_sec": {"type": "integer", "minimum": 0},
        "max_turns": {"type": "integer", "minimum": 0},
        "daily_task_limit": {"type": "integer", "minimum": 0}
      }
    },
    "notify": {
      "type": "object",
      "properties": {
        "webhook_url": {"type": "string"},
        "events": {"type": "array", "items": {"type": "string"}}
      }
    },
    "scanner": {
      "type": "object",
      "properties": {
        "ignore": {"type": "array", "items": {"type": "string"}}
      }
    },
    "providers": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "properties": {
          "api_key": {"type": "string"}
        }
      }
    }
  },
  "$defs": {
    "riskRule": {
      "oneOf": [
        {"type": "string", "enum": ["skip", "majority", "unanimous"]},
        {
          "type": "object",
          "properties": {
            "strategy": {"type": "string", "enum": ["skip", "majority", "unanimous"]}
          }
        }
      ]
    }
  }
}`
