// Package config loads and validates the daemon configuration.
//
// DESIGN: One YAML file, with ${VAR} references expanded from the
// environment before parsing so secrets and ARNs can live in a .env file.
// Every section has a Validate method; the daemon refuses to start on the
// first invalid value.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/qubitcloud/cost-guard/internal/money"
)

// Driver names recognized by the store, metrics, enforcement and
// notification sections.
const (
	DriverSQLite     = "sqlite"
	DriverDynamoDB   = "dynamodb"
	DriverCloudWatch = "cloudwatch"
	DriverIAM        = "iam"
	DriverSNS        = "sns"
	DriverLog        = "log"
)

// Config is the top-level daemon configuration.
type Config struct {
	ListenAddr        string             `yaml:"listen_addr"`
	TagKey            string             `yaml:"cost_allocation_tag_key"`
	TaskRetentionDays int                `yaml:"task_retention_days"`
	Store             StoreConfig        `yaml:"store"`
	Pricing           PricingConfig      `yaml:"pricing"`
	Limits            LimitsConfig       `yaml:"limits"`
	Alarms            AlarmsConfig       `yaml:"alarms"`
	Metrics           MetricsConfig      `yaml:"metrics"`
	Enforcement       EnforcementConfig  `yaml:"enforcement"`
	Notification      NotificationConfig `yaml:"notification"`
}

// StoreConfig selects and parameterizes the durable store.
type StoreConfig struct {
	Driver     string `yaml:"driver"`
	SQLitePath string `yaml:"sqlite_path"`
	TasksTable string `yaml:"tasks_table"`
	BinsTable  string `yaml:"bins_table"`
	DedupTable string `yaml:"dedup_table"`
}

// PricingConfig locates task result metadata for simulator billing.
type PricingConfig struct {
	ResultsBucket string `yaml:"results_bucket"`
	ResultsPrefix string `yaml:"results_prefix"`
}

// LimitsConfig carries the cost thresholds the external alarms evaluate.
// The daemon only validates and reports them; breach detection is the
// threshold monitor's job.
type LimitsConfig struct {
	AllTimeUSD string `yaml:"all_time_usd"`
	MonthlyUSD string `yaml:"monthly_usd"`
}

// AlarmsConfig names the alarms whose transitions drive enforcement.
type AlarmsConfig struct {
	AllTimeName string `yaml:"all_time_name"`
	MonthlyName string `yaml:"monthly_name"`
}

// MetricsConfig selects the metric backend.
type MetricsConfig struct {
	Driver    string `yaml:"driver"`
	Namespace string `yaml:"namespace"`
}

// EnforcementConfig lists the deny policy and the principals it controls.
type EnforcementConfig struct {
	Driver    string   `yaml:"driver"`
	PolicyARN string   `yaml:"policy_arn"`
	Roles     []string `yaml:"roles"`
	Groups    []string `yaml:"groups"`
	Users     []string `yaml:"users"`
}

// NotificationConfig selects the operator notification channel.
type NotificationConfig struct {
	Driver       string `yaml:"driver"`
	TopicARN     string `yaml:"topic_arn"`
	EmailAddress string `yaml:"email_address"`
}

// Load reads the config file at path. A .env file in the working directory
// is loaded first, if present, so ${VAR} references resolve.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.TagKey == "" {
		c.TagKey = DefaultTagKey
	}
	if c.TaskRetentionDays == 0 {
		c.TaskRetentionDays = DefaultRetentionDays
	}
	if c.Store.Driver == "" {
		c.Store.Driver = DriverSQLite
	}
	if c.Store.SQLitePath == "" {
		c.Store.SQLitePath = DefaultSQLitePath
	}
	if c.Metrics.Driver == "" {
		c.Metrics.Driver = DriverLog
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = DefaultMetricNamespace
	}
	if c.Enforcement.Driver == "" {
		c.Enforcement.Driver = DriverLog
	}
	if c.Notification.Driver == "" {
		c.Notification.Driver = DriverLog
	}
	if c.Alarms.AllTimeName == "" {
		c.Alarms.AllTimeName = DefaultAllTimeAlarmName
	}
	if c.Alarms.MonthlyName == "" {
		c.Alarms.MonthlyName = DefaultMonthlyAlarmName
	}
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	if c.TaskRetentionDays < 1 {
		return fmt.Errorf("config: task_retention_days must be >= 1, got %d", c.TaskRetentionDays)
	}

	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("config: store.sqlite_path is required for the sqlite driver")
		}
	case DriverDynamoDB:
		if c.Store.TasksTable == "" || c.Store.BinsTable == "" || c.Store.DedupTable == "" {
			return fmt.Errorf("config: store.tasks_table, bins_table and dedup_table are required for the dynamodb driver")
		}
	default:
		return fmt.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}

	for name, limit := range map[string]string{
		"limits.all_time_usd": c.Limits.AllTimeUSD,
		"limits.monthly_usd":  c.Limits.MonthlyUSD,
	} {
		if limit == "" {
			continue
		}
		amount, err := money.ParseUSD(limit)
		if err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
		if amount.Micros() <= 0 {
			return fmt.Errorf("config: %s must be > 0, got %s", name, limit)
		}
	}

	switch c.Metrics.Driver {
	case DriverCloudWatch, DriverLog:
	default:
		return fmt.Errorf("config: unknown metrics.driver %q", c.Metrics.Driver)
	}

	switch c.Enforcement.Driver {
	case DriverIAM:
		if c.Enforcement.PolicyARN == "" {
			return fmt.Errorf("config: enforcement.policy_arn is required for the iam driver")
		}
	case DriverLog:
	default:
		return fmt.Errorf("config: unknown enforcement.driver %q", c.Enforcement.Driver)
	}

	switch c.Notification.Driver {
	case DriverSNS:
		if c.Notification.TopicARN == "" {
			return fmt.Errorf("config: notification.topic_arn is required for the sns driver")
		}
		if addr := c.Notification.EmailAddress; addr != "" && !strings.Contains(addr, "@") {
			return fmt.Errorf("config: notification.email_address %q is not an email address", addr)
		}
	case DriverLog:
	default:
		return fmt.Errorf("config: unknown notification.driver %q", c.Notification.Driver)
	}

	return nil
}
