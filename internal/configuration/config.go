// Package configuration loads the controller's YAML configuration and
// turns it into domain policies and analysis templates. Every tunable
// the runbooks mention (weight ladders, pause durations, thresholds,
// intervals, retry budgets) lives here, never as a code constant.
package configuration

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ljluestc/canary/internal/domain"
)

// Duration is a time.Duration that unmarshals from YAML strings such as
// "30s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// MetricConfig configures one metric within an analysis template.
type MetricConfig struct {
	Name      string   `yaml:"name"`
	Query     string   `yaml:"query"`
	Condition string   `yaml:"condition"`
	Window    Duration `yaml:"window"`
	FailOpen  *bool    `yaml:"failOpen"`
}

// TemplateConfig configures one named analysis template.
type TemplateConfig struct {
	Name            string         `yaml:"name"`
	Interval        Duration       `yaml:"interval"`
	MaxInconclusive int            `yaml:"maxInconclusive"`
	Metrics         []MetricConfig `yaml:"metrics"`
}

// Config is the controller configuration file.
type Config struct {
	// Listen is the control-plane API address.
	Listen string `yaml:"listen"`

	// DatabasePath is the SQLite file; ":memory:" runs without a file.
	DatabasePath string `yaml:"databasePath"`

	// Engine selects the tick runner: "sync" or "durable".
	Engine string `yaml:"engine"`

	Kubernetes struct {
		Namespace  string `yaml:"namespace"`
		Kubeconfig string `yaml:"kubeconfig"`
	} `yaml:"kubernetes"`

	Prometheus struct {
		Address string   `yaml:"address"`
		Timeout Duration `yaml:"timeout"`
	} `yaml:"prometheus"`

	Orchestrator struct {
		Interval    Duration `yaml:"interval"`
		MaxBackoff  Duration `yaml:"maxBackoff"`
		RetryBudget int      `yaml:"retryBudget"`
	} `yaml:"orchestrator"`

	Analysis struct {
		Interval        Duration `yaml:"interval"`
		MaxInconclusive int      `yaml:"maxInconclusive"`
	} `yaml:"analysis"`

	// PhaseTimeouts caps how long a run may sit in a phase before a
	// forced rollback. Omitted phases have no limit.
	PhaseTimeouts map[string]Duration `yaml:"phaseTimeouts"`

	Templates []TemplateConfig `yaml:"templates"`
}

// Default returns the configuration used when the file omits a value.
func Default() Config {
	var c Config
	c.Listen = ":8700"
	c.DatabasePath = "rollouts.db"
	c.Engine = "sync"
	c.Kubernetes.Namespace = "default"
	c.Prometheus.Timeout = Duration(30 * time.Second)
	c.Orchestrator.Interval = Duration(5 * time.Second)
	c.Orchestrator.MaxBackoff = Duration(2 * time.Minute)
	c.Orchestrator.RetryBudget = 5
	c.Analysis.Interval = Duration(30 * time.Second)
	c.Analysis.MaxInconclusive = 3
	return c
}

// Load reads the YAML file at path over the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) validate() error {
	switch c.Engine {
	case "sync", "durable":
	default:
		return fmt.Errorf("%w: engine must be sync or durable, got %q", domain.ErrInvalidArgument, c.Engine)
	}
	for phase := range c.PhaseTimeouts {
		switch domain.Phase(phase) {
		case domain.PhaseInitializing, domain.PhaseProgressing, domain.PhasePaused,
			domain.PhaseAnalyzing, domain.PhaseRollingBack:
		default:
			return fmt.Errorf("%w: unknown phase %q in phaseTimeouts", domain.ErrInvalidArgument, phase)
		}
	}
	if _, err := c.AnalysisTemplates(); err != nil {
		return err
	}
	if len(c.Templates) > 0 && c.Prometheus.Address == "" {
		return fmt.Errorf("%w: prometheus.address is required when analysis templates are configured", domain.ErrInvalidArgument)
	}
	return nil
}

// AnalysisTemplates builds the domain template registry.
func (c Config) AnalysisTemplates() (map[string]domain.AnalysisTemplate, error) {
	templates := make(map[string]domain.AnalysisTemplate, len(c.Templates))
	for _, tc := range c.Templates {
		if tc.Name == "" {
			return nil, fmt.Errorf("%w: template name is required", domain.ErrInvalidArgument)
		}
		if _, ok := templates[tc.Name]; ok {
			return nil, fmt.Errorf("%w: duplicate template %q", domain.ErrInvalidArgument, tc.Name)
		}
		tmpl := domain.AnalysisTemplate{
			Name:            tc.Name,
			Interval:        tc.Interval.Std(),
			MaxInconclusive: tc.MaxInconclusive,
		}
		for _, mc := range tc.Metrics {
			cond, err := domain.ParseCondition(mc.Condition)
			if err != nil {
				return nil, fmt.Errorf("template %q metric %q: %w", tc.Name, mc.Name, err)
			}
			failOpen := true
			if mc.FailOpen != nil {
				failOpen = *mc.FailOpen
			}
			tmpl.Metrics = append(tmpl.Metrics, domain.Metric{
				Name:      mc.Name,
				Query:     mc.Query,
				Condition: cond,
				Window:    mc.Window.Std(),
				FailOpen:  failOpen,
			})
		}
		templates[tc.Name] = tmpl
	}
	return templates, nil
}

// TickPolicies builds the state machine policy set.
func (c Config) TickPolicies() domain.TickPolicies {
	p := domain.TickPolicies{
		AnalysisInterval: c.Analysis.Interval.Std(),
		MaxInconclusive:  c.Analysis.MaxInconclusive,
	}
	if len(c.PhaseTimeouts) > 0 {
		p.PhaseTimeouts = make(map[domain.Phase]time.Duration, len(c.PhaseTimeouts))
		for phase, d := range c.PhaseTimeouts {
			p.PhaseTimeouts[domain.Phase(phase)] = d.Std()
		}
	}
	return p
}
