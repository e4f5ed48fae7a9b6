package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/dyluth/parley/internal/routing"
	"github.com/dyluth/parley/pkg/message"
	"gopkg.in/yaml.v3"
)

// DefaultFile is the configuration file name looked up in the working directory.
const DefaultFile = "parley.yml"

// Backend names accepted by mailbox.backend.
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
	BackendAMQP   = "amqp"
)

var instanceNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ParleyConfig represents the top-level parley.yml configuration
type ParleyConfig struct {
	Version  string           `yaml:"version"`
	Instance string           `yaml:"instance,omitempty"`
	Routing  *RoutingConfig   `yaml:"routing,omitempty"`
	Queue    *QueueConfig     `yaml:"queue,omitempty"`
	Audit    *AuditConfig     `yaml:"audit,omitempty"`
	Mailbox  *MailboxConfig   `yaml:"mailbox,omitempty"`
	Agents   map[string]Agent `yaml:"agents"`
	Server   *ServerConfig    `yaml:"server,omitempty"`
}

// RoutingConfig holds the three rule tables and the strategy policies.
// A table left out of the file gets the built-in defaults; an explicit
// empty table ({}) stays empty.
type RoutingConfig struct {
	DefaultTimeout Duration                `yaml:"default_timeout,omitempty"`
	Priority       map[string]string       `yaml:"priority"`
	Type           map[string]string       `yaml:"type"`
	Role           map[string]string       `yaml:"role"`
	Policies       map[string]PolicyConfig `yaml:"policies,omitempty"`
}

// PolicyConfig is the delivery budget for one strategy.
type PolicyConfig struct {
	Timeout    Duration `yaml:"timeout,omitempty"`     // 0 = routing.default_timeout
	MaxRetries int      `yaml:"max_retries"`           // Retries after the first attempt
	RetryDelay Duration `yaml:"retry_delay,omitempty"` // Pause between attempts
}

// QueueConfig sizes the queue manager.
type QueueConfig struct {
	Capacity int `yaml:"capacity,omitempty"`
	Workers  int `yaml:"workers,omitempty"`
}

// AuditConfig sizes the audit history.
type AuditConfig struct {
	Capacity int   `yaml:"capacity,omitempty"`
	Mirror   *bool `yaml:"mirror,omitempty"` // Mirror entries to Redis (redis backend only)
}

// MailboxConfig selects and configures the mailbox store.
type MailboxConfig struct {
	Backend  string `yaml:"backend,omitempty"`
	RedisURL string `yaml:"redis_url,omitempty"`
	AMQPURL  string `yaml:"amqp_url,omitempty"`
	Exchange string `yaml:"exchange,omitempty"`
}

// Agent is a registered message recipient.
type Agent struct {
	Role        string `yaml:"role"`
	Description string `yaml:"description,omitempty"`
}

// ServerConfig configures the dispatcher's HTTP endpoint.
type ServerConfig struct {
	Addr string `yaml:"addr,omitempty"`
}

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

// UnmarshalYAML accepts duration strings and plain integers (seconds).
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	if parsed, err := time.ParseDuration(s); err == nil {
		*d = Duration(parsed)
		return nil
	}
	var secs int
	if err := node.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	return fmt.Errorf("invalid duration %q", s)
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// DefaultRouting returns the built-in routing configuration.
func DefaultRouting() *RoutingConfig {
	return &RoutingConfig{
		DefaultTimeout: Duration(30 * time.Second),
		Priority:       defaultPriorityRules(),
		Type:           defaultTypeRules(),
		Role:           defaultRoleRules(),
		Policies:       defaultPolicies(),
	}
}

func defaultPriorityRules() map[string]string {
	return map[string]string{"urgent": "urgent", "high": "priority"}
}

func defaultTypeRules() map[string]string {
	return map[string]string{"system_broadcast": "broadcast", "coordinator_to_agent": "directive"}
}

func defaultRoleRules() map[string]string {
	return map[string]string{"coordinator": "coordination"}
}

func defaultPolicies() map[string]PolicyConfig {
	return map[string]PolicyConfig{
		"urgent":       {Timeout: Duration(5 * time.Second), MaxRetries: 5},
		"priority":     {Timeout: Duration(10 * time.Second), MaxRetries: 3},
		"broadcast":    {Timeout: Duration(15 * time.Second), MaxRetries: 2},
		"directive":    {Timeout: Duration(10 * time.Second), MaxRetries: 3},
		"coordination": {Timeout: Duration(10 * time.Second), MaxRetries: 3},
		"standard":     {Timeout: Duration(30 * time.Second), MaxRetries: 1},
	}
}

// Default returns a complete, validated configuration for the given instance.
func Default(instance string) *ParleyConfig {
	cfg := &ParleyConfig{Version: "1.0", Instance: instance}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("default configuration is invalid: %v", err))
	}
	return cfg
}

// Validate performs strict validation and applies defaults for omitted sections.
func (c *ParleyConfig) Validate() error {
	// Required: version
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if c.Instance == "" {
		c.Instance = "default"
	}
	if !instanceNamePattern.MatchString(c.Instance) {
		return fmt.Errorf("invalid instance name '%s': use lowercase letters, digits, '-' and '_'", c.Instance)
	}

	if err := c.validateRouting(); err != nil {
		return err
	}

	if c.Queue == nil {
		c.Queue = &QueueConfig{}
	}
	if c.Queue.Capacity == 0 {
		c.Queue.Capacity = 1000
	}
	if c.Queue.Workers == 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.Capacity < 0 {
		return fmt.Errorf("queue.capacity must be > 0, got %d", c.Queue.Capacity)
	}
	if c.Queue.Workers < 0 {
		return fmt.Errorf("queue.workers must be > 0, got %d", c.Queue.Workers)
	}

	if c.Audit == nil {
		c.Audit = &AuditConfig{}
	}
	if c.Audit.Capacity == 0 {
		c.Audit.Capacity = 10000
	}
	if c.Audit.Capacity < 0 {
		return fmt.Errorf("audit.capacity must be > 0, got %d", c.Audit.Capacity)
	}

	if err := c.validateMailbox(); err != nil {
		return err
	}

	if c.Audit.Mirror == nil {
		mirror := c.Mailbox.Backend == BackendRedis
		c.Audit.Mirror = &mirror
	}

	if c.Agents == nil {
		c.Agents = make(map[string]Agent)
	}
	for name, agent := range c.Agents {
		if err := agent.Validate(name); err != nil {
			return err
		}
	}

	if c.Server == nil {
		c.Server = &ServerConfig{}
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}

	return nil
}

func (c *ParleyConfig) validateRouting() error {
	if c.Routing == nil {
		c.Routing = DefaultRouting()
		return nil
	}
	r := c.Routing

	if r.DefaultTimeout == 0 {
		r.DefaultTimeout = Duration(30 * time.Second)
	}
	if r.DefaultTimeout < 0 {
		return fmt.Errorf("routing.default_timeout must be positive, got %s", r.DefaultTimeout.Std())
	}
	if r.Priority == nil {
		r.Priority = defaultPriorityRules()
	}
	if r.Type == nil {
		r.Type = defaultTypeRules()
	}
	if r.Role == nil {
		r.Role = defaultRoleRules()
	}
	if r.Policies == nil {
		r.Policies = defaultPolicies()
	}

	for key, strategy := range r.Priority {
		if _, err := message.ParsePriority(key); err != nil {
			return fmt.Errorf("routing.priority: %w", err)
		}
		if strategy == "" {
			return fmt.Errorf("routing.priority[%s]: strategy cannot be empty", key)
		}
	}
	for key, strategy := range r.Type {
		if _, err := message.ParseType(key); err != nil {
			return fmt.Errorf("routing.type: %w", err)
		}
		if strategy == "" {
			return fmt.Errorf("routing.type[%s]: strategy cannot be empty", key)
		}
	}
	for key, strategy := range r.Role {
		if _, err := message.ParseRole(key); err != nil {
			return fmt.Errorf("routing.role: %w", err)
		}
		if strategy == "" {
			return fmt.Errorf("routing.role[%s]: strategy cannot be empty", key)
		}
	}

	for name, p := range r.Policies {
		if p.MaxRetries < 0 {
			return fmt.Errorf("routing.policies.%s.max_retries must be >= 0, got %d", name, p.MaxRetries)
		}
		if p.Timeout < 0 || p.RetryDelay < 0 {
			return fmt.Errorf("routing.policies.%s: timeout and retry_delay must not be negative", name)
		}
	}

	return nil
}

func (c *ParleyConfig) validateMailbox() error {
	if c.Mailbox == nil {
		c.Mailbox = &MailboxConfig{}
	}
	m := c.Mailbox

	if m.Backend == "" {
		m.Backend = BackendRedis
	}
	switch m.Backend {
	case BackendRedis:
		if m.RedisURL == "" {
			m.RedisURL = "redis://localhost:6379"
		}
	case BackendMemory:
	case BackendAMQP:
		if m.AMQPURL == "" {
			return fmt.Errorf("mailbox.amqp_url is required for the amqp backend")
		}
		if m.Exchange == "" {
			m.Exchange = "parley"
		}
	default:
		return fmt.Errorf("invalid mailbox.backend: %s (must be 'redis', 'memory', or 'amqp')", m.Backend)
	}
	return nil
}

// Validate performs validation on a single agent configuration
func (a *Agent) Validate(name string) error {
	if name == "" {
		return fmt.Errorf("agent name cannot be empty")
	}
	if a.Role == "" {
		return fmt.Errorf("agent '%s': role is required", name)
	}
	if _, err := message.ParseRole(a.Role); err != nil {
		return fmt.Errorf("agent '%s': %w", name, err)
	}
	return nil
}

// AgentRole returns the parsed role of a validated agent.
func (a Agent) AgentRole() message.Role {
	r, err := message.ParseRole(a.Role)
	if err != nil {
		return message.RoleAgent
	}
	return r
}

// RuleSet builds the routing rule set. Call on a validated config.
func (c *ParleyConfig) RuleSet() *routing.RuleSet {
	priority := make(map[message.Priority]string, len(c.Routing.Priority))
	for k, v := range c.Routing.Priority {
		p, _ := message.ParsePriority(k)
		priority[p] = v
	}
	types := make(map[message.Type]string, len(c.Routing.Type))
	for k, v := range c.Routing.Type {
		t, _ := message.ParseType(k)
		types[t] = v
	}
	roles := make(map[message.Role]string, len(c.Routing.Role))
	for k, v := range c.Routing.Role {
		r, _ := message.ParseRole(k)
		roles[r] = v
	}
	return routing.NewRuleSet(priority, types, roles)
}

// PolicyTable builds the strategy policy table. Call on a validated config.
func (c *ParleyConfig) PolicyTable() *routing.PolicyTable {
	policies := make(map[string]routing.Policy, len(c.Routing.Policies))
	for name, p := range c.Routing.Policies {
		policies[name] = routing.Policy{
			Timeout:    p.Timeout.Std(),
			MaxRetries: p.MaxRetries,
			RetryDelay: p.RetryDelay.Std(),
		}
	}
	return routing.NewPolicyTable(policies, c.Routing.DefaultTimeout.Std())
}

// ApplyEnv overrides instance and connection settings from the environment:
// PARLEY_INSTANCE_NAME, REDIS_URL and AMQP_URL.
func (c *ParleyConfig) ApplyEnv(getenv func(string) string) {
	if v := getenv("PARLEY_INSTANCE_NAME"); v != "" {
		c.Instance = v
	}
	if c.Mailbox == nil {
		c.Mailbox = &MailboxConfig{}
	}
	if v := getenv("REDIS_URL"); v != "" {
		c.Mailbox.RedisURL = v
	}
	if v := getenv("AMQP_URL"); v != "" {
		c.Mailbox.AMQPURL = v
	}
}

// Load reads parley.yml from the specified path, applies environment
// overrides and validates the result.
func Load(path string) (*ParleyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config ParleyConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	config.ApplyEnv(os.Getenv)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Save writes the configuration to path.
func (c *ParleyConfig) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
