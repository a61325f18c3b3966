package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/ansuz/internal/llm"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App       ApplicationConfig `yaml:"app"`
	Library   LibraryConfig     `yaml:"library"`
	SQLite    SQLiteConfig      `yaml:"sqlite"`
	LLM       LLMConfig         `yaml:"llm"`
	Agent     AgentConfig       `yaml:"agent"`
	Execution ExecutionConfig   `yaml:"execution"`
	Runner    RunnerConfig      `yaml:"runner"`
	Auth      AuthConfig        `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Library.Validate(); err != nil {
		return err
	}
	if err := c.SQLite.Validate(); err != nil {
		return err
	}
	if err := c.LLM.Validate(); err != nil {
		return err
	}
	if err := c.Agent.Validate(); err != nil {
		return err
	}
	if err := c.Execution.Validate(); err != nil {
		return err
	}
	if err := c.Runner.Validate(); err != nil {
		return err
	}
	return c.Auth.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// LibraryConfig holds the path to the book library directory.
type LibraryConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the library configuration.
func (c *LibraryConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// SQLiteConfig holds SQLite database configuration. The knowledge
// index and the response cache live in separate files so that purging
// the cache never touches indexed books.
type SQLiteConfig struct {
	KnowledgePath   string `yaml:"knowledge_path"`
	CachePath       string `yaml:"cache_path"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
}

// CacheTTL returns the response cache time-to-live. Zero means entries
// never expire.
func (c *SQLiteConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// Validate validates the SQLite configuration.
func (c *SQLiteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.KnowledgePath, validation.Required),
		validation.Field(&c.CachePath, validation.Required),
		validation.Field(&c.CacheTTLSeconds, validation.Min(0)),
	)
}

// ProviderConfig describes one OpenAI-compatible chat endpoint.
type ProviderConfig struct {
	Name    string `yaml:"name"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// Validate validates the provider configuration.
func (c *ProviderConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Name, validation.Required),
		validation.Field(&c.APIKey, validation.Required),
	)
}

// RouteConfig maps one call purpose to a provider and model.
type RouteConfig struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	Temperature float32 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// Validate validates the route configuration.
func (c *RouteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Provider, validation.Required),
		validation.Field(&c.Model, validation.Required),
		validation.Field(&c.MaxTokens, validation.Min(0)),
	)
}

// LLMConfig holds providers and the purpose routing table.
type LLMConfig struct {
	Providers     []ProviderConfig       `yaml:"providers"`
	Routes        map[string]RouteConfig `yaml:"routes"`
	RetryAttempts int                    `yaml:"retry_attempts"`
}

var knownPurposes = map[string]llm.Purpose{
	"summarize": llm.PurposeSummarize,
	"classify":  llm.PurposeClassify,
	"extract":   llm.PurposeExtract,
	"evaluate":  llm.PurposeEvaluate,
	"code":      llm.PurposeCode,
}

// Validate validates the LLM configuration. Every route must reference
// a declared provider and a known purpose.
func (c *LLMConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Providers, validation.Required),
		validation.Field(&c.Routes, validation.Required),
		validation.Field(&c.RetryAttempts, validation.Min(0)),
	); err != nil {
		return err
	}
	names := make(map[string]bool, len(c.Providers))
	for i := range c.Providers {
		if err := c.Providers[i].Validate(); err != nil {
			return fmt.Errorf("llm: provider %d: %w", i, err)
		}
		if names[c.Providers[i].Name] {
			return fmt.Errorf("llm: duplicate provider name %q", c.Providers[i].Name)
		}
		names[c.Providers[i].Name] = true
	}
	for purpose, route := range c.Routes {
		if _, ok := knownPurposes[purpose]; !ok {
			return fmt.Errorf("llm: unknown purpose %q in routes", purpose)
		}
		if err := route.Validate(); err != nil {
			return fmt.Errorf("llm: route %q: %w", purpose, err)
		}
		if !names[route.Provider] {
			return fmt.Errorf("llm: route %q references undeclared provider %q", purpose, route.Provider)
		}
	}
	return nil
}

// RoutingTable converts the YAML routing table to gateway routes.
func (c *LLMConfig) RoutingTable() map[llm.Purpose]llm.Route {
	routes := make(map[llm.Purpose]llm.Route, len(c.Routes))
	for name, r := range c.Routes {
		purpose, ok := knownPurposes[name]
		if !ok {
			continue
		}
		routes[purpose] = llm.Route{
			Provider:    r.Provider,
			Model:       r.Model,
			Temperature: r.Temperature,
			MaxTokens:   r.MaxTokens,
		}
	}
	return routes
}

// AgentConfig bounds the reasoning loop and the index builder.
type AgentConfig struct {
	MaxDepth       int     `yaml:"max_depth"`
	StopConfidence float64 `yaml:"stop_confidence"`
	BudgetSeconds  int     `yaml:"budget_seconds"`
	Parallel       int     `yaml:"parallel"`
	ChunkSize      int     `yaml:"chunk_size"`
}

// Budget returns the per-question wall-clock budget. Zero means no
// budget beyond the depth bound.
func (c *AgentConfig) Budget() time.Duration {
	return time.Duration(c.BudgetSeconds) * time.Second
}

// Validate validates the agent configuration.
func (c *AgentConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.MaxDepth, validation.Min(0)),
		validation.Field(&c.StopConfidence, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&c.BudgetSeconds, validation.Min(0)),
		validation.Field(&c.Parallel, validation.Min(0)),
		validation.Field(&c.ChunkSize, validation.Min(0)),
	)
}

// LocalExecConfig configures the in-process sandbox executor.
type LocalExecConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Interpreter    []string `yaml:"interpreter"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Timeout returns the per-run timeout for local execution.
func (c *LocalExecConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SSHExecConfig configures the remote-shell executor.
type SSHExecConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Addr           string `yaml:"addr"`
	User           string `yaml:"user"`
	KeyFile        string `yaml:"key_file"`
	Interpreter    string `yaml:"interpreter"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the per-run timeout for remote-shell execution.
func (c *SSHExecConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Validate validates the SSH executor configuration.
func (c *SSHExecConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.Addr, validation.Required),
		validation.Field(&c.User, validation.Required),
		validation.Field(&c.KeyFile, validation.Required),
	)
}

// HTTPExecConfig configures the remote-http executor, which posts
// artifacts to a runner service.
type HTTPExecConfig struct {
	Enabled        bool   `yaml:"enabled"`
	URL            string `yaml:"url"`
	Token          string `yaml:"token"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the per-run timeout for remote-http execution.
func (c *HTTPExecConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Validate validates the HTTP executor configuration.
func (c *HTTPExecConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.URL, validation.Required),
	)
}

// ExecutionConfig holds artifact storage and executor targets.
type ExecutionConfig struct {
	ArtifactsPath string          `yaml:"artifacts_path"`
	Local         LocalExecConfig `yaml:"local"`
	SSH           SSHExecConfig   `yaml:"ssh"`
	HTTP          HTTPExecConfig  `yaml:"http"`
}

// Validate validates the execution configuration.
func (c *ExecutionConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.ArtifactsPath, validation.Required),
	); err != nil {
		return err
	}
	if err := c.SSH.Validate(); err != nil {
		return err
	}
	return c.HTTP.Validate()
}

// RunnerConfig configures the standalone execution runner service
// started by the runner subcommand.
type RunnerConfig struct {
	Port              int      `yaml:"port"`
	Token             string   `yaml:"token"`
	Interpreter       []string `yaml:"interpreter"`
	MaxTimeoutSeconds int      `yaml:"max_timeout_seconds"`
}

// MaxTimeout caps the per-request timeout a client may ask for.
func (c *RunnerConfig) MaxTimeout() time.Duration {
	return time.Duration(c.MaxTimeoutSeconds) * time.Second
}

// Address returns the runner listen address.
func (c *RunnerConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the runner configuration.
func (c *RunnerConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.MaxTimeoutSeconds, validation.Min(0)),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	// Normalise empty mode to "disabled" for backward compatibility.
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Library: LibraryConfig{
			Path: "./library",
		},
		SQLite: SQLiteConfig{
			KnowledgePath:   "./ansuz.db",
			CachePath:       "./ansuz-cache.db",
			CacheTTLSeconds: 0,
		},
		LLM: LLMConfig{
			Providers: []ProviderConfig{
				{Name: "openai", APIKey: "${OPENAI_API_KEY}"},
			},
			Routes: map[string]RouteConfig{
				"summarize": {Provider: "openai", Model: "gpt-4o-mini", Temperature: 0.2},
				"classify":  {Provider: "openai", Model: "gpt-4o", Temperature: 0},
				"extract":   {Provider: "openai", Model: "gpt-4o-mini", Temperature: 0},
				"evaluate":  {Provider: "openai", Model: "gpt-4o", Temperature: 0},
				"code":      {Provider: "openai", Model: "gpt-4o", Temperature: 0.2},
			},
			RetryAttempts: 3,
		},
		Agent: AgentConfig{
			MaxDepth:       3,
			StopConfidence: 0.8,
			Parallel:       4,
			ChunkSize:      12000,
		},
		Execution: ExecutionConfig{
			ArtifactsPath: "./artifacts",
			Local: LocalExecConfig{
				Enabled:        true,
				Interpreter:    []string{"python3"},
				TimeoutSeconds: 60,
			},
		},
		Runner: RunnerConfig{
			Port:              8090,
			Interpreter:       []string{"python3"},
			MaxTimeoutSeconds: 300,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
