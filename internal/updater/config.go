package updater

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"srwikisync/internal/srcom"
)

// Config is the updater's run configuration, loaded from a YAML file.
type Config struct {
	Wiki     WikiConfig     `yaml:"wiki"`
	Speedrun SpeedrunConfig `yaml:"speedrun"`
	Behavior BehaviorConfig `yaml:"behavior"`
}

// WikiConfig identifies the wiki, the bot account, and the target page.
type WikiConfig struct {
	// APIURL is the wiki's api.php endpoint.
	APIURL string `yaml:"api_url"`
	// Username / Password are bot credentials (Special:BotPasswords).
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// PageTitle is the page holding the record sections.
	PageTitle string `yaml:"page_title"`
}

// SpeedrunConfig configures the speedrun.com API client.
type SpeedrunConfig struct {
	// APIBase is the API root (default: the public v1 endpoint).
	APIBase string `yaml:"api_base"`
	// UserAgent identifies the bot to the API; required by its terms.
	UserAgent string `yaml:"user_agent"`
}

// BehaviorConfig tunes run behavior.
type BehaviorConfig struct {
	// SectionName, when set, names the section to update; otherwise the
	// section is inferred from the mapping file.
	SectionName string `yaml:"section_name"`
	// RequestDelay is the pause between leaderboard fetches.
	RequestDelay time.Duration `yaml:"request_delay"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Speedrun: SpeedrunConfig{
			APIBase: srcom.DefaultAPIBase,
		},
		Behavior: BehaviorConfig{
			RequestDelay: time.Second,
		},
	}
}

// LoadConfig reads path into DefaultConfig and validates the result.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Wiki.APIURL == "" {
		return fmt.Errorf("wiki.api_url is required")
	}
	if c.Wiki.PageTitle == "" {
		return fmt.Errorf("wiki.page_title is required")
	}
	if c.Speedrun.UserAgent == "" {
		return fmt.Errorf("speedrun.user_agent is required")
	}
	if c.Behavior.RequestDelay < 0 {
		return fmt.Errorf("behavior.request_delay must not be negative")
	}
	return nil
}
