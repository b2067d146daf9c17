// Package cfg loads the helperbot configuration file.
package cfg

import (
	"errors"
	"fmt"
	"io"

	"github.com/pelletier/go-toml"
)

// Defaults that are applied by Load() when the corresponding setting is
// unset in the configuration file.
const (
	DefLogFormat  = "logfmt"
	DefLogLevel   = "info"
	DefLogTimeKey = "time_iso8601"

	DefDatabasePath = "helperbot.sqlite"

	DefBotName  = "repo-helper[bot]"
	DefBotEmail = "74742576+repo-helper[bot]@users.noreply.github.com"
)

type Config struct {
	HTTPListenAddr  string `toml:"http_server_listen_addr"`
	HTTPSListenAddr string `toml:"https_server_listen_addr"`
	HTTPSCertFile   string `toml:"https_ssl_cert_file"`
	HTTPSKeyFile    string `toml:"https_ssl_key_file"`

	GithubWebhookEndpoint   string `toml:"github_webhook_endpoint"`
	GithubWebhookSecret     string `toml:"github_webhook_secret"`
	GithubAppID             int64  `toml:"github_app_id"`
	GithubAppPrivateKeyFile string `toml:"github_app_private_key_file"`

	DatabasePath string `toml:"database_path"`

	// GeneratorCommand is the argument vector of the external generator
	// that rewrites the managed configuration files of a clone.
	GeneratorCommand []string `toml:"generator_command"`

	// BotName and BotEmail are used as git author and committer identity
	// for commits on the update branch.
	BotName  string `toml:"bot_name"`
	BotEmail string `toml:"bot_email"`

	// Maintainer is the github login that is assigned to new issues and
	// pull requests and requested as reviewer.
	Maintainer string `toml:"maintainer"`

	LogFormat  string `toml:"log_format"`
	LogTimeKey string `toml:"log_time_key"`
	LogLevel   string `toml:"log_level"`

	IgnoreRules []*IgnoreRule `toml:"ignore_rule"`
}

// IgnoreRule defines a jq filter query that is evaluated against the JSON
// payload of received webhook events.
// Events for that the query evaluates to true are discarded.
type IgnoreRule struct {
	Name        string `toml:"name"`
	FilterQuery string `toml:"filter_query"`
}

func Load(reader io.Reader) (*Config, error) {
	var result Config

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	result.applyDefaults()

	if err := result.validate(); err != nil {
		return nil, err
	}

	return &result, nil
}

func (c *Config) applyDefaults() {
	if c.LogFormat == "" {
		c.LogFormat = DefLogFormat
	}

	if c.LogLevel == "" {
		c.LogLevel = DefLogLevel
	}

	if c.LogTimeKey == "" {
		c.LogTimeKey = DefLogTimeKey
	}

	if c.DatabasePath == "" {
		c.DatabasePath = DefDatabasePath
	}

	if len(c.GeneratorCommand) == 0 {
		c.GeneratorCommand = []string{"repo-helper"}
	}

	if c.BotName == "" {
		c.BotName = DefBotName
	}

	if c.BotEmail == "" {
		c.BotEmail = DefBotEmail
	}
}

func (c *Config) validate() error {
	if c.GithubAppID == 0 {
		return errors.New("missing field: 'github_app_id'")
	}

	if c.GithubAppPrivateKeyFile == "" {
		return errors.New("missing field: 'github_app_private_key_file'")
	}

	if c.GithubWebhookEndpoint == "" {
		return errors.New("missing field: 'github_webhook_endpoint'")
	}

	for i, rule := range c.IgnoreRules {
		if rule.Name == "" {
			return fmt.Errorf("ignore_rule %d: missing field: 'name'", i)
		}

		if rule.FilterQuery == "" {
			return fmt.Errorf("ignore_rule %q: missing field: 'filter_query'", rule.Name)
		}
	}

	return nil
}

func (c *Config) Marshal(writer io.Writer) error {
	return toml.NewEncoder(writer).Encode(c)
}
