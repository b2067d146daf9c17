package cfg

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const exampleCfg = `
http_server_listen_addr = ":8080"
github_webhook_endpoint = "/listener/github"
github_webhook_secret = "hunter2"
github_app_id = 1234
github_app_private_key_file = "/etc/helperbot/key.pem"
database_path = "/var/lib/helperbot/helperbot.sqlite"
generator_command = ["repo-helper", "--colour=never"]
maintainer = "domdfcoding"

[[ignore_rule]]
name = "own-pushes"
filter_query = ".pusher.name == \"repo-helper[bot]\""
`

func TestLoad(t *testing.T) {
	config, err := Load(strings.NewReader(exampleCfg))
	require.NoError(t, err)

	assert.Equal(t, ":8080", config.HTTPListenAddr)
	assert.Equal(t, "/listener/github", config.GithubWebhookEndpoint)
	assert.Equal(t, int64(1234), config.GithubAppID)
	assert.Equal(t, "/var/lib/helperbot/helperbot.sqlite", config.DatabasePath)
	assert.Equal(t, []string{"repo-helper", "--colour=never"}, config.GeneratorCommand)
	assert.Equal(t, "domdfcoding", config.Maintainer)

	require.Len(t, config.IgnoreRules, 1)
	assert.Equal(t, "own-pushes", config.IgnoreRules[0].Name)
}

func TestLoadAppliesDefaults(t *testing.T) {
	config, err := Load(strings.NewReader(`
github_webhook_endpoint = "/listener/github"
github_app_id = 1
github_app_private_key_file = "key.pem"
`))
	require.NoError(t, err)

	assert.Equal(t, DefLogFormat, config.LogFormat)
	assert.Equal(t, DefLogLevel, config.LogLevel)
	assert.Equal(t, DefDatabasePath, config.DatabasePath)
	assert.Equal(t, []string{"repo-helper"}, config.GeneratorCommand)
	assert.Equal(t, DefBotName, config.BotName)
	assert.Equal(t, DefBotEmail, config.BotEmail)
}

func TestLoadFailsWithoutAppID(t *testing.T) {
	_, err := Load(strings.NewReader(`
github_webhook_endpoint = "/listener/github"
github_app_private_key_file = "key.pem"
`))
	require.ErrorContains(t, err, "github_app_id")
}

func TestLoadFailsOnIgnoreRuleWithoutQuery(t *testing.T) {
	_, err := Load(strings.NewReader(`
github_webhook_endpoint = "/listener/github"
github_app_id = 1
github_app_private_key_file = "key.pem"

[[ignore_rule]]
name = "broken"
`))
	require.ErrorContains(t, err, "filter_query")
}
