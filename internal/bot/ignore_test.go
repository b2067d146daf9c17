package bot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repo-helper/helperbot/internal/cfg"
)

func TestIgnoreRuleMatch(t *testing.T) {
	rule, err := NewIgnoreRule("dependabot", `.pusher.name == "dependabot[bot]"`)
	require.NoError(t, err)

	match, err := rule.Match(context.Background(), []byte(`{"pusher": {"name": "dependabot[bot]"}}`))
	require.NoError(t, err)
	assert.True(t, match)

	match, err = rule.Match(context.Background(), []byte(`{"pusher": {"name": "someone"}}`))
	require.NoError(t, err)
	assert.False(t, match)
}

func TestIgnoreRuleNonBoolResultFails(t *testing.T) {
	rule, err := NewIgnoreRule("broken", `.pusher.name`)
	require.NoError(t, err)

	_, err = rule.Match(context.Background(), []byte(`{"pusher": {"name": "someone"}}`))
	require.Error(t, err)
}

func TestIgnoreRuleEmptyPayloadFails(t *testing.T) {
	rule, err := NewIgnoreRule("rule", `true`)
	require.NoError(t, err)

	_, err = rule.Match(context.Background(), nil)
	require.Error(t, err)
}

func TestIgnoreRulesFromCfg(t *testing.T) {
	rules, err := IgnoreRulesFromCfg(&cfg.Config{
		IgnoreRules: []*cfg.IgnoreRule{
			{Name: "forks", FilterQuery: ".repository.fork == true"},
		},
	})
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "forks", rules[0].Name())

	_, err = IgnoreRulesFromCfg(&cfg.Config{
		IgnoreRules: []*cfg.IgnoreRule{
			{Name: "broken", FilterQuery: ".[unclosed"},
		},
	})
	require.Error(t, err)
}
