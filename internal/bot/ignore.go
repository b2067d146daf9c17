package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/repo-helper/helperbot/internal/cfg"
)

// IgnoreRule suppresses processing of webhook events whose JSON payload
// matches a jq filter query.
type IgnoreRule struct {
	name        string
	filterQuery *gojq.Query
}

func NewIgnoreRule(name, jqQuery string) (*IgnoreRule, error) {
	query, err := gojq.Parse(jqQuery)
	if err != nil {
		return nil, err
	}

	return &IgnoreRule{
		name:        name,
		filterQuery: query,
	}, nil
}

func (r *IgnoreRule) Name() string {
	return r.name
}

func goJQIterToSlice(iter gojq.Iter) ([]any, []error) {
	var result []any
	var errs []error

	for {
		res, ok := iter.Next()
		if !ok {
			return result, errs
		}

		if err, isErr := res.(error); isErr {
			errs = append(errs, err)
			continue
		}

		result = append(result, res)
	}
}

func errString(errs []error) string {
	var result strings.Builder

	for i, err := range errs {
		if i > 0 {
			result.WriteString("; ")
		}

		result.WriteString(fmt.Sprintf("error %d: %s", i, err))
	}

	return result.String()
}

// Match returns true when the filter query of the rule evaluates to true for
// the JSON representation of the event payload.
// The query must return exactly one boolean result.
func (r *IgnoreRule) Match(ctx context.Context, payload []byte) (bool, error) {
	var evUn any

	if len(payload) == 0 {
		return false, errors.New("event payload is empty")
	}

	if err := json.Unmarshal(payload, &evUn); err != nil {
		return false, fmt.Errorf("unmarshaling json failed: %w", err)
	}

	result, errs := goJQIterToSlice(r.filterQuery.RunWithContext(ctx, evUn))
	if len(errs) != 0 {
		return false, fmt.Errorf("json query returned errors, query: %q, errors: %s", r.filterQuery.String(), errString(errs))
	}

	if len(result) != 1 {
		return false, fmt.Errorf("json query returned %d results, expected 1, query: %q", len(result), r.filterQuery.String())
	}

	val, ok := result[0].(bool)
	if !ok {
		return false, fmt.Errorf(
			"json query returned non-bool result: %+v (%T), query: %q",
			result[0], result[0], r.filterQuery.String(),
		)
	}

	return val, nil
}

// IgnoreRulesFromCfg instantiates IgnoreRules from the configuration.
func IgnoreRulesFromCfg(config *cfg.Config) ([]*IgnoreRule, error) {
	result := make([]*IgnoreRule, 0, len(config.IgnoreRules))

	for _, cfgRule := range config.IgnoreRules {
		rule, err := NewIgnoreRule(cfgRule.Name, cfgRule.FilterQuery)
		if err != nil {
			return nil, fmt.Errorf("ignore rule %s: parsing filter query failed: %w", cfgRule.Name, err)
		}

		result = append(result, rule)
	}

	return result, nil
}
