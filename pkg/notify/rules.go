package notify

import (
	"fmt"
	"strings"
)

// TargetConfig is one queue/topic/lambda declaration from a bucket's stored
// notification configuration.
type TargetConfig struct {
	ARN          string   `json:"arn"`
	Events       []string `json:"events"`
	FilterPrefix string   `json:"filterPrefix,omitempty"`
	FilterSuffix string   `json:"filterSuffix,omitempty"`
}

// Config is the per-bucket notification configuration as persisted by the
// bucket metadata system.
type Config struct {
	QueueConfigurations          []TargetConfig `json:"queueConfigurations,omitempty"`
	TopicConfigurations          []TargetConfig `json:"topicConfigurations,omitempty"`
	LambdaFunctionConfigurations []TargetConfig `json:"lambdaFunctionConfigurations,omitempty"`
}

// Empty reports whether the configuration declares no targets at all.
func (c *Config) Empty() bool {
	return c == nil ||
		len(c.QueueConfigurations)+len(c.TopicConfigurations)+len(c.LambdaFunctionConfigurations) == 0
}

// Rule is a normalized event-routing record: which events on which keys go
// to which target.
type Rule struct {
	Target TargetID
	Events []string
	Prefix string
	Suffix string
}

// Matches reports whether the rule applies to the given event type and key.
// Event names match on exact value or wildcard prefix ("s3:ObjectCreated:*").
func (r Rule) Matches(eventType, key string) bool {
	if r.Prefix != "" && !strings.HasPrefix(key, r.Prefix) {
		return false
	}
	if r.Suffix != "" && !strings.HasSuffix(key, r.Suffix) {
		return false
	}
	for _, ev := range r.Events {
		if ev == eventType {
			return true
		}
		if strings.HasSuffix(ev, "*") && strings.HasPrefix(eventType, strings.TrimSuffix(ev, "*")) {
			return true
		}
	}
	return false
}

// TranslateConfig converts queue, topic and lambda declarations into
// normalized rules. A declaration with an unparsable ARN is reported in the
// returned error slice and skipped; valid declarations still translate, so
// one bad target never discards a bucket's remaining configuration.
func TranslateConfig(cfg *Config) ([]Rule, []error) {
	if cfg.Empty() {
		return nil, nil
	}
	var rules []Rule
	var errs []error
	translate := func(kind string, decls []TargetConfig) {
		for _, d := range decls {
			arn, err := ParseARN(d.ARN)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s configuration: %w", kind, err))
				continue
			}
			rules = append(rules, Rule{
				Target: arn.Target,
				Events: d.Events,
				Prefix: d.FilterPrefix,
				Suffix: d.FilterSuffix,
			})
		}
	}
	translate("queue", cfg.QueueConfigurations)
	translate("topic", cfg.TopicConfigurations)
	translate("lambda", cfg.LambdaFunctionConfigurations)
	return rules, errs
}
