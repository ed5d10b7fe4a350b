package moderation

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ashureev/perfumaria/internal/domain"
	"github.com/ashureev/perfumaria/internal/recommend"
)

//go:embed default_rules.yaml
var defaultRulesYAML []byte

// Rule adds Weight to Tag for every keyword found in a comment.
type Rule struct {
	Tag      string   `yaml:"tag"`
	Weight   float64  `yaml:"weight"`
	Keywords []string `yaml:"keywords"`
}

// RuleSet is the content of a rules file.
type RuleSet struct {
	MinScore     float64 `yaml:"min_score"`
	LowRating    int     `yaml:"low_rating"`
	HighRating   int     `yaml:"high_rating"`
	RatingWeight float64 `yaml:"rating_weight"`
	Rules        []Rule  `yaml:"rules"`
}

// ParseRules decodes and validates a YAML rule set.
func ParseRules(data []byte) (*RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parse moderation rules: %w", err)
	}
	if len(rs.Rules) == 0 {
		return nil, fmt.Errorf("moderation rules: no rules defined")
	}
	for i, r := range rs.Rules {
		if r.Tag == "" {
			return nil, fmt.Errorf("moderation rules: rule %d has no tag", i)
		}
		if r.Weight <= 0 || r.Weight > 1 {
			return nil, fmt.Errorf("moderation rules: rule %q weight must be in (0,1]", r.Tag)
		}
		for j, kw := range r.Keywords {
			rs.Rules[i].Keywords[j] = strings.ToLower(kw)
		}
	}
	return &rs, nil
}

// LoadRules reads a rule set from path, or the built-in set when path is empty.
func LoadRules(path string) (*RuleSet, error) {
	if path == "" {
		return ParseRules(defaultRulesYAML)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read moderation rules: %w", err)
	}
	return ParseRules(data)
}

// RulesClassifier scores reviews locally from keyword rules and the rating.
type RulesClassifier struct {
	rules *RuleSet
	now   func() time.Time
}

var _ recommend.Classifier = (*RulesClassifier)(nil)

// NewRulesClassifier creates a classifier from rs.
func NewRulesClassifier(rs *RuleSet) *RulesClassifier {
	return &RulesClassifier{rules: rs, now: time.Now}
}

// Classify scores the review in req.
func (c *RulesClassifier) Classify(ctx context.Context, req recommend.ModerationRequest) (*domain.ModerationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	comment := strings.ToLower(req.Comment)
	scores := map[string]float64{}
	var matched []string
	for _, r := range c.rules.Rules {
		for _, kw := range r.Keywords {
			if kw != "" && strings.Contains(comment, kw) {
				scores[r.Tag] += r.Weight
				matched = append(matched, kw)
			}
		}
	}
	if c.rules.LowRating > 0 && req.Rating <= c.rules.LowRating {
		scores[domain.TagNegative] += c.rules.RatingWeight
	}
	if c.rules.HighRating > 0 && req.Rating >= c.rules.HighRating {
		scores[domain.TagPositive] += c.rules.RatingWeight
	}

	tags := []string{}
	confidence := 0.0
	for tag, score := range scores {
		score = min(score, 1)
		if score < c.rules.MinScore {
			continue
		}
		tags = append(tags, tag)
		confidence = max(confidence, score)
	}
	sort.Strings(tags)

	reason := "nenhum sinal relevante encontrado"
	if len(matched) > 0 {
		reason = "palavras-chave: " + strings.Join(matched, ", ")
	} else if len(tags) > 0 {
		reason = fmt.Sprintf("nota %d", req.Rating)
	}

	return &domain.ModerationResult{
		Confidence:   confidence,
		Tags:         tags,
		Reason:       reason,
		Source:       "rules",
		ClassifiedAt: c.now(),
	}, nil
}
