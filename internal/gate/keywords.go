// Package gate decides whether a photo should be sent to the remote vision
// API: an on-device classifier scores the image and a keyword table maps
// classifier labels to the food domain. Borderline images can be forced
// through once via a fingerprint-keyed override.
package gate

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed keywords.yaml
var keywordsYAML []byte

type keywordFile struct {
	FoodKeywords []string `yaml:"food_keywords"`
}

// KeywordTable matches classifier labels against the food vocabulary.
type KeywordTable struct {
	keywords []string
}

// LoadKeywordTable parses a YAML keyword table.
func LoadKeywordTable(data []byte) (*KeywordTable, error) {
	var f keywordFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse keyword table: %w", err)
	}
	if len(f.FoodKeywords) == 0 {
		return nil, fmt.Errorf("keyword table has no food_keywords")
	}
	kws := make([]string, 0, len(f.FoodKeywords))
	for _, k := range f.FoodKeywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			kws = append(kws, k)
		}
	}
	return &KeywordTable{keywords: kws}, nil
}

// DefaultKeywordTable returns the embedded table. The embedded file is
// validated by tests, so parse failure is a programmer error.
func DefaultKeywordTable() *KeywordTable {
	t, err := LoadKeywordTable(keywordsYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded keywords.yaml invalid: %v", err))
	}
	return t
}

// IsFoodLabel reports whether a classifier label names something edible.
// Labels are compared case-insensitively; multi-word labels match if any
// keyword appears as a substring.
func (t *KeywordTable) IsFoodLabel(label string) bool {
	l := strings.ToLower(label)
	for _, k := range t.keywords {
		if strings.Contains(l, k) {
			return true
		}
	}
	return false
}

// Size returns the number of keywords loaded.
func (t *KeywordTable) Size() int { return len(t.keywords) }
