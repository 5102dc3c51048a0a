package gate

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// Category names used by the built-in lexicon.
const (
	CategoryFrontend = "frontend"
	CategoryBackend  = "backend"
	CategoryDevOps   = "devops"
	CategorySecurity = "security"
	CategoryTesting  = "testing"
)

// Lexicon is the vocabulary probed by the gate. Entries are single words and
// are matched whole-word, case-insensitively.
type Lexicon struct {
	Categories map[string][]string `yaml:"categories" json:"categories"`
	Complexity []string            `yaml:"complexity" json:"complexity"`
}

// DefaultLexicon returns the built-in vocabulary: eight keywords for each of
// five categories and twenty complexity words.
func DefaultLexicon() *Lexicon {
	return &Lexicon{
		Categories: map[string][]string{
			CategoryFrontend: {"frontend", "react", "vue", "angular", "css", "html", "ui", "component"},
			CategoryBackend:  {"backend", "api", "database", "sql", "server", "endpoint", "microservice", "graphql"},
			CategoryDevOps:   {"devops", "docker", "kubernetes", "deploy", "pipeline", "terraform", "ci", "infrastructure"},
			CategorySecurity: {"security", "auth", "authentication", "encryption", "vulnerability", "oauth", "jwt", "permissions"},
			CategoryTesting:  {"test", "tests", "testing", "coverage", "jest", "pytest", "regression", "mock"},
		},
		Complexity: []string{
			"architecture", "refactor", "migrate", "migration", "scalable",
			"scalability", "distributed", "concurrency", "integrate", "integration",
			"optimize", "performance", "redesign", "orchestrate", "comprehensive",
			"multiple", "complex", "robust", "resilient", "workflow",
		},
	}
}

// LoadLexicon reads a YAML lexicon file.
func LoadLexicon(path string) (*Lexicon, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read lexicon: %w", err)
	}
	var lex Lexicon
	if err := yaml.Unmarshal(data, &lex); err != nil {
		return nil, fmt.Errorf("parse lexicon %s: %w", path, err)
	}
	if err := lex.validate(); err != nil {
		return nil, fmt.Errorf("lexicon %s: %w", path, err)
	}
	return &lex, nil
}

func (l *Lexicon) validate() error {
	if len(l.Categories) == 0 {
		return fmt.Errorf("no categories defined")
	}
	for name, words := range l.Categories {
		if len(words) == 0 {
			return fmt.Errorf("category %q has no keywords", name)
		}
		for _, w := range words {
			if !isWord(normalize(w)) {
				return fmt.Errorf("category %q: keyword %q must be a single word", name, w)
			}
		}
	}
	for _, w := range l.Complexity {
		if !isWord(normalize(w)) {
			return fmt.Errorf("complexity word %q must be a single word", w)
		}
	}
	return nil
}

// categoryNames returns the category names in sorted order.
func (l *Lexicon) categoryNames() []string {
	names := make([]string, 0, len(l.Categories))
	for name := range l.Categories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalize(w string) string {
	return strings.ToLower(strings.TrimSpace(w))
}

func isWord(w string) bool {
	return w != "" && strings.IndexFunc(w, notWordRune) < 0
}

// notWordRune reports whether r separates words. Letters and digits of any
// script and the underscore are word runes.
func notWordRune(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
}

// tokenize splits a prompt into its distinct lowercase word tokens.
func tokenize(prompt string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(strings.ToLower(prompt), notWordRune) {
		tokens[w] = struct{}{}
	}
	return tokens
}
