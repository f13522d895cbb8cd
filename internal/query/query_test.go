package query

import (
	"encoding/json"
	"testing"
)

func TestLexer(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []FilterTokenKind
		values   []string
	}{
		{
			name:     "simple equality",
			input:    "status=active",
			expected: []FilterTokenKind{TokenIdent, TokenEquals, TokenIdent, TokenEOF},
			values:   []string{"status", "=", "active", ""},
		},
		{
			name:     "not equals",
			input:    "status!=archived",
			expected: []FilterTokenKind{TokenIdent, TokenNotEquals, TokenIdent, TokenEOF},
			values:   []string{"status", "!=", "archived", ""},
		},
		{
			name:     "numeric comparison",
			input:    "tier>1",
			expected: []FilterTokenKind{TokenIdent, TokenGreater, TokenNumber, TokenEOF},
			values:   []string{"tier", ">", "1", ""},
		},
		{
			name:     "AND expression",
			input:    "status=active AND tier=2",
			expected: []FilterTokenKind{TokenIdent, TokenEquals, TokenIdent, TokenAnd, TokenIdent, TokenEquals, TokenNumber, TokenEOF},
		},
		{
			name:     "OR expression",
			input:    "status=active OR status=inactive",
			expected: []FilterTokenKind{TokenIdent, TokenEquals, TokenIdent, TokenOr, TokenIdent, TokenEquals, TokenIdent, TokenEOF},
		},
		{
			name:     "NOT expression",
			input:    "NOT status=archived",
			expected: []FilterTokenKind{TokenNot, TokenIdent, TokenEquals, TokenIdent, TokenEOF},
		},
		{
			name:     "parentheses",
			input:    "(status=active)",
			expected: []FilterTokenKind{TokenLParen, TokenIdent, TokenEquals, TokenIdent, TokenRParen, TokenEOF},
		},
		{
			name:     "quoted string",
			input:    `name="acme corp"`,
			expected: []FilterTokenKind{TokenIdent, TokenEquals, TokenString, TokenEOF},
			values:   []string{"name", "=", "acme corp", ""},
		},
		{
			name:     "identifier with hyphen",
			input:    "code=cand-1",
			expected: []FilterTokenKind{TokenIdent, TokenEquals, TokenIdent, TokenEOF},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens, err := NewScanner(tt.input).Scan()
			if err != nil {
				t.Fatalf("Scan() error = %v", err)
			}
			if len(tokens) != len(tt.expected) {
				t.Fatalf("got %d tokens, want %d", len(tokens), len(tt.expected))
			}
			for i, tok := range tokens {
				if tok.Kind != tt.expected[i] {
					t.Errorf("token %d: got kind %v, want %v", i, tok.Kind, tt.expected[i])
				}
				if tt.values != nil && tok.Text != tt.values[i] {
					t.Errorf("token %d: got text %q, want %q", i, tok.Text, tt.values[i])
				}
			}
		})
	}
}

func TestLexerErrors(t *testing.T) {
	tests := []string{`name="unterminated`, "status@active"}
	for _, in := range tests {
		if _, err := NewScanner(in).Scan(); err == nil {
			t.Errorf("Scan(%q): expected error", in)
		}
	}
}

func TestParser(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"status=active", "status=active"},
		{"status=active AND tier=2", "(status=active AND tier=2)"},
		{"status=active OR status=inactive", "(status=active OR status=inactive)"},
		{"NOT status=archived", "NOT status=archived"},
		{"(status=active OR status=inactive) AND tier<2", "((status=active OR status=inactive) AND tier<2)"},
		{"status=active OR tier>1 AND type=bug", "(status=active OR (tier>1 AND type=bug))"},
	}
	for _, tt := range tests {
		node, err := Parse(tt.input)
		if err != nil {
			t.Fatalf("Parse(%q) error = %v", tt.input, err)
		}
		if got := node.String(); got != tt.expected {
			t.Errorf("Parse(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestParserErrors(t *testing.T) {
	tests := []string{"", "status=", "status active", "(status=active", "status=active)", "status=active AND"}
	for _, in := range tests {
		if _, err := Parse(in); err == nil {
			t.Errorf("Parse(%q): expected error", in)
		}
	}
}

func TestEvaluateEqualityChainPushesDownAsFilters(t *testing.T) {
	result, err := EvaluateString("status=active AND tier=2")
	if err != nil {
		t.Fatalf("EvaluateString() error = %v", err)
	}
	if result.RequiresPredicate {
		t.Fatal("equality-only AND chain should not require a predicate")
	}
	if len(result.Filters) != 2 {
		t.Fatalf("got %d filters, want 2", len(result.Filters))
	}
	byKey := map[string]interface{}{}
	for _, f := range result.Filters {
		byKey[f.Key] = f.Value
	}
	if byKey["status"] != "active" {
		t.Errorf("status filter = %v", byKey["status"])
	}
	if byKey["tier"] != float64(2) {
		t.Errorf("tier filter = %v", byKey["tier"])
	}
}

func TestEvaluateOrRequiresPredicate(t *testing.T) {
	result, err := EvaluateString("status=active OR status=inactive")
	if err != nil {
		t.Fatalf("EvaluateString() error = %v", err)
	}
	if !result.RequiresPredicate {
		t.Fatal("OR query should require a predicate")
	}
	if result.Predicate == nil {
		t.Fatal("Predicate must be set")
	}

	active, _ := json.Marshal(map[string]interface{}{"status": "active"})
	archived, _ := json.Marshal(map[string]interface{}{"status": "archived"})
	if !result.Predicate(active) {
		t.Error("predicate should match status=active")
	}
	if result.Predicate(archived) {
		t.Error("predicate should not match status=archived")
	}
}

func TestEvaluatePredicateComparisons(t *testing.T) {
	data, _ := json.Marshal(map[string]interface{}{"tier": 3.0, "status": "active", "gold": true})

	tests := []struct {
		query   string
		matches bool
	}{
		{"tier=3", true},
		{"tier=4", false},
		{"tier>2", true},
		{"tier>=3", true},
		{"tier<3", false},
		{"tier!=3", false},
		{"status=active AND tier>1", true},
		{"status=inactive OR tier>1", true},
		{"NOT status=inactive", true},
		{"gold=true", true},
		{"missing=x", false},
		{"missing!=x", true},
	}
	for _, tt := range tests {
		result, err := EvaluateString(tt.query)
		if err != nil {
			t.Fatalf("EvaluateString(%q) error = %v", tt.query, err)
		}
		var got bool
		if result.Predicate != nil {
			got = result.Predicate(data)
		} else {
			// equality-only chain: emulate what a caller does with Filters.
			got = true
			var m map[string]interface{}
			_ = json.Unmarshal(data, &m)
			for _, f := range result.Filters {
				if m[f.Key] != f.Value {
					got = false
				}
			}
		}
		if got != tt.matches {
			t.Errorf("query %q against %s = %v, want %v", tt.query, data, got, tt.matches)
		}
	}
}

func TestEvaluateEmptyFieldRejected(t *testing.T) {
	if _, err := EvaluateString("=active"); err == nil {
		t.Error("expected parse error for missing field")
	}
}
