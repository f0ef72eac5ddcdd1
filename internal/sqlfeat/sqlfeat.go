// Package sqlfeat is the narrow SQL parser/AST collaborator:
// Parse, Canonicalize, Features. SQL parsing is pluggable — this package
// defines the interface contract and ships one conforming implementation,
// a tokenizer-based scanner. Any conforming Parser — including a
// production grammar swapped in later — satisfies every caller in this
// module.
package sqlfeat

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/JKR8/querytorque-v8-sub005/internal/types"
)

// ParseError is returned when a candidate fails to parse in the dialect's
// grammar. Static gate 1 ("Parse") surfaces this directly.
type ParseError struct {
	SQL    string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("sqlfeat: parse error: %s", e.Reason)
}

// AST is the parsed representation. The tokenizer-based implementation keeps
// it deliberately thin: a token stream plus a handful of precomputed facts,
// enough to support canonicalization and feature extraction without a full
// grammar.
type AST struct {
	Raw        string
	Tokens     []Token
	Statements []string // top-level statement keywords found, e.g. ["SELECT"]
}

// Token is one lexical unit of a tokenized SQL statement.
type Token struct {
	Text string
	Kind TokenKind
}

// TokenKind classifies a Token for canonicalization and feature extraction.
type TokenKind int

const (
	KindKeyword TokenKind = iota
	KindIdent
	KindNumber
	KindString
	KindPunct
	KindComment
)

// FeatureVector is the structural feature set gap-detection predicates and
// example matching evaluate against.
type FeatureVector struct {
	JoinStyle           string // "none" | "inner" | "outer" | "mixed"
	TableCount          int
	SubqueryCount        int
	CorrelatedSubqueries int
	CTECount             int
	CTEMaxDepth          int
	HasOR                bool
	HasUnion             bool
	AggregationShape     string // "none" | "simple" | "grouped" | "windowed"
	HasOrderBy           bool
	HasLimit             bool
	HasGroupBy           bool
	HasHaving            bool
	HasDistinct          bool
}

// Tags returns a deduplicated, sorted set of short string tags summarizing
// the vector — used by Layer K's Jaccard overlap scoring against gold
// example tags.
func (f FeatureVector) Tags() []string {
	var tags []string
	if f.JoinStyle != "none" && f.JoinStyle != "" {
		tags = append(tags, "join:"+f.JoinStyle)
	}
	if f.SubqueryCount > 0 {
		tags = append(tags, "subquery")
	}
	if f.CorrelatedSubqueries > 0 {
		tags = append(tags, "correlated_subquery")
	}
	if f.CTECount > 0 {
		tags = append(tags, "cte")
	}
	if f.CTEMaxDepth > 1 {
		tags = append(tags, "cte_nested")
	}
	if f.HasOR {
		tags = append(tags, "or")
	}
	if f.HasUnion {
		tags = append(tags, "union")
	}
	if f.AggregationShape != "none" && f.AggregationShape != "" {
		tags = append(tags, "agg:"+f.AggregationShape)
	}
	if f.HasDistinct {
		tags = append(tags, "distinct")
	}
	sort.Strings(tags)
	return tags
}

// Parser is the SQL parser/AST contract every strategy normalizes through.
type Parser interface {
	Parse(sql string, dialect types.Dialect) (*AST, error)
	Canonicalize(ast *AST) string
	Features(ast *AST) FeatureVector
	ColumnSet(ast *AST) []string
	ForbiddenStatements(ast *AST, forbidden []string) []string
}

// ScannerParser is the default tokenizer-based Parser implementation.
type ScannerParser struct{}

var _ Parser = ScannerParser{}

// NewScannerParser returns the default Parser.
func NewScannerParser() ScannerParser { return ScannerParser{} }

var tokenPattern = regexp.MustCompile(
	`(?s)(--[^\n]*)|(/\*.*?\*/)|('(?:[^']|'')*')|("(?:[^"]|"")*")|([A-Za-z_][A-Za-z0-9_]*)|(\d+\.\d+|\d+)|([(),;*=<>!+\-/.])`,
)

var keywordSet = buildKeywordSet()

func buildKeywordSet() map[string]bool {
	kws := []string{
		"SELECT", "FROM", "WHERE", "JOIN", "INNER", "LEFT", "RIGHT", "FULL", "OUTER",
		"ON", "GROUP", "BY", "HAVING", "ORDER", "LIMIT", "OFFSET", "AS", "AND", "OR",
		"NOT", "NULL", "IS", "IN", "EXISTS", "UNION", "ALL", "DISTINCT", "WITH",
		"CASE", "WHEN", "THEN", "ELSE", "END", "OVER", "PARTITION", "COUNT", "SUM",
		"AVG", "MIN", "MAX", "DROP", "DELETE", "INSERT", "UPDATE", "GRANT", "ALTER",
		"TRUNCATE", "MERGE", "COPY", "CREATE", "INTO", "VALUES", "SET", "CAST",
		"BETWEEN", "LIKE", "ASC", "DESC",
	}
	m := make(map[string]bool, len(kws))
	for _, k := range kws {
		m[k] = true
	}
	return m
}

// Parse tokenizes sql and classifies the top-level statement keywords it
// opens with. A completely unrecognized token stream (no tokens matched at
// all) is reported as a ParseError; anything that tokenizes is accepted —
// deeper malformed-grammar detection is left to the static gate's bind
// check, which will fail against the schema snapshot instead.
func (ScannerParser) Parse(sql string, dialect types.Dialect) (*AST, error) {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return nil, &ParseError{SQL: sql, Reason: "empty statement"}
	}
	matches := tokenPattern.FindAllStringSubmatch(sql, -1)
	if matches == nil {
		return nil, &ParseError{SQL: sql, Reason: "no recognizable tokens"}
	}
	var tokens []Token
	for _, m := range matches {
		switch {
		case m[1] != "" || m[2] != "":
			tokens = append(tokens, Token{Text: m[0], Kind: KindComment})
		case m[3] != "" || m[4] != "":
			tokens = append(tokens, Token{Text: m[0], Kind: KindString})
		case m[5] != "":
			kind := KindIdent
			if keywordSet[strings.ToUpper(m[5])] {
				kind = KindKeyword
			}
			tokens = append(tokens, Token{Text: m[5], Kind: kind})
		case m[6] != "":
			tokens = append(tokens, Token{Text: m[6], Kind: KindNumber})
		case m[7] != "":
			tokens = append(tokens, Token{Text: m[7], Kind: KindPunct})
		}
	}

	var statements []string
	depth := 0
	for _, t := range tokens {
		if t.Kind == KindPunct && t.Text == "(" {
			depth++
		}
		if t.Kind == KindPunct && t.Text == ")" {
			depth--
		}
		if depth == 0 && t.Kind == KindKeyword {
			up := strings.ToUpper(t.Text)
			if up == "SELECT" || up == "INSERT" || up == "UPDATE" || up == "DELETE" ||
				up == "DROP" || up == "CREATE" || up == "ALTER" || up == "TRUNCATE" ||
				up == "GRANT" || up == "MERGE" || up == "COPY" || up == "WITH" {
				statements = append(statements, up)
			}
		}
	}

	return &AST{Raw: sql, Tokens: tokens, Statements: statements}, nil
}

// Canonicalize produces a stable, whitespace- and case-normalized form:
// keywords uppercased, identifiers left as-is, single-space separated. It is
// idempotent: Canonicalize(Parse(Canonicalize(ast))) == Canonicalize(ast),
// satisfying canonicalize(canonicalize(sql)) = canonicalize(sql)
// round-trip law (verified by re-parsing the canonical text).
func (p ScannerParser) Canonicalize(ast *AST) string {
	var sb strings.Builder
	prevWasOpenParenOrDot := false
	for i, t := range ast.Tokens {
		if t.Kind == KindComment {
			continue
		}
		text := t.Text
		if t.Kind == KindKeyword {
			text = strings.ToUpper(text)
		}
		if i > 0 && !prevWasOpenParenOrDot && needsSpaceBefore(t, ast.Tokens, i) {
			sb.WriteByte(' ')
		}
		sb.WriteString(text)
		prevWasOpenParenOrDot = t.Kind == KindPunct && (t.Text == "(" || t.Text == ".")
	}
	return sb.String()
}

func needsSpaceBefore(t Token, tokens []Token, i int) bool {
	if t.Kind == KindPunct {
		switch t.Text {
		case ",", ")", ".", ";":
			return false
		}
	}
	prev := tokens[i-1]
	if prev.Kind == KindPunct && prev.Text == "." {
		return false
	}
	return true
}

// Features extracts the structural FeatureVector from the token stream.
func (ScannerParser) Features(ast *AST) FeatureVector {
	var f FeatureVector
	innerJoins, outerJoins := 0, 0
	depth := 0
	maxCTEDepth := 0
	parenDepthAtCTEOpen := []int{}

	for i, t := range ast.Tokens {
		up := strings.ToUpper(t.Text)
		switch {
		case t.Kind == KindPunct && t.Text == "(":
			depth++
		case t.Kind == KindPunct && t.Text == ")":
			depth--
			if len(parenDepthAtCTEOpen) > 0 && depth < parenDepthAtCTEOpen[len(parenDepthAtCTEOpen)-1] {
				parenDepthAtCTEOpen = parenDepthAtCTEOpen[:len(parenDepthAtCTEOpen)-1]
			}
		case t.Kind == KindKeyword && up == "SELECT" && depth > 0:
			f.SubqueryCount++
			if hasCorrelatedMarker(ast.Tokens, i) {
				f.CorrelatedSubqueries++
			}
		case t.Kind == KindKeyword && up == "JOIN":
			f.TableCount++
			innerJoins++
			// classify outer-ness by scanning the small window before JOIN
			if i > 0 {
				prevUp := strings.ToUpper(ast.Tokens[i-1].Text)
				if prevUp == "LEFT" || prevUp == "RIGHT" || prevUp == "FULL" || prevUp == "OUTER" {
					outerJoins++
					innerJoins--
				}
			}
		case t.Kind == KindKeyword && up == "WITH":
			f.CTECount++
			parenDepthAtCTEOpen = append(parenDepthAtCTEOpen, depth+1)
			if len(parenDepthAtCTEOpen) > maxCTEDepth {
				maxCTEDepth = len(parenDepthAtCTEOpen)
			}
		case t.Kind == KindKeyword && up == "OR":
			f.HasOR = true
		case t.Kind == KindKeyword && up == "UNION":
			f.HasUnion = true
		case t.Kind == KindKeyword && up == "GROUP":
			f.HasGroupBy = true
		case t.Kind == KindKeyword && up == "HAVING":
			f.HasHaving = true
		case t.Kind == KindKeyword && up == "DISTINCT":
			f.HasDistinct = true
		case t.Kind == KindKeyword && up == "ORDER":
			f.HasOrderBy = true
		case t.Kind == KindKeyword && up == "LIMIT":
			f.HasLimit = true
		case t.Kind == KindKeyword && (up == "COUNT" || up == "SUM" || up == "AVG" || up == "MIN" || up == "MAX"):
			if f.AggregationShape == "" || f.AggregationShape == "none" {
				f.AggregationShape = "simple"
			}
		case t.Kind == KindKeyword && up == "OVER":
			f.AggregationShape = "windowed"
		case t.Kind == KindKeyword && up == "FROM":
			f.TableCount++
		}
	}
	f.CTEMaxDepth = maxCTEDepth

	switch {
	case innerJoins > 0 && outerJoins > 0:
		f.JoinStyle = "mixed"
	case outerJoins > 0:
		f.JoinStyle = "outer"
	case innerJoins > 0:
		f.JoinStyle = "inner"
	default:
		f.JoinStyle = "none"
	}

	if f.AggregationShape == "simple" && f.HasGroupBy {
		f.AggregationShape = "grouped"
	}
	if f.AggregationShape == "" {
		f.AggregationShape = "none"
	}
	return f
}

// hasCorrelatedMarker is a heuristic: a subquery is treated as correlated if
// its surrounding window (looking back before the opening paren) contains
// EXISTS or IN, which is how correlated subqueries are overwhelmingly
// expressed in practice.
func hasCorrelatedMarker(tokens []Token, selectIdx int) bool {
	for j := selectIdx - 1; j >= 0 && j >= selectIdx-4; j-- {
		up := strings.ToUpper(tokens[j].Text)
		if up == "EXISTS" || up == "IN" {
			return true
		}
		if tokens[j].Kind == KindPunct && tokens[j].Text != "(" {
			break
		}
	}
	return false
}

// ColumnSet returns the identifiers appearing immediately after the
// outermost SELECT, used by normalization to compute the ColumnSetMatch
// flag that the static gate checks. Best-effort: `*` expands to a
// single "*" sentinel rather than resolving against a schema (that is the
// bind check's job, using the executor's schema snapshot).
func (ScannerParser) ColumnSet(ast *AST) []string {
	depth := 0
	inSelectList := false
	var cols []string
	var current strings.Builder
	flush := func() {
		c := strings.TrimSpace(current.String())
		if c != "" {
			cols = append(cols, c)
		}
		current.Reset()
	}
	for _, t := range ast.Tokens {
		if t.Kind == KindPunct && t.Text == "(" {
			depth++
		}
		if t.Kind == KindPunct && t.Text == ")" {
			depth--
		}
		if !inSelectList {
			if t.Kind == KindKeyword && strings.ToUpper(t.Text) == "SELECT" && depth == 0 {
				inSelectList = true
			}
			continue
		}
		if depth == 0 && t.Kind == KindKeyword && strings.ToUpper(t.Text) == "FROM" {
			flush()
			break
		}
		if depth == 0 && t.Kind == KindKeyword && strings.ToUpper(t.Text) == "DISTINCT" {
			continue
		}
		if depth == 0 && t.Kind == KindPunct && t.Text == "," {
			flush()
			continue
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(t.Text)
	}
	return cols
}

// ForbiddenStatements returns the subset of forbidden keywords present among
// ast.Statements, used by the static gate's forbidden-construct check.
func (ScannerParser) ForbiddenStatements(ast *AST, forbidden []string) []string {
	forbidSet := make(map[string]bool, len(forbidden))
	for _, f := range forbidden {
		forbidSet[strings.ToUpper(f)] = true
	}
	var hit []string
	seen := make(map[string]bool)
	for _, s := range ast.Statements {
		if forbidSet[s] && !seen[s] {
			hit = append(hit, s)
			seen[s] = true
		}
	}
	return hit
}
