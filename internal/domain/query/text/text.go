// Package text parses the constrained full-text query language into an AST.
//
// The language has bare words, "quoted phrases", AND, OR, NOT and parentheses.
// Adjacent terms are OR-ed. A word may end in a single * for prefix matching.
// Characters that carry meaning in engine query syntaxes are rejected, so no
// part of the input ever reaches the engine as query DSL.
package text

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/kailas-cloud/amcat/internal/domain"
)

// Limits of a single query string.
const (
	MaxLength = 2048
	MaxTerms  = 64
	maxDepth  = 16
)

// Node is a query AST node.
type Node interface{ node() }

// Term matches a single word, or every word starting with Value when Prefix is set.
type Term struct {
	Value  string
	Prefix bool
}

// Phrase matches words in order.
type Phrase struct{ Value string }

// And matches when all children match.
type And struct{ Nodes []Node }

// Or matches when any child matches.
type Or struct{ Nodes []Node }

// Not matches when the child does not.
type Not struct{ Node Node }

func (Term) node()   {}
func (Phrase) node() {}
func (And) node()    {}
func (Or) node()     {}
func (Not) node()    {}

type tokenKind int

const (
	tokWord tokenKind = iota
	tokPhrase
	tokAnd
	tokOr
	tokNot
	tokLParen
	tokRParen
)

type token struct {
	kind  tokenKind
	value string
}

const forbidden = `:{}[]^~/\<>=!+&|?`

func invalid(format string, args ...any) error {
	return fmt.Errorf("query: %s: %w", fmt.Sprintf(format, args...), domain.ErrInvalidFilter)
}

func lex(s string) ([]token, error) {
	var toks []token
	rs := []rune(s)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			toks = append(toks, token{kind: tokLParen})
			i++
		case r == ')':
			toks = append(toks, token{kind: tokRParen})
			i++
		case r == '"':
			end := i + 1
			for end < len(rs) && rs[end] != '"' {
				end++
			}
			if end == len(rs) {
				return nil, invalid("unterminated phrase")
			}
			phrase := strings.Join(strings.Fields(string(rs[i+1:end])), " ")
			if strings.ContainsAny(phrase, forbidden+"*") {
				return nil, invalid("phrase %q contains reserved characters", phrase)
			}
			if phrase != "" {
				toks = append(toks, token{kind: tokPhrase, value: phrase})
			}
			i = end + 1
		default:
			end := i
			for end < len(rs) && !unicode.IsSpace(rs[end]) && rs[end] != '(' && rs[end] != ')' && rs[end] != '"' {
				end++
			}
			word := string(rs[i:end])
			tok, err := wordToken(word)
			if err != nil {
				return nil, err
			}
			toks = append(toks, tok)
			i = end
		}
	}
	return toks, nil
}

func wordToken(word string) (token, error) {
	switch word {
	case "AND":
		return token{kind: tokAnd}, nil
	case "OR":
		return token{kind: tokOr}, nil
	case "NOT":
		return token{kind: tokNot}, nil
	}
	if strings.ContainsAny(word, forbidden) {
		return token{}, invalid("term %q contains reserved characters", word)
	}
	star := strings.Index(word, "*")
	if star >= 0 && (star == 0 || star != len(word)-1) {
		return token{}, invalid("wildcard is only allowed at the end of a term: %q", word)
	}
	return token{kind: tokWord, value: word}, nil
}

type parser struct {
	toks  []token
	pos   int
	terms int
	depth int
}

// Parse parses a query string. An empty or blank string yields a nil Node.
func Parse(s string) (Node, error) {
	if len(s) > MaxLength {
		return nil, invalid("longer than %d bytes", MaxLength)
	}
	toks, err := lex(s)
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return nil, nil
	}
	p := &parser{toks: toks}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.toks) {
		return nil, invalid("unexpected token at position %d", p.pos)
	}
	return n, nil
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.toks) {
		return token{}, false
	}
	return p.toks[p.pos], true
}

func (p *parser) parseOr() (Node, error) {
	first, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	nodes := []Node{first}
	for {
		t, ok := p.peek()
		if !ok || t.kind == tokRParen {
			break
		}
		if t.kind == tokOr {
			p.pos++
		}
		next, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, next)
	}
	if len(nodes) == 1 {
		return first, nil
	}
	return Or{Nodes: nodes}, nil
}

func (p *parser) parseAnd() (Node, error) {
	first, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	nodes := []Node{first}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokAnd {
			break
		}
		p.pos++
		next, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, next)
	}
	if len(nodes) == 1 {
		return first, nil
	}
	return And{Nodes: nodes}, nil
}

func (p *parser) parseUnary() (Node, error) {
	t, ok := p.peek()
	if !ok {
		return nil, invalid("unexpected end of query")
	}
	if t.kind == tokNot {
		p.pos++
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return Not{Node: inner}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Node, error) {
	t, ok := p.peek()
	if !ok {
		return nil, invalid("unexpected end of query")
	}
	p.pos++
	switch t.kind {
	case tokWord:
		if err := p.countTerm(); err != nil {
			return nil, err
		}
		if strings.HasSuffix(t.value, "*") {
			return Term{Value: strings.TrimSuffix(t.value, "*"), Prefix: true}, nil
		}
		return Term{Value: t.value}, nil
	case tokPhrase:
		if err := p.countTerm(); err != nil {
			return nil, err
		}
		return Phrase{Value: t.value}, nil
	case tokLParen:
		p.depth++
		if p.depth > maxDepth {
			return nil, invalid("nesting deeper than %d", maxDepth)
		}
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if next, ok := p.peek(); !ok || next.kind != tokRParen {
			return nil, invalid("missing closing parenthesis")
		}
		p.pos++
		p.depth--
		return inner, nil
	default:
		return nil, invalid("operator without operand")
	}
}

func (p *parser) countTerm() error {
	p.terms++
	if p.terms > MaxTerms {
		return fmt.Errorf("query: more than %d terms: %w", MaxTerms, domain.ErrQueryTooExpensive)
	}
	return nil
}
