package core

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// Expression evaluation for rules:if and workflow:rules:if. Supported:
// $VAR, ${VAR}, "str", 'str', /regex/flags, null, ==, !=, =~, !~, &&, || and parentheses.

type tokenKind int

const (
	tokVar tokenKind = iota
	tokString
	tokRegex
	tokNull
	tokOp
	tokLParen
	tokRParen
	tokEOF
)

type token struct {
	kind tokenKind
	text string
}

func tokenize(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen})
			i++
		case c == '$':
			j := i + 1
			if j < len(src) && src[j] == '{' {
				end := strings.IndexByte(src[j:], '}')
				if end < 0 {
					return nil, fmt.Errorf("unterminated variable at %d", i)
				}
				toks = append(toks, token{kind: tokVar, text: src[j+1 : j+end]})
				i = j + end + 1
				continue
			}
			for j < len(src) && (src[j] == '_' || unicode.IsLetter(rune(src[j])) || unicode.IsDigit(rune(src[j]))) {
				j++
			}
			if j == i+1 {
				return nil, fmt.Errorf("empty variable name at %d", i)
			}
			toks = append(toks, token{kind: tokVar, text: src[i+1 : j]})
			i = j
		case c == '"' || c == '\'':
			end := strings.IndexByte(src[i+1:], c)
			if end < 0 {
				return nil, fmt.Errorf("unterminated string at %d", i)
			}
			toks = append(toks, token{kind: tokString, text: src[i+1 : i+1+end]})
			i += end + 2
		case c == '/':
			j := i + 1
			for j < len(src) && src[j] != '/' {
				if src[j] == '\\' {
					j++
				}
				j++
			}
			if j >= len(src) {
				return nil, fmt.Errorf("unterminated regex at %d", i)
			}
			k := j + 1
			for k < len(src) && unicode.IsLetter(rune(src[k])) {
				k++
			}
			toks = append(toks, token{kind: tokRegex, text: src[i:k]})
			i = k
		case strings.HasPrefix(src[i:], "=="), strings.HasPrefix(src[i:], "!="),
			strings.HasPrefix(src[i:], "=~"), strings.HasPrefix(src[i:], "!~"),
			strings.HasPrefix(src[i:], "&&"), strings.HasPrefix(src[i:], "||"):
			toks = append(toks, token{kind: tokOp, text: src[i : i+2]})
			i += 2
		case strings.HasPrefix(src[i:], "null"):
			toks = append(toks, token{kind: tokNull})
			i += 4
		default:
			return nil, fmt.Errorf("unexpected %q at %d", c, i)
		}
	}
	return append(toks, token{kind: tokEOF}), nil
}

// operand is a string or null.
type operand struct {
	str   string
	null  bool
	regex *regexp.Regexp
}

func (o operand) truthy() bool { return !o.null && o.str != "" }

type exprParser struct {
	toks   []token
	pos    int
	lookup func(string) (string, bool)
}

// EvalExpression evaluates a rules:if expression against variables.
func EvalExpression(src string, lookup func(string) (string, bool)) (bool, error) {
	toks, err := tokenize(src)
	if err != nil {
		return false, fmt.Errorf("rules if %q: %w", src, err)
	}
	p := &exprParser{toks: toks, lookup: lookup}
	ok, err := p.or()
	if err != nil {
		return false, fmt.Errorf("rules if %q: %w", src, err)
	}
	if p.peek().kind != tokEOF {
		return false, fmt.Errorf("rules if %q: trailing input", src)
	}
	return ok, nil
}

func (p *exprParser) peek() token { return p.toks[p.pos] }

func (p *exprParser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *exprParser) or() (bool, error) {
	left, err := p.and()
	if err != nil {
		return false, err
	}
	for p.peek().kind == tokOp && p.peek().text == "||" {
		p.next()
		right, err := p.and()
		if err != nil {
			return false, err
		}
		left = left || right
	}
	return left, nil
}

func (p *exprParser) and() (bool, error) {
	left, err := p.comparison()
	if err != nil {
		return false, err
	}
	for p.peek().kind == tokOp && p.peek().text == "&&" {
		p.next()
		right, err := p.comparison()
		if err != nil {
			return false, err
		}
		left = left && right
	}
	return left, nil
}

func (p *exprParser) comparison() (bool, error) {
	if p.peek().kind == tokLParen {
		p.next()
		v, err := p.or()
		if err != nil {
			return false, err
		}
		if p.next().kind != tokRParen {
			return false, fmt.Errorf("missing )")
		}
		return v, nil
	}
	left, err := p.operand()
	if err != nil {
		return false, err
	}
	t := p.peek()
	if t.kind != tokOp || t.text == "&&" || t.text == "||" {
		return left.truthy(), nil
	}
	p.next()
	right, err := p.operand()
	if err != nil {
		return false, err
	}
	switch t.text {
	case "==":
		return equalOperands(left, right), nil
	case "!=":
		return !equalOperands(left, right), nil
	case "=~", "!~":
		re, err := asRegex(right)
		if err != nil {
			return false, err
		}
		matched := !left.null && re.MatchString(left.str)
		if t.text == "!~" {
			return !matched, nil
		}
		return matched, nil
	}
	return false, fmt.Errorf("unknown operator %s", t.text)
}

func (p *exprParser) operand() (operand, error) {
	t := p.next()
	switch t.kind {
	case tokVar:
		v, ok := p.lookup(t.text)
		return operand{str: v, null: !ok}, nil
	case tokString:
		return operand{str: t.text}, nil
	case tokNull:
		return operand{null: true}, nil
	case tokRegex:
		re, err := compileRegex(t.text)
		if err != nil {
			return operand{}, err
		}
		return operand{str: t.text, regex: re}, nil
	}
	return operand{}, fmt.Errorf("expected value")
}

func equalOperands(a, b operand) bool {
	if a.null || b.null {
		return a.null == b.null
	}
	return a.str == b.str
}

func asRegex(o operand) (*regexp.Regexp, error) {
	if o.regex != nil {
		return o.regex, nil
	}
	if o.null {
		return nil, fmt.Errorf("regex operand is null")
	}
	return compileRegex(o.str)
}

// compileRegex reads /pattern/flags.
func compileRegex(lit string) (*regexp.Regexp, error) {
	if len(lit) < 2 || lit[0] != '/' {
		return nil, fmt.Errorf("invalid regex %q", lit)
	}
	end := strings.LastIndexByte(lit, '/')
	if end == 0 {
		return nil, fmt.Errorf("invalid regex %q", lit)
	}
	pattern, flags := lit[1:end], lit[end+1:]
	if strings.Contains(flags, "i") {
		pattern = "(?i)" + pattern
	}
	return regexp.Compile(pattern)
}
