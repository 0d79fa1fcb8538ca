package engine

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
)

// SyntaxError points at the first problem found while compiling a script.
type SyntaxError struct {
	Line   int
	Column int
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%d:%d: %s", e.Line, e.Column, e.Msg)
}

type ScriptCache struct {
	mu    sync.RWMutex
	files map[string]*CachedScript
}

type CachedScript struct {
	Program *Program
	ModTime time.Time
}

var GlobalCache = &ScriptCache{files: make(map[string]*CachedScript)}

// LoadScript reads and compiles a script file, or returns the cached program
// when the file has not changed since.
func LoadScript(path string) (*Program, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	GlobalCache.mu.RLock()
	cached, exists := GlobalCache.files[path]
	GlobalCache.mu.RUnlock()

	if exists && cached.ModTime.Equal(info.ModTime()) {
		return cached.Program, nil
	}

	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	prog, err := Parse(string(src))
	if err != nil {
		return nil, err
	}

	GlobalCache.mu.Lock()
	GlobalCache.files[path] = &CachedScript{Program: prog, ModTime: info.ModTime()}
	GlobalCache.mu.Unlock()

	return prog, nil
}

// Clear drops every cached program.
func (c *ScriptCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files = make(map[string]*CachedScript)
}

// Parse compiles src into a Program. Statements:
//
//	$name = expr;
//	expr;
//	print expr;
//	if (expr) { ... } else if (expr) { ... } else { ... }
//
// The final semicolon before '}' or end of input is optional.
func Parse(src string) (*Program, error) {
	tokens := NewLexer(src).Tokenize()
	if last := tokens[len(tokens)-1]; last.Type == TokenError {
		return nil, &SyntaxError{Line: last.Line, Column: last.Column, Msg: last.Literal}
	}

	p := &parser{tokens: tokens}
	body, err := p.parseStatements(false)
	if err != nil {
		return nil, err
	}
	return &Program{Source: src, Body: body}, nil
}

type parser struct {
	tokens []Token
	pos    int
}

func (p *parser) cur() Token { return p.tokens[p.pos] }

func (p *parser) peek() Token {
	if p.pos+1 < len(p.tokens) {
		return p.tokens[p.pos+1]
	}
	return p.tokens[len(p.tokens)-1]
}

func (p *parser) advance() Token {
	tok := p.tokens[p.pos]
	if tok.Type != TokenEOF {
		p.pos++
	}
	return tok
}

func (p *parser) errorf(tok Token, format string, args ...any) error {
	return &SyntaxError{Line: tok.Line, Column: tok.Column, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) expect(t TokenType, what string) (Token, error) {
	tok := p.cur()
	if tok.Type != t {
		return tok, p.errorf(tok, "expected %s, found %s", what, describe(tok))
	}
	return p.advance(), nil
}

func describe(tok Token) string {
	if tok.Type == TokenEOF {
		return "end of script"
	}
	return fmt.Sprintf("%q", tok.Literal)
}

func (p *parser) parseStatements(inBlock bool) ([]*Node, error) {
	var out []*Node
	for {
		tok := p.cur()
		switch {
		case tok.Type == TokenEOF:
			if inBlock {
				return nil, p.errorf(tok, "missing '}'")
			}
			return out, nil
		case tok.Type == TokenRBrace:
			if !inBlock {
				return nil, p.errorf(tok, "unexpected '}'")
			}
			p.advance()
			return out, nil
		case tok.Type == TokenSemicolon:
			p.advance()
			continue
		case tok.Type == TokenIdentifier && tok.Literal == "if":
			n, err := p.parseIf()
			if err != nil {
				return nil, err
			}
			out = append(out, n)
			continue
		}

		n, err := p.parseSimple()
		if err != nil {
			return nil, err
		}
		out = append(out, n)

		switch end := p.cur(); end.Type {
		case TokenSemicolon:
			p.advance()
		case TokenRBrace, TokenEOF:
		default:
			return nil, p.errorf(end, "expected ';', found %s", describe(end))
		}
	}
}

func (p *parser) parseSimple() (*Node, error) {
	tok := p.cur()
	n := &Node{Line: tok.Line, Col: tok.Column}

	switch {
	case tok.Type == TokenIdentifier && (tok.Literal == "print" || tok.Literal == "echo"):
		p.advance()
		n.Kind = NodePrint
	case tok.Type == TokenVariable && p.peek().Type == TokenAssign:
		p.advance()
		p.advance()
		n.Kind = NodeAssign
		n.Name = tok.Literal
	default:
		n.Kind = NodeExpr
	}

	e, err := p.parseExpr(false)
	if err != nil {
		return nil, err
	}
	n.Expr = e
	return n, nil
}

func (p *parser) parseIf() (*Node, error) {
	tok := p.advance()
	n := &Node{Kind: NodeIf, Line: tok.Line, Col: tok.Column}

	if _, err := p.expect(TokenLParen, "'(' after if"); err != nil {
		return nil, err
	}
	cond, err := p.parseExpr(true)
	if err != nil {
		return nil, err
	}
	n.Expr = cond
	if _, err := p.expect(TokenRParen, "')'"); err != nil {
		return nil, err
	}
	if n.Children, err = p.parseBlock(); err != nil {
		return nil, err
	}

	next := p.cur()
	switch {
	case next.Type == TokenIdentifier && next.Literal == "elseif":
		p.tokens[p.pos].Literal = "if"
		elseIf, err := p.parseIf()
		if err != nil {
			return nil, err
		}
		n.Else = []*Node{elseIf}
	case next.Type == TokenIdentifier && next.Literal == "else":
		p.advance()
		if after := p.cur(); after.Type == TokenIdentifier && after.Literal == "if" {
			elseIf, err := p.parseIf()
			if err != nil {
				return nil, err
			}
			n.Else = []*Node{elseIf}
		} else if n.Else, err = p.parseBlock(); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func (p *parser) parseBlock() ([]*Node, error) {
	if _, err := p.expect(TokenLBrace, "'{'"); err != nil {
		return nil, err
	}
	body, err := p.parseStatements(true)
	if err != nil {
		return nil, err
	}
	if body == nil {
		body = []*Node{}
	}
	return body, nil
}

// parseExpr collects tokens up to the end of the expression and compiles them.
// Inside an if condition the expression ends at the unmatched ')'; otherwise
// at a top-level ';', '}' or end of input.
func (p *parser) parseExpr(inParens bool) (*Expr, error) {
	start := p.cur()
	var parts []Token
	var stack []TokenType

loop:
	for {
		tok := p.cur()
		switch tok.Type {
		case TokenEOF:
			break loop
		case TokenSemicolon:
			if len(stack) == 0 {
				break loop
			}
		case TokenAssign:
			return nil, p.errorf(tok, "unexpected '=' inside expression")
		case TokenLParen, TokenLBracket, TokenLBrace:
			stack = append(stack, tok.Type)
		case TokenRParen, TokenRBracket, TokenRBrace:
			if len(stack) == 0 {
				if tok.Type == TokenRBrace || (tok.Type == TokenRParen && inParens) {
					break loop
				}
				return nil, p.errorf(tok, "unbalanced %q", tok.Literal)
			}
			open := stack[len(stack)-1]
			if !matches(open, tok.Type) {
				return nil, p.errorf(tok, "unbalanced %q", tok.Literal)
			}
			stack = stack[:len(stack)-1]
		}
		parts = append(parts, p.advance())
	}

	if len(stack) > 0 {
		return nil, p.errorf(p.cur(), "unclosed bracket in expression")
	}
	if len(parts) == 0 {
		return nil, p.errorf(start, "expected expression, found %s", describe(start))
	}
	return compileExpr(parts)
}

func matches(open, close TokenType) bool {
	switch open {
	case TokenLParen:
		return close == TokenRParen
	case TokenLBracket:
		return close == TokenRBracket
	default:
		return close == TokenRBrace
	}
}

// callPrefix renames every function call before expr sees it. expr reserves
// its own builtin names (count, map, filter and more) even when they are
// disabled; the '$' can never appear in a script identifier, so the renamed
// calls cannot collide with variables.
const callPrefix = "fn$"

// exprOperators are words expr lexes as operators. They may be followed by
// '(' without being calls.
var exprOperators = map[string]bool{
	"not": true, "in": true, "and": true, "or": true, "let": true,
	"matches": true, "contains": true, "startsWith": true, "endsWith": true,
	"if": true, "else": true,
}

// compileExpr strips the '$' sigil from variables, renames function calls
// and hands the expression to expr. Builtins of expr are disabled so every
// call resolves against the VM's function table.
func compileExpr(parts []Token) (*Expr, error) {
	first := parts[0]
	e := &Expr{Line: first.Line, Col: first.Column}

	words := make([]string, len(parts))
	for i, tok := range parts {
		switch {
		case tok.Type == TokenIdentifier && tok.Literal == "null":
			words[i] = "nil"
		case isCall(parts, i):
			words[i] = callPrefix + tok.Literal
			e.calls = append(e.calls, tok.Literal)
		default:
			words[i] = tok.Literal
		}
	}
	e.Source = strings.Join(words, " ")

	if len(parts) == 1 && first.Type == TokenVariable {
		e.bareVar = first.Literal
		return e, nil
	}

	program, err := expr.Compile(e.Source, expr.AllowUndefinedVariables(), expr.DisableAllBuiltins())
	if err != nil {
		msg := strings.ReplaceAll(err.Error(), callPrefix, "")
		if i := strings.IndexByte(msg, '\n'); i >= 0 {
			msg = msg[:i]
		}
		return nil, &SyntaxError{Line: first.Line, Column: first.Column, Msg: msg}
	}
	e.program = program
	return e, nil
}

// isCall reports whether parts[i] names a function being called. Method calls
// after '.' or '?.' are left alone.
func isCall(parts []Token, i int) bool {
	tok := parts[i]
	if tok.Type != TokenIdentifier || exprOperators[tok.Literal] {
		return false
	}
	if i+1 >= len(parts) || parts[i+1].Type != TokenLParen {
		return false
	}
	if i > 0 && parts[i-1].Type == TokenOperator && (parts[i-1].Literal == "." || parts[i-1].Literal == "?.") {
		return false
	}
	return true
}
