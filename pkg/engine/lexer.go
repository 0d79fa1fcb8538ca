package engine

import (
	"fmt"
)

type TokenType string

const (
	TokenVariable   TokenType = "VARIABLE"
	TokenIdentifier TokenType = "IDENTIFIER"
	TokenString     TokenType = "STRING"
	TokenNumber     TokenType = "NUMBER"
	TokenOperator   TokenType = "OPERATOR"
	TokenAssign     TokenType = "ASSIGN"
	TokenLParen     TokenType = "LPAREN"
	TokenRParen     TokenType = "RPAREN"
	TokenLBracket   TokenType = "LBRACKET"
	TokenRBracket   TokenType = "RBRACKET"
	TokenLBrace     TokenType = "LBRACE"
	TokenRBrace     TokenType = "RBRACE"
	TokenComma      TokenType = "COMMA"
	TokenSemicolon  TokenType = "SEMICOLON"
	TokenEOF        TokenType = "EOF"
	TokenError      TokenType = "ERROR"
)

type Token struct {
	Type    TokenType
	Literal string
	Line    int
	Column  int
}

type Lexer struct {
	input        string
	position     int  // index of ch
	readPosition int  // index after ch
	ch           byte // current character, 0 at EOF
	line         int
	col          int
}

func NewLexer(input string) *Lexer {
	l := &Lexer{input: input, line: 1, col: 0}
	l.readChar()
	return l
}

func (l *Lexer) readChar() {
	if l.ch == '\n' {
		l.line++
		l.col = 0
	}
	if l.readPosition >= len(l.input) {
		l.ch = 0
	} else {
		l.ch = l.input[l.readPosition]
	}
	l.position = l.readPosition
	l.readPosition++
	l.col++
}

func (l *Lexer) peekChar() byte {
	if l.readPosition >= len(l.input) {
		return 0
	}
	return l.input[l.readPosition]
}

// Tokenize returns every token up to and including EOF, or the first
// TokenError.
func (l *Lexer) Tokenize() []Token {
	var out []Token
	for {
		tok := l.NextToken()
		out = append(out, tok)
		if tok.Type == TokenEOF || tok.Type == TokenError {
			return out
		}
	}
}

func (l *Lexer) NextToken() Token {
	if msg := l.skipWhitespaceAndComments(); msg != "" {
		return Token{Type: TokenError, Literal: msg, Line: l.line, Column: l.col}
	}

	tok := Token{Line: l.line, Column: l.col}
	switch ch := l.ch; {
	case ch == 0:
		tok.Type = TokenEOF
		return tok
	case ch == '"' || ch == '\'':
		lit, ok := l.readString(ch)
		if !ok {
			return Token{Type: TokenError, Literal: "unterminated string literal", Line: tok.Line, Column: tok.Column}
		}
		tok.Type = TokenString
		tok.Literal = lit
		return tok
	case ch == '$':
		l.readChar()
		if !isLetter(l.ch) {
			return Token{Type: TokenError, Literal: "expected variable name after '$'", Line: tok.Line, Column: tok.Column}
		}
		tok.Type = TokenVariable
		tok.Literal = l.readIdentifier()
		return tok
	case isLetter(ch):
		tok.Type = TokenIdentifier
		tok.Literal = l.readIdentifier()
		return tok
	case isDigit(ch):
		tok.Type = TokenNumber
		tok.Literal = l.readNumber()
		return tok
	}

	single := map[byte]TokenType{
		'(': TokenLParen, ')': TokenRParen,
		'[': TokenLBracket, ']': TokenRBracket,
		'{': TokenLBrace, '}': TokenRBrace,
		',': TokenComma, ';': TokenSemicolon,
	}
	if t, ok := single[l.ch]; ok {
		tok.Type = t
		tok.Literal = string(l.ch)
		l.readChar()
		return tok
	}

	// Two-character operators first, so "==" never reads as an assignment.
	two := string([]byte{l.ch, l.peekChar()})
	switch two {
	case "==", "!=", "<=", ">=", "&&", "||", "..", "??", "?.", "**":
		l.readChar()
		l.readChar()
		tok.Type = TokenOperator
		tok.Literal = two
		return tok
	}

	switch l.ch {
	case '=':
		tok.Type = TokenAssign
	case '+', '-', '*', '/', '%', '<', '>', '!', '?', ':', '.', '^':
		tok.Type = TokenOperator
	default:
		tok.Type = TokenError
		tok.Literal = fmt.Sprintf("unexpected character %q", l.ch)
		return tok
	}
	tok.Literal = string(l.ch)
	l.readChar()
	return tok
}

// skipWhitespaceAndComments consumes blanks and //, # and /* */ comments. It
// returns a message when a block comment is left open.
func (l *Lexer) skipWhitespaceAndComments() string {
	for {
		switch {
		case l.ch == ' ' || l.ch == '\t' || l.ch == '\n' || l.ch == '\r':
			l.readChar()
		case l.ch == '#' || (l.ch == '/' && l.peekChar() == '/'):
			for l.ch != '\n' && l.ch != 0 {
				l.readChar()
			}
		case l.ch == '/' && l.peekChar() == '*':
			l.readChar()
			l.readChar()
			for !(l.ch == '*' && l.peekChar() == '/') {
				if l.ch == 0 {
					return "unterminated block comment"
				}
				l.readChar()
			}
			l.readChar()
			l.readChar()
		default:
			return ""
		}
	}
}

// readString returns the literal with its quotes, escapes left untouched, so
// the expression compiler sees exactly what the script wrote.
func (l *Lexer) readString(quote byte) (string, bool) {
	start := l.position
	l.readChar()
	for l.ch != quote {
		if l.ch == 0 {
			return "", false
		}
		if l.ch == '\\' {
			l.readChar()
			if l.ch == 0 {
				return "", false
			}
		}
		l.readChar()
	}
	l.readChar()
	return l.input[start:l.position], true
}

func (l *Lexer) readIdentifier() string {
	start := l.position
	for isLetter(l.ch) || isDigit(l.ch) {
		l.readChar()
	}
	return l.input[start:l.position]
}

func (l *Lexer) readNumber() string {
	start := l.position
	for isDigit(l.ch) || l.ch == '_' {
		l.readChar()
	}
	if l.ch == '.' && isDigit(l.peekChar()) {
		l.readChar()
		for isDigit(l.ch) {
			l.readChar()
		}
	}
	if l.ch == 'e' || l.ch == 'E' {
		next := l.peekChar()
		if isDigit(next) || next == '+' || next == '-' {
			l.readChar()
			l.readChar()
			for isDigit(l.ch) {
				l.readChar()
			}
		}
	}
	return l.input[start:l.position]
}

func isLetter(ch byte) bool {
	return 'a' <= ch && ch <= 'z' || 'A' <= ch && ch <= 'Z' || ch == '_'
}

func isDigit(ch byte) bool {
	return '0' <= ch && ch <= '9'
}
