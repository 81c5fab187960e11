package script

import (
	"fmt"
	"strings"
	"unicode"
)

// Pos is a 1-based source position.
type Pos struct {
	Line int `json:"line"`
	Col  int `json:"col"`
}

func (p Pos) String() string { return fmt.Sprintf("line %d col %d", p.Line, p.Col) }

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokInt
	tokFloat
	tokString
	tokMoney
	tokOp
)

type token struct {
	kind tokenKind
	text string
	pos  Pos
}

func (t token) String() string {
	switch t.kind {
	case tokEOF:
		return "end of input"
	case tokString:
		return fmt.Sprintf("string %q", t.text)
	}
	return fmt.Sprintf("%q", t.text)
}

var operators = []string{
	"++", "--", "+=", "-=", "*=", "/=", "%=", "==", "!=", "<=", ">=", "&&", "||",
	"+", "-", "*", "/", "%", "=", "<", ">", "!", "(", ")", "{", "}", "[", "]",
	",", ";", ".", "?", ":",
}

type lexer struct {
	src  []rune
	off  int
	line int
	col  int
}

func tokenize(src string) ([]token, error) {
	lx := &lexer{src: []rune(src), line: 1, col: 1}
	var out []token
	for {
		tok, err := lx.next()
		if err != nil {
			return nil, err
		}
		out = append(out, tok)
		if tok.kind == tokEOF {
			return out, nil
		}
	}
}

func (lx *lexer) peek(n int) rune {
	if lx.off+n >= len(lx.src) {
		return 0
	}
	return lx.src[lx.off+n]
}

func (lx *lexer) advance() rune {
	r := lx.src[lx.off]
	lx.off++
	if r == '\n' {
		lx.line++
		lx.col = 1
	} else {
		lx.col++
	}
	return r
}

func (lx *lexer) errorf(pos Pos, format string, args ...any) error {
	return &ParseError{Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

func (lx *lexer) skipSpaceAndComments() error {
	for lx.off < len(lx.src) {
		r := lx.peek(0)
		switch {
		case unicode.IsSpace(r):
			lx.advance()
		case r == '/' && lx.peek(1) == '/':
			for lx.off < len(lx.src) && lx.peek(0) != '\n' {
				lx.advance()
			}
		case r == '/' && lx.peek(1) == '*':
			start := Pos{lx.line, lx.col}
			lx.advance()
			lx.advance()
			closed := false
			for lx.off < len(lx.src) {
				if lx.peek(0) == '*' && lx.peek(1) == '/' {
					lx.advance()
					lx.advance()
					closed = true
					break
				}
				lx.advance()
			}
			if !closed {
				return lx.errorf(start, "unterminated comment")
			}
		default:
			return nil
		}
	}
	return nil
}

func (lx *lexer) next() (token, error) {
	if err := lx.skipSpaceAndComments(); err != nil {
		return token{}, err
	}
	pos := Pos{lx.line, lx.col}
	if lx.off >= len(lx.src) {
		return token{kind: tokEOF, pos: pos}, nil
	}
	r := lx.peek(0)
	switch {
	case r == '_' || unicode.IsLetter(r):
		var sb strings.Builder
		for lx.off < len(lx.src) && (lx.peek(0) == '_' || unicode.IsLetter(lx.peek(0)) || unicode.IsDigit(lx.peek(0))) {
			sb.WriteRune(lx.advance())
		}
		return token{kind: tokIdent, text: sb.String(), pos: pos}, nil
	case unicode.IsDigit(r) || (r == '.' && unicode.IsDigit(lx.peek(1))):
		text, isFloat := lx.number()
		kind := tokInt
		if isFloat {
			kind = tokFloat
		}
		return token{kind: kind, text: text, pos: pos}, nil
	case r == '$' && (unicode.IsDigit(lx.peek(1)) || lx.peek(1) == '.'):
		lx.advance()
		text, _ := lx.number()
		return token{kind: tokMoney, text: text, pos: pos}, nil
	case r == '"' || r == '\'':
		s, err := lx.str(pos)
		if err != nil {
			return token{}, err
		}
		return token{kind: tokString, text: s, pos: pos}, nil
	}
	for _, op := range operators {
		if lx.hasPrefix(op) {
			for range op {
				lx.advance()
			}
			return token{kind: tokOp, text: op, pos: pos}, nil
		}
	}
	return token{}, lx.errorf(pos, "unexpected character %q", r)
}

func (lx *lexer) hasPrefix(op string) bool {
	i := 0
	for _, r := range op {
		if lx.peek(i) != r {
			return false
		}
		i++
	}
	return true
}

func (lx *lexer) number() (string, bool) {
	var sb strings.Builder
	isFloat := false
	for lx.off < len(lx.src) {
		r := lx.peek(0)
		switch {
		case unicode.IsDigit(r):
			sb.WriteRune(lx.advance())
		case r == '.' && !isFloat && unicode.IsDigit(lx.peek(1)):
			isFloat = true
			sb.WriteRune(lx.advance())
		case (r == 'e' || r == 'E') && (unicode.IsDigit(lx.peek(1)) || ((lx.peek(1) == '-' || lx.peek(1) == '+') && unicode.IsDigit(lx.peek(2)))):
			isFloat = true
			sb.WriteRune(lx.advance())
			sb.WriteRune(lx.advance())
		default:
			return sb.String(), isFloat
		}
	}
	return sb.String(), isFloat
}

func (lx *lexer) str(pos Pos) (string, error) {
	quote := lx.advance()
	var sb strings.Builder
	for {
		if lx.off >= len(lx.src) {
			return "", lx.errorf(pos, "unterminated string literal")
		}
		r := lx.advance()
		switch {
		case r == quote:
			return sb.String(), nil
		case r == '\n':
			return "", lx.errorf(pos, "newline in string literal")
		case r == '\\':
			if lx.off >= len(lx.src) {
				return "", lx.errorf(pos, "unterminated string literal")
			}
			esc := lx.advance()
			switch esc {
			case 'n':
				sb.WriteRune('\n')
			case 't':
				sb.WriteRune('\t')
			case 'r':
				sb.WriteRune('\r')
			case '\\', '"', '\'':
				sb.WriteRune(esc)
			default:
				return "", lx.errorf(Pos{lx.line, lx.col - 2}, "unknown escape sequence \\%c", esc)
			}
		default:
			sb.WriteRune(r)
		}
	}
}
