package config

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokLBrace
	tokRBrace
)

type token struct {
	kind tokenKind
	text string
	pos  position
}

type position struct {
	line int
	col  int
}

func (p position) String() string {
	return fmt.Sprintf("%d:%d", p.line, p.col)
}

type lexer struct {
	src  string
	i    int
	line int
	col  int
}

func newLexer(src string) *lexer {
	return &lexer{src: src, line: 1, col: 1}
}

func (l *lexer) nextToken() (token, error) {
	for {
		if l.i >= len(l.src) {
			return token{kind: tokEOF, pos: position{line: l.line, col: l.col}}, nil
		}

		r, size := utf8.DecodeRuneInString(l.src[l.i:])
		if r == utf8.RuneError && size == 1 {
			return token{}, fmt.Errorf("invalid utf-8 at %d:%d", l.line, l.col)
		}

		if r == ' ' || r == '\t' || r == '\r' || r == '\n' {
			l.consume(r, size)
			continue
		}

		pos := position{line: l.line, col: l.col}
		switch r {
		case '#':
			// Comment until end of line.
			for l.i < len(l.src) {
				r2, size2 := utf8.DecodeRuneInString(l.src[l.i:])
				if r2 == '\n' {
					break
				}
				l.consume(r2, size2)
			}
			continue
		case '{':
			if text, ok := l.readPlaceholder(); ok {
				return token{kind: tokIdent, text: text, pos: pos}, nil
			}
			l.consume(r, size)
			return token{kind: tokLBrace, text: "{", pos: pos}, nil
		case '}':
			l.consume(r, size)
			return token{kind: tokRBrace, text: "}", pos: pos}, nil
		case '"':
			s, err := l.readString()
			if err != nil {
				return token{}, err
			}
			return token{kind: tokString, text: s, pos: pos}, nil
		default:
			return token{kind: tokIdent, text: l.readIdent(), pos: pos}, nil
		}
	}
}

// readPlaceholder recognizes {env.NAME} without consuming a bare brace.
func (l *lexer) readPlaceholder() (string, bool) {
	if !strings.HasPrefix(l.src[l.i:], "{env.") {
		return "", false
	}
	end := strings.IndexByte(l.src[l.i:], '}')
	if end < 0 {
		return "", false
	}
	text := l.src[l.i : l.i+end+1]
	if strings.ContainsAny(text, " \t\r\n") {
		return "", false
	}
	for _, r := range text {
		l.consume(r, utf8.RuneLen(r))
	}
	return text, true
}

func (l *lexer) readString() (string, error) {
	start := position{line: l.line, col: l.col}
	l.consume('"', 1)

	var b strings.Builder
	for {
		if l.i >= len(l.src) {
			return "", fmt.Errorf("unterminated string starting at %s", start)
		}
		r, size := utf8.DecodeRuneInString(l.src[l.i:])
		switch r {
		case '"':
			l.consume(r, size)
			return b.String(), nil
		case '\n':
			return "", fmt.Errorf("unterminated string starting at %s", start)
		case '\\':
			l.consume(r, size)
			if l.i >= len(l.src) {
				return "", fmt.Errorf("unterminated escape at %d:%d", l.line, l.col)
			}
			e, esize := utf8.DecodeRuneInString(l.src[l.i:])
			switch e {
			case '"', '\\':
				b.WriteRune(e)
			case 'n':
				b.WriteRune('\n')
			case 't':
				b.WriteRune('\t')
			default:
				return "", fmt.Errorf("unknown escape \\%c at %d:%d", e, l.line, l.col)
			}
			l.consume(e, esize)
		default:
			b.WriteRune(r)
			l.consume(r, size)
		}
	}
}

func (l *lexer) readIdent() string {
	start := l.i
	for l.i < len(l.src) {
		r, size := utf8.DecodeRuneInString(l.src[l.i:])
		if r == ' ' || r == '\t' || r == '\r' || r == '\n' || r == '{' || r == '}' || r == '"' || r == '#' {
			break
		}
		l.consume(r, size)
	}
	return l.src[start:l.i]
}

func (l *lexer) consume(r rune, size int) {
	l.i += size
	if r == '\n' {
		l.line++
		l.col = 1
	} else {
		l.col++
	}
}
