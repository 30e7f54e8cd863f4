package command

import (
	"strings"
	"unicode"
)

// Tokenize splits s into words the way a POSIX shell would, without any
// expansion: whitespace separates words, single quotes preserve everything
// literally, double quotes honor backslash escapes of \ " $ ` and newline,
// and an unquoted backslash escapes the next character. Quoted and unquoted
// parts that touch form a single word, and "" yields an empty word.
func Tokenize(s string) ([]string, error) {
	runes := []rune(s)
	n := len(runes)

	var (
		tokens []string
		cur    strings.Builder
		inWord bool
	)

	flush := func() {
		if inWord {
			tokens = append(tokens, cur.String())
			cur.Reset()
			inWord = false
		}
	}

	for i := 0; i < n; i++ {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			flush()

		case r == '\\':
			if i+1 >= n {
				return nil, &ValidationError{Field: "arguments", Msg: "trailing backslash"}
			}
			i++
			if runes[i] != '\n' {
				cur.WriteRune(runes[i])
				inWord = true
			}

		case r == '\'':
			inWord = true
			end := indexRune(runes, i+1, '\'')
			if end < 0 {
				return nil, &ValidationError{Field: "arguments", Msg: "unterminated single quote"}
			}
			cur.WriteString(string(runes[i+1 : end]))
			i = end

		case r == '"':
			inWord = true
			closed := false
			for i++; i < n; i++ {
				c := runes[i]
				if c == '"' {
					closed = true
					break
				}
				if c == '\\' && i+1 < n {
					switch next := runes[i+1]; next {
					case '\\', '"', '$', '`':
						cur.WriteRune(next)
						i++
						continue
					case '\n':
						i++
						continue
					}
				}
				cur.WriteRune(c)
			}
			if !closed {
				return nil, &ValidationError{Field: "arguments", Msg: "unterminated double quote"}
			}

		default:
			cur.WriteRune(r)
			inWord = true
		}
	}
	flush()
	return tokens, nil
}

func indexRune(runes []rune, from int, r rune) int {
	for i := from; i < len(runes); i++ {
		if runes[i] == r {
			return i
		}
	}
	return -1
}

// stripQuotes removes one pair of matching surrounding quotes.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
