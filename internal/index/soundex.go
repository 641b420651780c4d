package index

import "strings"

// soundexCode maps letters to their Soundex digit, 0 meaning "drop".
var soundexCode = map[byte]byte{
	'b': '1', 'f': '1', 'p': '1', 'v': '1',
	'c': '2', 'g': '2', 'j': '2', 'k': '2', 'q': '2', 's': '2', 'x': '2', 'z': '2',
	'd': '3', 't': '3',
	'l': '4',
	'm': '5', 'n': '5',
	'r': '6',
}

// soundex computes the classic 4-character Soundex code of a token.
// Non-alphabetic input falls back to the token itself so numeric external
// ids still block consistently.
func soundex(token string) string {
	token = strings.ToLower(token)
	if token == "" {
		return ""
	}
	first := token[0]
	if first < 'a' || first > 'z' {
		return token
	}

	var sb strings.Builder
	sb.WriteByte(first - 'a' + 'A')
	prev := soundexCode[first]
	for i := 1; i < len(token) && sb.Len() < 4; i++ {
		c := token[i]
		if c < 'a' || c > 'z' {
			prev = 0
			continue
		}
		code := soundexCode[c]
		// h and w are transparent: they do not reset the previous code
		if c == 'h' || c == 'w' {
			continue
		}
		if code != 0 && code != prev {
			sb.WriteByte(code)
		}
		prev = code
	}
	for sb.Len() < 4 {
		sb.WriteByte('0')
	}
	return sb.String()
}
