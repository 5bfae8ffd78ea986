package crs

import (
	"regexp"
	"strings"
)

var unknownParamPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)unknown parameter:?\s*["“']?([A-Za-z0-9_ .-]+?)["”']?\s*(?:$|[.;,])`),
	regexp.MustCompile(`(?i)parameter\s+["“']([^"”']+)["”']\s+(?:was not expected|is not recognized|is unknown)`),
}

// unknownParameter returns the parameter named by a lookup error, if the
// error is of the unknown-parameter kind.
func unknownParameter(msg string) (string, bool) {
	for _, re := range unknownParamPatterns {
		if m := re.FindStringSubmatch(msg); m != nil {
			name := strings.TrimSpace(m[1])
			if name != "" {
				return name, true
			}
		}
	}
	return "", false
}

// StripClause removes the bracketed clause that names param, along with the
// comma it leaves dangling. The text is returned unchanged when no clause
// can be found, which ends the repair loop.
func StripClause(wkt, param string) string {
	start, open := findClause(wkt, param)
	if start < 0 {
		return wkt
	}

	end := matchBracket(wkt, open)
	if end < 0 {
		return wkt
	}
	end++ // include the closing bracket

	// Prefer removing the separator before the clause; a leading clause
	// takes the one after it instead.
	before := strings.TrimRight(wkt[:start], " \t\r\n")
	after := wkt[end:]
	if strings.HasSuffix(before, ",") {
		return before[:len(before)-1] + after
	}
	trimmedAfter := strings.TrimLeft(after, " \t\r\n")
	if strings.HasPrefix(trimmedAfter, ",") {
		return wkt[:start] + strings.TrimLeft(trimmedAfter[1:], " \t\r\n")
	}
	return wkt[:start] + after
}

// findClause locates the keyword start and the opening bracket of the clause
// naming param: either KEYWORD["param", ...] or a bare param[...] keyword.
func findClause(wkt, param string) (start, open int) {
	lower := strings.ToLower(wkt)
	lp := strings.ToLower(param)

	for _, quoted := range []string{`"` + lp + `"`, `'` + lp + `'`} {
		idx := strings.Index(lower, quoted)
		for idx >= 0 {
			// Walk back over whitespace to the opening bracket.
			j := idx - 1
			for j >= 0 && isSpace(wkt[j]) {
				j--
			}
			if j >= 0 && (wkt[j] == '[' || wkt[j] == '(') {
				return keywordStart(wkt, j), j
			}
			next := strings.Index(lower[idx+1:], quoted)
			if next < 0 {
				break
			}
			idx += next + 1
		}
	}

	// Bare keyword, e.g. TOWGS84[...].
	idx := strings.Index(lower, lp)
	for idx >= 0 {
		k := idx + len(lp)
		for k < len(wkt) && isSpace(wkt[k]) {
			k++
		}
		boundary := idx == 0 || !isWordChar(wkt[idx-1])
		if boundary && k < len(wkt) && (wkt[k] == '[' || wkt[k] == '(') {
			return idx, k
		}
		next := strings.Index(lower[idx+1:], lp)
		if next < 0 {
			break
		}
		idx += next + 1
	}
	return -1, -1
}

func keywordStart(wkt string, open int) int {
	i := open - 1
	for i >= 0 && isSpace(wkt[i]) {
		i--
	}
	for i >= 0 && isWordChar(wkt[i]) {
		i--
	}
	return i + 1
}

// matchBracket returns the index of the bracket closing the one at open.
func matchBracket(wkt string, open int) int {
	depth := 0
	inQuote := false
	for i := open; i < len(wkt); i++ {
		switch c := wkt[i]; {
		case c == '"':
			inQuote = !inQuote
		case inQuote:
		case c == '[' || c == '(':
			depth++
		case c == ']' || c == ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isWordChar(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}
