package upsclient

import "strings"

// splitLine tokenizes one response line into words. Words are separated by
// runs of spaces or tabs; a word opening with '"' runs to the matching
// closing quote and may contain escaped characters (\" and \\). Returns a
// parse error for an unterminated quote or a dangling escape.
func splitLine(line string) ([]string, *Error) {
	var (
		words   []string
		word    strings.Builder
		inWord  bool
		quoted  bool
		escaped bool
	)

	flush := func() {
		if inWord {
			words = append(words, word.String())
			word.Reset()
			inWord = false
		}
	}

	for i := 0; i < len(line); i++ {
		ch := line[i]

		if escaped {
			word.WriteByte(ch)
			escaped = false
			continue
		}

		switch {
		case ch == '\\':
			escaped = true
			inWord = true
		case quoted && ch == '"':
			// Closing quote ends the word even without a separator.
			words = append(words, word.String())
			word.Reset()
			inWord = false
			quoted = false
		case quoted:
			word.WriteByte(ch)
		case ch == '"' && !inWord:
			quoted = true
			inWord = true
		case ch == ' ' || ch == '\t':
			flush()
		default:
			inWord = true
			word.WriteByte(ch)
		}
	}

	if quoted || escaped {
		return nil, kindErr(KindParse)
	}
	flush()

	return words, nil
}

// encodeWord quotes and escapes a single request argument so it survives
// the splitter on the other end: embedded '"' and '\' are escaped, and any
// argument containing whitespace is wrapped in quotes.
func encodeWord(arg string) string {
	needQuote := strings.ContainsAny(arg, " \t")

	var b strings.Builder
	if needQuote {
		b.WriteByte('"')
	}
	for i := 0; i < len(arg); i++ {
		switch arg[i] {
		case '"', '\\':
			b.WriteByte('\\')
		}
		b.WriteByte(arg[i])
	}
	if needQuote {
		b.WriteByte('"')
	}
	return b.String()
}

// buildCmd assembles a request line: verb, encoded arguments, newline.
func buildCmd(verb string, args ...string) string {
	var b strings.Builder
	b.WriteString(verb)
	for _, a := range args {
		b.WriteByte(' ')
		b.WriteString(encodeWord(a))
	}
	b.WriteByte('\n')
	return b.String()
}

// verifyEcho checks that the response words echo the query words
// case-insensitively, which is how the server acknowledges that the answer
// belongs to our question.
func verifyEcho(query, answer []string) bool {
	if len(answer) < len(query) {
		return false
	}
	for i := range query {
		if !strings.EqualFold(query[i], answer[i]) {
			return false
		}
	}
	return true
}
