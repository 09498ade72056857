package router

import "strings"

// parseCommand splits "<prefix>name args..." into the lower-cased name and
// its arguments. A "@botname" suffix on the name is dropped.
func parseCommand(prefix, text string) (name string, args []string, ok bool) {
	text = strings.TrimSpace(text)
	if prefix == "" || !strings.HasPrefix(text, prefix) {
		return "", nil, false
	}
	toks := tokenize(strings.TrimPrefix(text, prefix))
	if len(toks) == 0 {
		return "", nil, false
	}
	name = toks[0]
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	name = strings.ToLower(name)
	if name == "" {
		return "", nil, false
	}
	return name, toks[1:], true
}

// tokenize splits command text on whitespace, keeping quoted runs together.
// A backslash escapes the next byte.
//
//	remind "in 10m" stretch
func tokenize(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		out   []string
		buf   strings.Builder
		quote byte
		esc   bool
		open  bool
	)
	flush := func() {
		if open {
			out = append(out, buf.String())
			buf.Reset()
			open = false
		}
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case esc:
			buf.WriteByte(ch)
			esc = false
		case ch == '\\':
			esc, open = true, true
		case quote != 0:
			if ch == quote {
				quote = 0
			} else {
				buf.WriteByte(ch)
			}
		case ch == '"' || ch == '\'':
			quote, open = ch, true
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			flush()
		default:
			buf.WriteByte(ch)
			open = true
		}
	}
	flush()
	return out
}
