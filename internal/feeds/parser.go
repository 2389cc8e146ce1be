package feeds

import (
	"bytes"
	"iter"
	"strings"
)

// ParseLines lazily yields candidate values from a feed body. Blank lines and
// lines starting with '#' are skipped; lines that do not have the configured
// column are dropped without error. Lines are trimmed first, so an indented
// "  # note" is a comment too.
func ParseLines(body []byte, rule Rule) iter.Seq[string] {
	return func(yield func(string) bool) {
		rest := body
		for len(rest) > 0 {
			var line []byte
			if i := bytes.IndexByte(rest, '\n'); i >= 0 {
				line, rest = rest[:i], rest[i+1:]
			} else {
				line, rest = rest, nil
			}
			v, ok := extract(string(line), rule)
			if !ok {
				continue
			}
			if !yield(v) {
				return
			}
		}
	}
}

func extract(line string, rule Rule) (string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", false
	}
	switch rule.Format {
	case FormatDelimited:
		fields := strings.Split(line, rule.Delimiter)
		if len(fields) <= rule.Column {
			return "", false
		}
		v := strings.TrimSpace(fields[rule.Column])
		return v, v != ""
	case FormatWhitespace:
		fields := strings.Fields(line)
		if len(fields) < 2 || len(fields) <= rule.Column {
			return "", false
		}
		return fields[rule.Column], true
	default:
		return line, true
	}
}
