package eventbus

import (
	"regexp"
	"strings"
)

// compilePattern turns an MQTT-style topic pattern into a regexp: "/" is
// normalised to ".", "*" matches exactly one segment, and a trailing "#"
// matches zero or more trailing segments.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	normalised := strings.ReplaceAll(pattern, "/", ".")
	segments := strings.Split(normalised, ".")

	var b strings.Builder
	b.WriteString("^")
	for i, seg := range segments {
		if seg == "#" && i == len(segments)-1 {
			if i == 0 {
				// "#" alone, with no preceding segment to anchor on.
				b.WriteString(`.*`)
			} else {
				b.WriteString(`(\..+)?`)
			}
			continue
		}
		if i > 0 {
			b.WriteString(`\.`)
		}
		if seg == "*" {
			b.WriteString(`[^.]+`)
		} else {
			b.WriteString(regexp.QuoteMeta(seg))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

func normaliseTopic(topic string) string {
	return strings.ReplaceAll(topic, "/", ".")
}
