package sender

import (
	"math/rand"
	"regexp"
	"strings"
)

var (
	// spinRe matches an innermost {a|b|...} group. Groups without a pipe are left alone.
	spinRe = regexp.MustCompile(`\{([^{}|]*\|[^{}]*)\}`)
	varRe  = regexp.MustCompile(`\{\{\s*([^{}\s]+)\s*\}\}`)
)

const maxSpinDepth = 16

// Spin resolves every {a|b|c} group to one option chosen uniformly at random,
// trimmed of surrounding spaces. Nested groups resolve from the inside out.
func Spin(text string, intn func(int) int) string {
	if intn == nil {
		intn = rand.Intn
	}
	for i := 0; i < maxSpinDepth; i++ {
		next := spinRe.ReplaceAllStringFunc(text, func(group string) string {
			opts := strings.Split(group[1:len(group)-1], "|")
			return strings.TrimSpace(opts[intn(len(opts))])
		})
		if next == text {
			break
		}
		text = next
	}
	return text
}

// Substitute replaces {{name}} placeholders with vars, matching keys
// case-insensitively. Missing keys become the empty string.
func Substitute(text string, vars map[string]string) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	lower := make(map[string]string, len(vars))
	for k, v := range vars {
		lower[strings.ToLower(k)] = v
	}
	return varRe.ReplaceAllStringFunc(text, func(ph string) string {
		key := varRe.FindStringSubmatch(ph)[1]
		return lower[strings.ToLower(key)]
	})
}

// Render produces the text one recipient receives.
func Render(body string, vars map[string]string, spin bool, intn func(int) int) string {
	if spin {
		body = Spin(body, intn)
	}
	return Substitute(body, vars)
}
