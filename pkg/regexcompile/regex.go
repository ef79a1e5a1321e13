// Package regexcompile turns the declarative rule shapes the ACL document
// uses — wildcard model-name lists and endpoint path templates — into
// single anchored regular expressions (§4.2).
package regexcompile

import (
	"regexp"
	"strings"
)

// wildcardMeta is the set of characters escaped before the wildcard '*' is
// expanded into ".*". Note '*' itself is deliberately excluded here.
const wildcardMeta = `.+?^$()[]{}|\`

// endpointMeta is the set of characters escaped before '{name}' segments
// are rewritten. Unlike wildcardMeta, '*' IS a literal-meta character here
// (endpoint templates have no wildcard syntax), so it is escaped too.
const endpointMeta = `.+?*^$()[]|\`

var endpointParam = regexp.MustCompile(`/\{[A-Za-z0-9_]+\}`)

func escapeOneOf(s, metaSet string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(metaSet, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// never is a pattern that matches no input, used for an empty ruleset (§3).
// It requires at least one rune drawn from the empty complement of the
// entire Unicode range, which is satisfiable by nothing, including "".
const never = `^[^\x{00}-\x{10FFFF}]+$`

// WildcardsToRegex compiles a list of wildcard patterns (e.g. "gpt-*",
// "text-davinci-*") into one anchored regex matching any of them. '*'
// expands to ".*"; every other regex metacharacter is escaped literally.
// A bare "*" short-circuits to a regex matching every string. An empty
// input compiles to a matcher that never matches.
func WildcardsToRegex(wildcards []string) *regexp.Regexp {
	if len(wildcards) == 0 {
		return regexp.MustCompile(never)
	}
	for _, w := range wildcards {
		if w == "*" {
			return regexp.MustCompile(`^.*$`)
		}
	}

	parts := make([]string, len(wildcards))
	for i, w := range wildcards {
		escaped := escapeOneOf(w, wildcardMeta)
		parts[i] = strings.ReplaceAll(escaped, "*", ".*")
	}
	return regexp.MustCompile(`^(?:` + strings.Join(parts, "|") + `)$`)
}

// EndpointsToRegex compiles a list of endpoint path templates (e.g.
// "/v1/chat/completions", "/v1/models/{model}") into one anchored regex.
// All regex metacharacters including '*' are escaped literally; `/{name}`
// segments become an unnamed "any path segment" match. An empty input
// compiles to a matcher that never matches.
func EndpointsToRegex(endpoints []string) *regexp.Regexp {
	if len(endpoints) == 0 {
		return regexp.MustCompile(never)
	}

	parts := make([]string, len(endpoints))
	for i, e := range endpoints {
		escaped := escapeOneOf(e, endpointMeta)
		rewritten := endpointParam.ReplaceAllString(escaped, `/(?:[^/]+)`)
		parts[i] = rewritten
	}
	return regexp.MustCompile(`^(?:` + strings.Join(parts, "|") + `)$`)
}

// ModelPathTemplate compiles a single `{model}`-templated endpoint path into
// a regex with a named capture group "model", used by the ACL's model_path
// family (§4.3) where path=true entries carry a named capture rather than
// an anonymous one.
func ModelPathTemplate(template string) *regexp.Regexp {
	escaped := escapeOneOf(template, endpointMeta)
	rewritten := strings.ReplaceAll(escaped, `/{model}`, `/(?P<model>[^/]+)`)
	return regexp.MustCompile(`^` + rewritten + `$`)
}
