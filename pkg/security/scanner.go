package security

import (
	"context"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/dukex/agentflow/pkg/events"
)

// SecretMatch is one finding of ScanForSecrets. Value is masked.
type SecretMatch struct {
	Type  string `json:"type"`
	Value string `json:"value"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

type detector struct {
	name string
	re   *regexp.Regexp
	// group selects the submatch that holds the secret; 0 is the whole match.
	group int
	check func(string) bool
}

const minEntropy = 4.0

var detectors = []detector{
	{
		name: "private_key",
		re:   regexp.MustCompile(`-----BEGIN (?:RSA |EC |DSA |OPENSSH |ENCRYPTED )?PRIVATE KEY-----[\s\S]+?-----END (?:RSA |EC |DSA |OPENSSH |ENCRYPTED )?PRIVATE KEY-----`),
	},
	{name: "aws_access_key", re: regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`)},
	{name: "github_token", re: regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,255}\b`)},
	{name: "slack_token", re: regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}`)},
	{name: "openai_key", re: regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{20,}`)},
	{name: "google_api_key", re: regexp.MustCompile(`\bAIza[0-9A-Za-z_-]{35}`)},
	{
		name:  "credential",
		re:    regexp.MustCompile(`(?i)\b(?:password|passwd|pwd|secret|api[_-]?key|token|access[_-]?key)\s*[:=]\s*["']?([^\s"',;]{6,})`),
		group: 1,
	},
	{
		name:  "high_entropy",
		re:    regexp.MustCompile(`[A-Za-z0-9+/_-]{32,}={0,2}`),
		check: func(s string) bool { return shannonEntropy(s) >= minEntropy },
	},
}

// ScanForSecrets runs every detector over text. Overlapping findings keep
// the first (most specific) detector. A security:secrets_detected
// notification is sent when anything is found.
func (g *Gate) ScanForSecrets(ctx context.Context, text string) []SecretMatch {
	matches := scan(text)

	if len(matches) > 0 {
		types := make([]string, 0, len(matches))
		for _, m := range matches {
			types = append(types, m.Type)
		}

		g.logger.WarnContext(ctx, "Secrets detected in content", "count", len(matches), "types", types)
		g.notifier.Notify(ctx, source, events.SecuritySecretsDetected, map[string]any{
			"count":   len(matches),
			"types":   types,
			"matches": matches,
		})
	}

	return matches
}

func scan(text string) []SecretMatch {
	var matches []SecretMatch

	overlaps := func(start, end int) bool {
		for _, m := range matches {
			if start < m.End && end > m.Start {
				return true
			}
		}

		return false
	}

	for _, d := range detectors {
		for _, loc := range d.re.FindAllStringSubmatchIndex(text, -1) {
			start, end := loc[2*d.group], loc[2*d.group+1]
			if start < 0 || overlaps(loc[0], loc[1]) {
				continue
			}

			value := text[start:end]
			if d.check != nil && !d.check(value) {
				continue
			}

			matches = append(matches, SecretMatch{Type: d.name, Value: Mask(value), Start: start, End: end})
		}
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Start < matches[j].Start })

	return matches
}

// Mask keeps the first and last four characters and stars the rest. Values
// of eight characters or fewer are fully masked.
func Mask(value string) string {
	runes := []rune(value)
	if len(runes) <= 8 {
		return strings.Repeat("*", len(runes))
	}

	return string(runes[:4]) + strings.Repeat("*", len(runes)-8) + string(runes[len(runes)-4:])
}

func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}

	freq := make(map[rune]float64)
	for _, r := range s {
		freq[r]++
	}

	n := float64(len([]rune(s)))

	var entropy float64

	for _, count := range freq {
		p := count / n
		entropy -= p * math.Log2(p)
	}

	return entropy
}
