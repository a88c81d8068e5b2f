package sandbox

import (
	"fmt"
	"regexp"
	"strings"
)

// defaultDenyPatterns block the commands an agent must never run regardless
// of configuration. Entries are regular expressions matched against the whole
// command line.
var defaultDenyPatterns = []string{
	`rm\s+(-[a-zA-Z]*\s+)*(/|~)(\s|$)`,
	`rm\s+-rf?\s+/\S*`,
	`\bsudo\b`,
	`\bsu\s`,
	`git\s+push\s+.*--force`,
	`git\s+push\s+.*-f\b`,
	`>\s*/dev/sd[a-z]`,
	`\bmkfs\b`,
	`\bdd\s+if=`,
	`:\(\)\s*\{.*\};\s*:`,
	`\bshutdown\b`,
	`\breboot\b`,
	`\bchmod\s+777\s+/`,
	`curl\s+[^|]*\|\s*(ba)?sh`,
	`wget\s+[^|]*\|\s*(ba)?sh`,
}

// Denylist matches shell commands against a compiled blocking policy.
type Denylist struct {
	rules []denyRule
}

type denyRule struct {
	source string
	re     *regexp.Regexp
}

// NewDenylist compiles the default patterns plus any configured extras.
// Configured entries may be plain substrings; those are quoted before
// compilation.
func NewDenylist(extra []string) (*Denylist, error) {
	dl := &Denylist{}
	for _, p := range defaultDenyPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile default deny pattern %q: %w", p, err)
		}
		dl.rules = append(dl.rules, denyRule{source: p, re: re})
	}
	for _, p := range extra {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			// Fall back to a literal substring match for non-regex entries.
			re = regexp.MustCompile(regexp.QuoteMeta(p))
		}
		dl.rules = append(dl.rules, denyRule{source: p, re: re})
	}
	return dl, nil
}

// Match returns the matching rule source if the command is blocked, or an
// empty string if it is allowed.
func (d *Denylist) Match(command string) string {
	for _, r := range d.rules {
		if r.re.MatchString(command) {
			return r.source
		}
	}
	return ""
}
