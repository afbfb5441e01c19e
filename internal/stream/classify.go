package stream

import (
	"regexp"
	"strings"
)

// Activity is the transient badge shown for a session.
type Activity struct {
	Label string `json:"label"`
	Icon  string `json:"icon"`
}

// IsZero reports whether no activity was recognized.
func (a Activity) IsZero() bool {
	return a.Label == ""
}

// Ready is the badge for a shell sitting at its prompt.
var Ready = Activity{Label: "ready", Icon: "✅"}

// ActivityRule maps a last-line pattern to a badge.
type ActivityRule struct {
	Pattern  *regexp.Regexp
	Activity Activity
}

// DefaultActivityRules are evaluated in order; the first match wins.
var DefaultActivityRules = []ActivityRule{
	{regexp.MustCompile(`(?i)\b(search(ing)?|grep(ping)?|looking for|scanning|finding)\b`), Activity{"searching", "🔍"}},
	{regexp.MustCompile(`(?i)\b(thinking|reasoning|analy[sz]ing|planning|pondering)\b`), Activity{"thinking", "🧠"}},
	{regexp.MustCompile(`(?i)\b(writing|editing|creating|updating|modifying)\b`), Activity{"writing", "✍️"}},
	{regexp.MustCompile(`(?i)\b(installing|npm (i|install)|yarn add|pnpm (add|install)|pip install|go get|cargo add|brew install|apt(-get)? install)\b`), Activity{"installing", "📦"}},
	{regexp.MustCompile(`(?i)\b(testing|running tests?|jest|vitest|pytest|go test|cargo test|PASS|FAIL)\b`), Activity{"testing", "🧪"}},
	{regexp.MustCompile(`(?i)\b(building|compiling|bundling|webpack|vite build|tsc|go build|cargo build|make)\b`), Activity{"building", "🔨"}},
	{regexp.MustCompile(`(?i)\b(deploying|publishing|uploading|pushing|kubectl apply|terraform apply)\b`), Activity{"deploying", "🚀"}},
}

var (
	// Trailing prompt glyph of a shell prompt.
	promptPattern = regexp.MustCompile(`[$%#❯➜]\s*$`)

	blockedPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\?\s*$`),
		regexp.MustCompile(`(?i)\[y/n\]`),
		regexp.MustCompile(`(?i)\(yes/no(/\[fingerprint\])?\)`),
		regexp.MustCompile(`(?i)\bpass(word|phrase)\b[^:]*:\s*$`),
		regexp.MustCompile(`(?i)^enter\b.*:\s*$`),
		regexp.MustCompile(`(?i)^select\b.*:\s*$`),
		regexp.MustCompile(`(?i)\bpress\b.*\bcontinue\b`),
	}

	sgrPattern = regexp.MustCompile(`\x1b\[([0-9;:]*)m`)

	errorKeywords = []string{"error", "Error", "ERROR", "FAILED", "failed", "exception", "Exception"}
)

// Signals are the semantic facts derived from one chunk.
type Signals struct {
	Error    bool     `json:"error"`
	Prompt   bool     `json:"prompt"`
	Blocked  bool     `json:"blocked"`
	Activity Activity `json:"activity"`
}

// Classifier evaluates the fixed signal patterns against a chunk.
type Classifier struct {
	Rules []ActivityRule
}

// NewClassifier returns a classifier using DefaultActivityRules.
func NewClassifier() *Classifier {
	return &Classifier{Rules: DefaultActivityRules}
}

// Classify derives signals from a raw chunk, its stripped text, and the
// current last logical line. Error detection looks at the raw bytes so
// colour-only signalling survives stripping; everything else looks at the
// trimmed last line.
func (c *Classifier) Classify(raw []byte, clean, lastLine string) Signals {
	line := strings.TrimSpace(lastLine)

	sig := Signals{
		Error:   HasRedSGR(raw) || ContainsErrorKeyword(clean),
		Prompt:  IsPrompt(line),
		Blocked: IsBlockedPrompt(line),
	}
	if sig.Prompt {
		sig.Activity = Ready
	} else {
		sig.Activity = c.activity(line)
	}
	return sig
}

func (c *Classifier) activity(line string) Activity {
	if line == "" {
		return Activity{}
	}
	for _, r := range c.Rules {
		if r.Pattern.MatchString(line) {
			return r.Activity
		}
	}
	return Activity{}
}

// IsPrompt reports whether a trimmed line ends in a shell prompt glyph.
func IsPrompt(line string) bool {
	return line != "" && promptPattern.MatchString(line)
}

// IsBlockedPrompt reports whether a trimmed line asks for confirmation or a
// credential.
func IsBlockedPrompt(line string) bool {
	if line == "" {
		return false
	}
	for _, p := range blockedPatterns {
		if p.MatchString(line) {
			return true
		}
	}
	return false
}

// ContainsErrorKeyword reports whether text mentions one of the error words.
func ContainsErrorKeyword(text string) bool {
	for _, kw := range errorKeywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// HasRedSGR reports whether raw contains an SGR sequence that selects a red
// or bright-red foreground.
func HasRedSGR(raw []byte) bool {
	for _, m := range sgrPattern.FindAllSubmatch(raw, -1) {
		params := strings.FieldsFunc(string(m[1]), func(r rune) bool { return r == ';' || r == ':' })
		for i := 0; i < len(params); i++ {
			switch params[i] {
			case "31", "91":
				return true
			case "38":
				if i+2 < len(params) && params[i+1] == "5" {
					if params[i+2] == "1" || params[i+2] == "9" {
						return true
					}
					i += 2
				} else if i+1 < len(params) && params[i+1] == "2" {
					i += 4
				}
			case "48":
				// Background colours never signal errors; skip their operands.
				if i+1 < len(params) && params[i+1] == "5" {
					i += 2
				} else if i+1 < len(params) && params[i+1] == "2" {
					i += 4
				}
			}
		}
	}
	return false
}
