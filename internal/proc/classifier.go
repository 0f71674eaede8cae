package proc

import (
	"regexp"
	"strings"
)

// Classification is the result of scanning one output chunk.
type Classification struct {
	// ResumeToken is a session identifier announced by the CLI, empty when
	// the chunk contained none.
	ResumeToken string
	// Idle is set when the chunk shows the agent sitting at its input
	// prompt waiting for the user.
	Idle bool
	// IdlePattern names the pattern that triggered Idle.
	IdlePattern string
}

// OutputClassifier scans raw terminal output for the wrapped CLI's
// session-id announcement and idle marker. Scraping terminal output is
// brittle by nature, so the heuristic lives behind this interface where it
// can be swapped and tested independently of process management.
type OutputClassifier interface {
	Classify(chunk []byte) Classification
}

var (
	// The CLI announces its session id either as a JSON field (stream-json
	// output and the init event) or as a plain "Session ID: <uuid>" line.
	resumeTokenJSONPattern  = regexp.MustCompile(`"session_id"\s*:\s*"([0-9a-fA-F-]{36})"`)
	resumeTokenPlainPattern = regexp.MustCompile(`[Ss]ession [Ii][Dd]:?\s+([0-9a-fA-F-]{36})`)

	defaultIdlePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?m)^\s*│?\s*>\s*$`),
		regexp.MustCompile(`\? for shortcuts`),
	}
)

const classifierTailBytes = 4 * 1024

type agentOutputClassifier struct {
	tail         []byte
	idlePatterns []*regexp.Regexp
}

// NewAgentOutputClassifier returns a stateful classifier for one process.
// It keeps a small rolling tail so markers split across read boundaries are
// still recognized.
func NewAgentOutputClassifier() OutputClassifier {
	return &agentOutputClassifier{idlePatterns: defaultIdlePatterns}
}

func (c *agentOutputClassifier) Classify(chunk []byte) Classification {
	if len(chunk) == 0 {
		return Classification{}
	}
	c.tail = append(c.tail, chunk...)
	if len(c.tail) > classifierTailBytes {
		c.tail = c.tail[len(c.tail)-classifierTailBytes:]
	}
	window := string(c.tail)

	var out Classification
	if match := resumeTokenJSONPattern.FindStringSubmatch(window); match != nil {
		out.ResumeToken = match[1]
	} else if match := resumeTokenPlainPattern.FindStringSubmatch(window); match != nil {
		out.ResumeToken = match[1]
	}

	// Idle is only meaningful for the most recent output, not the whole
	// rolling window, so match against the current chunk with a little
	// carry-over for split escape sequences.
	recent := window
	if len(recent) > len(chunk)+64 {
		recent = recent[len(recent)-len(chunk)-64:]
	}
	recent = stripANSI(recent)
	for _, pattern := range c.idlePatterns {
		if pattern.MatchString(recent) {
			out.Idle = true
			out.IdlePattern = pattern.String()
			break
		}
	}
	return out
}

var ansiEscapePattern = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07`)

func stripANSI(s string) string {
	if !strings.ContainsRune(s, 0x1b) {
		return s
	}
	return ansiEscapePattern.ReplaceAllString(s, "")
}
