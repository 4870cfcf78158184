// Package activity implements the agent-activity detector contract (§4.F):
// given a chunk of raw PTY output and the pane's prior activity state, a
// Detector optionally produces a new label. The core only depends on this
// narrow contract — the pattern-matching internals of any given Detector
// (e.g. parsing an agent's own OSC escape-sequence convention) are not
// part of the object model and can be swapped independently.
package activity

import "strings"

// Label is one of the fixed activity categories a pane can be in, plus an
// open-ended Custom slot for detector-specific states.
type Label string

const (
	LabelIdle                  Label = "idle"
	LabelProcessing            Label = "processing"
	LabelGenerating            Label = "generating"
	LabelToolUse               Label = "tool_use"
	LabelAwaitingConfirmation  Label = "awaiting_confirmation"
	LabelCustom                Label = "custom"
)

// State is a pane's current activity: a fixed Label, plus a free-form
// Detail used when Label is LabelCustom (or to carry a tool/message name
// alongside a fixed label).
type State struct {
	Label  Label
	Detail string
}

// Detector implements the (bytes, prior_state) -> optional new_state
// contract. Detect returns ok == false when data contains no recognizable
// activity signal, in which case the caller must leave the pane's state
// unchanged.
type Detector interface {
	Detect(data []byte, prior State) (next State, ok bool)
}

// OSCDetector is a reference Detector grounded in the OSC 9 / OSC 777
// terminal notification conventions: an agent reports its own state by
// writing `ESC ] 9 ; <message> BEL` or
// `ESC ] 777 ; notify ; <title> ; <body> BEL` to its controlling terminal.
// It classifies the message text against a small set of known phrases and
// falls back to LabelCustom for anything else recognizable as a
// notification.
type OSCDetector struct{}

// NewOSCDetector returns the reference OSC-based Detector.
func NewOSCDetector() *OSCDetector { return &OSCDetector{} }

func (d *OSCDetector) Detect(data []byte, prior State) (State, bool) {
	notes := parseOSC(data)
	if len(notes) == 0 {
		return State{}, false
	}
	// Only the most recent notification in this chunk determines the new
	// state; earlier ones in the same chunk are superseded.
	last := notes[len(notes)-1]
	label, detail := classify(last)
	if label == prior.Label && detail == prior.Detail {
		return State{}, false
	}
	return State{Label: label, Detail: detail}, true
}

func classify(n oscNotification) (Label, string) {
	text := strings.ToLower(n.message())
	switch {
	case text == "":
		return LabelIdle, ""
	case containsAny(text, "waiting for confirmation", "awaiting confirmation", "approve", "permission"):
		return LabelAwaitingConfirmation, n.message()
	case containsAny(text, "running tool", "tool call", "executing"):
		return LabelToolUse, n.message()
	case containsAny(text, "generating", "thinking", "responding"):
		return LabelGenerating, n.message()
	case containsAny(text, "processing", "working"):
		return LabelProcessing, n.message()
	case containsAny(text, "idle", "done", "finished", "complete"):
		return LabelIdle, ""
	default:
		return LabelCustom, n.message()
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// oscNotification is the minimal parsed form of an OSC 9 / OSC 777
// sequence needed for classification.
type oscNotification struct {
	title string
	body  string
}

func (n oscNotification) message() string {
	if n.title != "" && n.body != "" {
		return n.title + ": " + n.body
	}
	if n.title != "" {
		return n.title
	}
	return n.body
}

// parseOSC extracts OSC 9 and OSC 777 notifications from a chunk of raw
// terminal output, tolerating both BEL (0x07) and ST (ESC \) terminators.
func parseOSC(data []byte) []oscNotification {
	var out []oscNotification
	i := 0
	for i < len(data) {
		if i+1 < len(data) && data[i] == 0x1b && data[i+1] == ']' {
			start := i + 2
			end := -1
			for j := start; j < len(data); j++ {
				if data[j] == 0x07 {
					end = j
					break
				}
				if j+1 < len(data) && data[j] == 0x1b && data[j+1] == '\\' {
					end = j
					break
				}
			}
			if end != -1 {
				content := data[start:end]
				if n, ok := parseOSCContent(content); ok {
					out = append(out, n)
				}
				i = end + 1
				continue
			}
		}
		i++
	}
	return out
}

func parseOSCContent(content []byte) (oscNotification, bool) {
	s := string(content)
	switch {
	case len(s) > 2 && s[0] == '9' && s[1] == ';':
		msg := s[2:]
		if msg == "" || isEscapeSequence(msg) {
			return oscNotification{}, false
		}
		return oscNotification{body: msg}, true
	case strings.HasPrefix(s, "777;notify;"):
		rest := s[len("777;notify;"):]
		parts := strings.SplitN(rest, ";", 2)
		title, body := "", ""
		if len(parts) > 0 {
			title = parts[0]
		}
		if len(parts) > 1 {
			body = parts[1]
		}
		if title == "" && body == "" {
			return oscNotification{}, false
		}
		return oscNotification{title: title, body: body}, true
	default:
		return oscNotification{}, false
	}
}

func isEscapeSequence(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || c == ';') {
			return false
		}
	}
	return true
}
