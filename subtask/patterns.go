package subtask

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Pattern rules expand common intents into fixed, hand-authored dependency
// chains without consulting a worker. Each rule owns its regex; the first
// match wins, in declaration order.

type patternRule struct {
	re    *regexp.Regexp
	build func(match []string) []Subtask
}

var patternRules = []patternRule{
	{
		re:    regexp.MustCompile(`(?i)^(?:open|launch|start)\s+(.+)$`),
		build: func(m []string) []Subtask { return buildOpenAppChain(strings.TrimSpace(m[1])) },
	},
	{
		re:    regexp.MustCompile(`(?i)^(?:search(?:\s+for)?|google)\s+(.+)$`),
		build: func(m []string) []Subtask { return buildSearchChain(strings.TrimSpace(m[1])) },
	},
	{
		re:    regexp.MustCompile(`(?i)^create\s+(?:a\s+|new\s+)?(\S+)\s+document\b.*$`),
		build: func(m []string) []Subtask { return buildCreateDocumentChain(strings.ToLower(strings.TrimSpace(m[1]))) },
	},
}

// matchPatterns returns the expansion of the first matching rule, or nil.
func matchPatterns(goal string) []Subtask {
	for _, rule := range patternRules {
		if m := rule.re.FindStringSubmatch(goal); m != nil {
			return rule.build(m)
		}
	}
	return nil
}

// chainBuilder accumulates a strictly sequential dependency chain: each
// appended step depends on the previous one.
type chainBuilder struct {
	steps []Subtask
}

func (b *chainBuilder) add(description string, approach Approach, hint *ActionHint) *Subtask {
	st := Subtask{
		ID:          NewID(),
		Description: description,
		Approach:    approach,
		Order:       len(b.steps),
	}
	if n := len(b.steps); n > 0 {
		st.Dependencies = []string{b.steps[n-1].ID}
	}
	if hint != nil {
		st.SetActionHint(*hint)
	}
	b.steps = append(b.steps, st)
	return &b.steps[len(b.steps)-1]
}

// buildOpenAppChain expands "open <app>" into the run-dialog sequence:
// open the run dialog, type the app name, confirm, then verify visually.
func buildOpenAppChain(app string) []Subtask {
	var b chainBuilder
	b.add("Press Win+R to open the run dialog", ApproachKeyboard, &ActionHint{
		Action:    map[string]any{"type": "hotkey", "keys": []any{"win", "r"}},
		WaitAfter: 500 * time.Millisecond,
	})
	b.add(fmt.Sprintf("Type %q into the run dialog", app), ApproachKeyboard, &ActionHint{
		Action: map[string]any{"type": "type", "text": app},
	})
	b.add("Press Enter to launch", ApproachKeyboard, &ActionHint{
		Action:    map[string]any{"type": "key", "key": "enter"},
		WaitAfter: 1500 * time.Millisecond,
	})
	b.add(fmt.Sprintf("Verify %s is open", app), ApproachVision, nil)
	return b.steps
}

// buildSearchChain expands "search <query>" assuming a browser has focus.
func buildSearchChain(query string) []Subtask {
	var b chainBuilder
	b.add("Press Ctrl+L to focus the address bar", ApproachKeyboard, &ActionHint{
		Action: map[string]any{"type": "hotkey", "keys": []any{"ctrl", "l"}},
	})
	b.add(fmt.Sprintf("Type search query %q", query), ApproachKeyboard, &ActionHint{
		Action: map[string]any{"type": "type", "text": query},
	})
	b.add("Press Enter to search", ApproachKeyboard, &ActionHint{
		Action:    map[string]any{"type": "key", "key": "enter"},
		WaitAfter: 2 * time.Second,
	})
	b.add(fmt.Sprintf("Verify search results for %q are shown", query), ApproachVision, nil)
	return b.steps
}

// documentApps maps a document type keyword to the application launched for
// it.
var documentApps = map[string]string{
	"word":        "winword",
	"doc":         "winword",
	"text":        "notepad",
	"plain":       "notepad",
	"spreadsheet": "excel",
	"excel":       "excel",
}

// buildCreateDocumentChain expands "create <type> document" into the open
// chain for the matching application followed by a new-document shortcut.
func buildCreateDocumentChain(docType string) []Subtask {
	app, ok := documentApps[docType]
	if !ok {
		app = "notepad"
	}

	steps := buildOpenAppChain(app)
	last := steps[len(steps)-1]
	create := Subtask{
		ID:           NewID(),
		Description:  fmt.Sprintf("Press Ctrl+N for a new %s document", docType),
		Approach:     ApproachKeyboard,
		Dependencies: []string{last.ID},
		Order:        len(steps),
	}
	create.SetActionHint(ActionHint{
		Action: map[string]any{"type": "hotkey", "keys": []any{"ctrl", "n"}},
	})
	return append(steps, create)
}
