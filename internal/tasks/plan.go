package tasks

import (
	"regexp"
	"strings"
)

var (
	planSplitRe = regexp.MustCompile(`(?i)\b(?:and then|then|after that|next|finally)\b|[.;\n]+`)
	planSpaceRe = regexp.MustCompile(`\s+`)
)

const maxIntentSteps = 6

// PlanFromIntent turns free text into an ordered list of model calls, one per
// clause, all routed to backend.
func PlanFromIntent(intent, backend string) []StepSpec {
	chunks := splitIntentChunks(intent)
	plan := make([]StepSpec, 0, len(chunks))
	for _, chunk := range chunks {
		plan = append(plan, StepSpec{
			Kind:    StepKindModelCall,
			Title:   chunk,
			Input:   chunk,
			Backend: backend,
		})
	}
	return plan
}

func splitIntentChunks(intent string) []string {
	intent = strings.TrimSpace(intent)
	if intent == "" {
		return nil
	}
	parts := planSplitRe.Split(intent, -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = planSpaceRe.ReplaceAllString(strings.TrimSpace(p), " ")
		p = strings.Trim(p, " ,:-")
		if p == "" {
			continue
		}
		out = append(out, capitalizeFirst(p))
		if len(out) >= maxIntentSteps {
			break
		}
	}
	return out
}

func capitalizeFirst(s string) string {
	r := []rune(s)
	if len(r) == 0 {
		return s
	}
	if r[0] >= 'a' && r[0] <= 'z' {
		r[0] = r[0] - ('a' - 'A')
	}
	return string(r)
}
