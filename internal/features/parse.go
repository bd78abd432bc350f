package features

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ParseError means the model answered but not in the expected shape. It is
// not tied to a credential; the operation is rerun instead.
type ParseError struct {
	Feature string
	Reason  string
	Raw     string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: unparseable response: %s", e.Feature, e.Reason)
}

// Evaluation is a graded answer
type Evaluation struct {
	Score    int    `json:"score"`
	Feedback string `json:"feedback"`
}

// Exercise is one grammar question with its answer
type Exercise struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

var (
	scoreLine    = regexp.MustCompile(`(?i)^\**\s*score\s*\**\s*:\s*\**\s*(\d{1,3})\b`)
	feedbackLine = regexp.MustCompile(`(?i)^\**\s*feedback\s*\**\s*:\s*\**\s*(.*)$`)
	exerciseLine = regexp.MustCompile(`(?i)^(?:[-*]|\d+[.)])?\s*Q\s*:\s*(.+?)\s*\|\s*A\s*:\s*(.+)$`)
)

// parseEvaluation reads "SCORE: n" and "FEEDBACK: ..." lines. Feedback may
// continue on the following lines.
func parseEvaluation(feature, raw string) (Evaluation, error) {
	var (
		eval      Evaluation
		haveScore bool
		feedback  []string
		inFeedback bool
	)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if m := scoreLine.FindStringSubmatch(line); m != nil {
			score, err := strconv.Atoi(m[1])
			if err != nil || score < 0 || score > 100 {
				return Evaluation{}, &ParseError{Feature: feature, Reason: "score out of range: " + m[1], Raw: raw}
			}
			eval.Score = score
			haveScore = true
			inFeedback = false
			continue
		}
		if m := feedbackLine.FindStringSubmatch(line); m != nil {
			feedback = append(feedback, strings.TrimSpace(m[1]))
			inFeedback = true
			continue
		}
		if inFeedback && line != "" {
			feedback = append(feedback, line)
		}
	}
	if !haveScore {
		return Evaluation{}, &ParseError{Feature: feature, Reason: "missing SCORE line", Raw: raw}
	}
	eval.Feedback = strings.TrimSpace(strings.Join(feedback, "\n"))
	return eval, nil
}

// parseExercises reads "Q: ... | A: ..." lines, keeping at most limit
func parseExercises(feature, raw string, limit int) ([]Exercise, error) {
	var out []Exercise
	for _, line := range strings.Split(raw, "\n") {
		m := exerciseLine.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		out = append(out, Exercise{Question: strings.TrimSpace(m[1]), Answer: strings.TrimSpace(m[2])})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	if len(out) == 0 {
		return nil, &ParseError{Feature: feature, Reason: "no Q/A lines", Raw: raw}
	}
	return out, nil
}
