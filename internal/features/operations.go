package features

import (
	"context"
	"fmt"
	"strings"

	"llm_dispatcher/internal/dispatcher"
	"llm_dispatcher/internal/retry"
)

// Feature keys, also used as ConfigCache keys and usage feature names
const (
	FeatureTranslate           = "translate"
	FeatureEvaluateTranslation = "evaluate_translation"
	FeatureGrammarExercises    = "grammar_exercises"
	FeatureRoleplay            = "roleplay"
	FeaturePronunciation       = "pronunciation"
)

// Turn is one line of a roleplay conversation
type Turn struct {
	Role string `json:"role"` // "user" or "assistant"
	Text string `json:"text"`
}

const evaluationFormat = `Answer in exactly this format:
SCORE: <integer 0-100>
FEEDBACK: <one or two short sentences for the learner>`

// runFeature reruns op on any error except configuration errors. When
// every credential fails the neutral value is returned without an error.
func runFeature[T any](ctx context.Context, s *Service, feature string, neutral T, op func(ctx context.Context) (T, error)) (T, error) {
	out, err := retry.Do(ctx, s.cfg.RetryAttempts, func(ctx context.Context) (T, error) {
		v, err := op(ctx)
		if err != nil && dispatcher.IsConfigurationError(err) {
			return v, &retry.Stop{Err: err}
		}
		return v, err
	})
	if err == nil {
		return out, nil
	}
	if dispatcher.IsAggregateFailure(err) {
		s.logger.Warn("Providers unavailable, returning neutral result", "feature", feature, "error", err)
		return neutral, nil
	}
	return neutral, err
}

// Translate translates text between two languages
func (s *Service) Translate(ctx context.Context, userID, text, from, to string) (string, error) {
	system := fmt.Sprintf("You are a translator from %s to %s. Reply with the translation only, no quotes or commentary.", from, to)
	return runFeature(ctx, s, FeatureTranslate, "", func(ctx context.Context) (string, error) {
		out, err := s.SendRequest(ctx, text, system, FeatureTranslate, nil, userID)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(out), nil
	})
}

// EvaluateTranslation grades a learner's translation of source
func (s *Service) EvaluateTranslation(ctx context.Context, userID, source, attempt string) (Evaluation, error) {
	system := "You grade language learners' translations for meaning and grammar.\n" + evaluationFormat
	prompt := fmt.Sprintf("Original: %s\nLearner translation: %s", source, attempt)
	return runFeature(ctx, s, FeatureEvaluateTranslation, Evaluation{}, func(ctx context.Context) (Evaluation, error) {
		out, err := s.SendRequest(ctx, prompt, system, FeatureEvaluateTranslation, nil, userID)
		if err != nil {
			return Evaluation{}, err
		}
		return parseEvaluation(FeatureEvaluateTranslation, out)
	})
}

// GenerateGrammarExercises asks for n short exercises on topic
func (s *Service) GenerateGrammarExercises(ctx context.Context, userID, topic string, n int) ([]Exercise, error) {
	if n < 1 {
		n = 1
	}
	system := "You write short grammar drills. Output one exercise per line as:\nQ: <question> | A: <answer>\nNo other text."
	prompt := fmt.Sprintf("Write %d exercises on: %s", n, topic)
	return runFeature(ctx, s, FeatureGrammarExercises, []Exercise{}, func(ctx context.Context) ([]Exercise, error) {
		out, err := s.SendRequest(ctx, prompt, system, FeatureGrammarExercises, nil, userID)
		if err != nil {
			return nil, err
		}
		return parseExercises(FeatureGrammarExercises, out, n)
	})
}

// RoleplayReply continues a conversation in character
func (s *Service) RoleplayReply(ctx context.Context, userID, scenario string, history []Turn) (string, error) {
	system := "You are a conversation partner for a language learner. Stay in character, keep replies short and natural.\nScenario: " + scenario

	var b strings.Builder
	for _, t := range history {
		role := "Learner"
		if t.Role == "assistant" {
			role = "You"
		}
		fmt.Fprintf(&b, "%s: %s\n", role, t.Text)
	}
	b.WriteString("You:")
	prompt := b.String()

	return runFeature(ctx, s, FeatureRoleplay, "", func(ctx context.Context) (string, error) {
		out, err := s.SendRequest(ctx, prompt, system, FeatureRoleplay, nil, userID)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(out), "You:")), nil
	})
}

// EvaluatePronunciation grades a recording of expected. Only multimodal
// credentials can serve it.
func (s *Service) EvaluatePronunciation(ctx context.Context, userID, expected string, audio Attachment) (Evaluation, error) {
	system := "You grade a language learner's pronunciation from the attached recording.\n" + evaluationFormat
	prompt := "Expected phrase: " + expected
	return runFeature(ctx, s, FeaturePronunciation, Evaluation{}, func(ctx context.Context) (Evaluation, error) {
		out, err := s.SendRequest(ctx, prompt, system, FeaturePronunciation, &audio, userID)
		if err != nil {
			return Evaluation{}, err
		}
		return parseEvaluation(FeaturePronunciation, out)
	})
}
