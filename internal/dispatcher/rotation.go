package dispatcher

import (
	"llm_dispatcher/internal/models"
)

// SelectOrder returns the active credentials in the order they should be
// tried: cooling-down credentials are filtered out and the remainder is
// rotated by the cursor, which advances once per call.
//
// When every credential is cooling down the full list is used instead, so
// the result is never empty for a non-empty input.
func (s *State) SelectOrder(active []models.Credential) ([]models.Credential, error) {
	if len(active) == 0 {
		return nil, &ConfigurationError{Err: ErrNoCredentials}
	}

	s.mu.Lock()
	now := s.now()
	candidates := make([]models.Credential, 0, len(active))
	for _, c := range active {
		until, ok := s.cooldowns[c.ID]
		if ok && now.Before(until) {
			continue
		}
		if ok {
			delete(s.cooldowns, c.ID)
		}
		candidates = append(candidates, c)
	}

	allCoolingDown := len(candidates) == 0
	if allCoolingDown {
		candidates = append(candidates, active...)
	}

	offset := int(s.cursor % uint64(len(candidates)))
	s.cursor++
	s.mu.Unlock()

	if allCoolingDown {
		s.logger.Warn("All credentials are cooling down, trying the full list", "count", len(active))
	}

	ordered := make([]models.Credential, 0, len(candidates))
	ordered = append(ordered, candidates[offset:]...)
	ordered = append(ordered, candidates[:offset]...)
	return ordered, nil
}
