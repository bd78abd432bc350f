package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// FeatureCounts is a Postgres jsonb column of per-feature request counts.
type FeatureCounts map[string]int64

func (f FeatureCounts) Value() (driver.Value, error) {
	if f == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(map[string]int64(f))
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (f *FeatureCounts) Scan(value any) error {
	var b []byte
	switch v := value.(type) {
	case nil:
		*f = FeatureCounts{}
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("FeatureCounts: expected []byte, got %T", value)
	}

	if len(b) == 0 {
		*f = FeatureCounts{}
		return nil
	}

	counts := make(map[string]int64)
	if err := json.Unmarshal(b, &counts); err != nil {
		return fmt.Errorf("FeatureCounts: %w", err)
	}
	*f = counts
	return nil
}
