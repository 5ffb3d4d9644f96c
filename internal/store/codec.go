package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// encodeDoc marshals a JSON document column. A nil map encodes as SQL NULL
// unless orEmpty is set, in which case it becomes {}.
func encodeDoc(doc map[string]any, orEmpty bool) ([]byte, error) {
	if doc == nil {
		if !orEmpty {
			return nil, nil
		}
		doc = map[string]any{}
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return b, nil
}

func decodeDoc(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return doc, nil
}

// eventFilter renders the WHERE clause shared by ListEvents and its count.
// bind returns the placeholder for the n-th argument, starting at 1.
func eventFilter(q EventQuery, bind func(n int) string, encodeTime func(time.Time) any) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, cond+" "+bind(len(args)))
	}

	add("e.project_id =", q.ProjectID)
	if q.EventType != "" {
		add("e.event_type =", q.EventType)
	}
	if !q.From.IsZero() {
		add("e.ts >=", encodeTime(q.From))
	}
	if !q.To.IsZero() {
		add("e.ts <=", encodeTime(q.To))
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}
