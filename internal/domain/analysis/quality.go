package analysis

// QualityRule is a quality red line attached to a scan plan. Each entry maps
// an overview key to the maximum count the plan tolerates for that key. A nil
// rule means the plan does not gate on quality.
type QualityRule map[string]int64

// Evaluate checks an overview against the rule. It returns nil when the rule
// is empty, so callers can distinguish "no verdict" from pass or fail.
func (r QualityRule) Evaluate(overview ResultOverview) *bool {
	if len(r) == 0 {
		return nil
	}

	pass := true
	for key, limit := range r {
		if overview.Get(key) > limit {
			pass = false
			break
		}
	}
	return &pass
}
