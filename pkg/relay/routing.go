package relay

// RuleMatch pairs a rule with its id for delivery and listings.
type RuleMatch struct {
	ID   string
	Rule Rule
}

// Resolver maps an inbound conversation id to the forwarding rules that
// apply to it. Rules are re-read from the store on every call so
// cross-process mutations are visible immediately.
type Resolver struct {
	store *Store
	fuzzy bool
}

func NewResolver(store *Store, fuzzy bool) *Resolver {
	return &Resolver{store: store, fuzzy: fuzzy}
}

// ResolveTargets returns the rules whose source matches the given
// conversation id, ordered by rule id. Exact matches win; only when
// none exist does the fuzzy recovery path run.
func (r *Resolver) ResolveTargets(sourceID string) ([]RuleMatch, error) {
	rules, err := r.store.Rules()
	if err != nil {
		return nil, err
	}

	var matches []RuleMatch
	for _, id := range SortedRuleIDs(rules) {
		if rules[id].Source == sourceID {
			matches = append(matches, RuleMatch{ID: id, Rule: rules[id]})
		}
	}
	if len(matches) > 0 || !r.fuzzy {
		return matches, nil
	}

	query, err := ParseOrigin(sourceID)
	if err != nil {
		return nil, nil
	}
	for _, id := range SortedRuleIDs(rules) {
		stored, err := ParseOrigin(rules[id].Source)
		if err != nil {
			continue
		}
		// Platform and kind must match exactly; only the scope is
		// allowed to drift.
		if stored.Platform != query.Platform || stored.Kind != query.Kind {
			continue
		}
		if ScopesDrift(stored.Scope, query.Scope) {
			matches = append(matches, RuleMatch{ID: id, Rule: rules[id]})
		}
	}
	return matches, nil
}
