package rbac

import "sort"

// FilterToAllowedFields returns record unchanged when allowed is nil, and
// otherwise a new map holding only the listed keys.
func FilterToAllowedFields(record map[string]any, allowed []string) map[string]any {
	if allowed == nil {
		return record
	}
	out := make(map[string]any, len(allowed))
	for _, key := range allowed {
		if v, ok := record[key]; ok {
			out[key] = v
		}
	}
	return out
}

// EditValidation is the result of checking a write payload against an
// edit allow-list.
type EditValidation struct {
	Valid            bool     `json:"valid"`
	DisallowedFields []string `json:"disallowed_fields"`
}

// Err converts an invalid result into a *FieldDeniedError.
func (v EditValidation) Err() error {
	if v.Valid {
		return nil
	}
	return &FieldDeniedError{Fields: v.DisallowedFields}
}

// ValidateEditFields checks every key of payload against allowed and
// alwaysAllowed. A nil allowed list accepts any payload. Disallowed fields
// are reported in ascending order.
func ValidateEditFields(payload map[string]any, allowed, alwaysAllowed []string) EditValidation {
	if allowed == nil {
		return EditValidation{Valid: true, DisallowedFields: []string{}}
	}
	permitted := make(map[string]struct{}, len(allowed)+len(alwaysAllowed))
	for _, f := range allowed {
		permitted[f] = struct{}{}
	}
	for _, f := range alwaysAllowed {
		permitted[f] = struct{}{}
	}
	disallowed := []string{}
	for key := range payload {
		if _, ok := permitted[key]; !ok {
			disallowed = append(disallowed, key)
		}
	}
	sort.Strings(disallowed)
	return EditValidation{Valid: len(disallowed) == 0, DisallowedFields: disallowed}
}
