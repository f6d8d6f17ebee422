package fhirstore

// Contains reports whether doc contains pattern with the semantics of the
// PostgreSQL jsonb @> operator: objects match when every pattern key is
// contained in the document's value for that key, arrays match when every
// pattern element is contained in some document element, and scalars must
// be equal.
func Contains(doc, pattern interface{}) bool {
	switch p := pattern.(type) {
	case map[string]interface{}:
		d, ok := doc.(map[string]interface{})
		if !ok {
			return false
		}
		for k, pv := range p {
			dv, ok := d[k]
			if !ok || !Contains(dv, pv) {
				return false
			}
		}
		return true
	case []interface{}:
		d, ok := doc.([]interface{})
		if !ok {
			return false
		}
		for _, pe := range p {
			found := false
			for _, de := range d {
				if Contains(de, pe) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	case []map[string]interface{}:
		generic := make([]interface{}, len(p))
		for i, m := range p {
			generic[i] = m
		}
		return Contains(doc, generic)
	case []string:
		generic := make([]interface{}, len(p))
		for i, v := range p {
			generic[i] = v
		}
		return Contains(doc, generic)
	default:
		if pn, ok := number(pattern); ok {
			dn, ok := number(doc)
			return ok && dn == pn
		}
		return doc == pattern
	}
}

func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
