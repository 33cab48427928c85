package params

// Resolve computes the final argument set for a tool call. Per parameter,
// highest priority first:
//
//  1. Sensitive parameters always come from the session's credentials. A
//     caller-supplied value is discarded even when no credential is stored,
//     so a caller can never redirect a session to a different target or
//     impersonate another credential.
//  2. Explicit caller-supplied value.
//  3. Cached value from the session under the same name.
//  4. Schema default.
//  5. Otherwise the parameter is omitted; the tool itself rejects the call
//     if it was required.
//
// Caller-supplied arguments not declared in the schema pass through
// unchanged unless they collide with a sensitive name.
func Resolve(schema Schema, caller, cached map[string]any, credentials map[string]string) map[string]any {
	resolved := make(map[string]any, schema.Len()+len(caller))

	for _, p := range schema.Params() {
		switch {
		case p.Sensitive:
			if v, ok := credentials[p.Name]; ok {
				resolved[p.Name] = v
			}
		default:
			if v, ok := caller[p.Name]; ok {
				resolved[p.Name] = v
			} else if v, ok := cached[p.Name]; ok {
				resolved[p.Name] = v
			} else if p.Default != nil {
				resolved[p.Name] = p.Default
			}
		}
	}

	for name, v := range caller {
		if _, declared := schema.Lookup(name); declared {
			continue
		}
		resolved[name] = v
	}

	return resolved
}

// OutputPatch computes the cache patch to merge into a session after a
// successful call: every parameter that was actually sent, except sensitive
// ones (credentials never enter the cache), plus every top-level key of the
// tool's result except the reserved status field. Applying the patch for an
// identical call twice leaves the cache unchanged after the first
// application.
func OutputPatch(schema Schema, sent, result map[string]any, reservedStatus string) map[string]any {
	patch := make(map[string]any, len(sent)+len(result))

	for name, v := range sent {
		if p, ok := schema.Lookup(name); ok && p.Sensitive {
			continue
		}
		patch[name] = v
	}
	for name, v := range result {
		if name == reservedStatus {
			continue
		}
		patch[name] = v
	}

	return patch
}
