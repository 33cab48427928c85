// Package params decides the final argument set for a tool call. Given the
// tool's declared parameter schema, the caller-supplied arguments, and the
// session's cached parameters and credentials, it resolves each parameter by
// a fixed priority order and computes the cache patch to persist after a
// successful call. Everything here is pure: no I/O, no clock, deterministic
// for fixed inputs.
package params

// Param is one entry in a tool's parameter schema.
type Param struct {
	Name      string
	Required  bool
	Sensitive bool
	Default   any
}

// Schema is an ordered list of parameters for one tool.
type Schema struct {
	params []Param
	byName map[string]int
}

// NewSchema builds a schema from an ordered parameter list. Duplicate names
// keep the first occurrence.
func NewSchema(params []Param) Schema {
	s := Schema{
		params: params,
		byName: make(map[string]int, len(params)),
	}
	for i, p := range params {
		if _, ok := s.byName[p.Name]; !ok {
			s.byName[p.Name] = i
		}
	}
	return s
}

// Params returns the schema's parameters in declaration order.
func (s Schema) Params() []Param {
	return s.params
}

// Lookup returns the parameter with the given name.
func (s Schema) Lookup(name string) (Param, bool) {
	i, ok := s.byName[name]
	if !ok {
		return Param{}, false
	}
	return s.params[i], true
}

// Len returns the number of declared parameters.
func (s Schema) Len() int {
	return len(s.params)
}

// ParamSpec is the wire form of one parameter in a worker's declared tool
// schema.
type ParamSpec struct {
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
	Default     any    `json:"default,omitempty"`
}

// ToolSchema is the wire form of one tool declared by a worker during its
// ready handshake.
type ToolSchema struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Parameters  []ParamSpec `json:"parameters,omitempty"`
}

// FromTool converts a declared tool schema into a resolution schema. A
// parameter is sensitive when its name appears in sensitiveNames, regardless
// of what the worker declares: the credential class is a deployment policy,
// not a tool author's choice. Sensitive names absent from the declared
// parameter list are appended so credential injection still applies to tools
// that omit them.
func FromTool(tool ToolSchema, sensitiveNames []string) Schema {
	sensitive := make(map[string]bool, len(sensitiveNames))
	for _, name := range sensitiveNames {
		sensitive[name] = true
	}

	params := make([]Param, 0, len(tool.Parameters)+len(sensitiveNames))
	seen := make(map[string]bool, len(tool.Parameters))
	for _, spec := range tool.Parameters {
		params = append(params, Param{
			Name:      spec.Name,
			Required:  spec.Required,
			Sensitive: sensitive[spec.Name],
			Default:   spec.Default,
		})
		seen[spec.Name] = true
	}
	for _, name := range sensitiveNames {
		if !seen[name] {
			params = append(params, Param{Name: name, Sensitive: true})
		}
	}

	return NewSchema(params)
}

// CredentialsOnly builds a schema containing just the sensitive parameter
// names. Used when a tool's schema is unknown so credential injection and
// spoof protection still apply.
func CredentialsOnly(sensitiveNames []string) Schema {
	params := make([]Param, 0, len(sensitiveNames))
	for _, name := range sensitiveNames {
		params = append(params, Param{Name: name, Sensitive: true})
	}
	return NewSchema(params)
}
