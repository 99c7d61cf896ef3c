// Package mcp implements the Tool-Call Server (spec §4.5): a process-local
// JSON-RPC 2.0 endpoint exposing typed, named tools to the remote dialog
// model. No JSON-RPC library in the retrieval pack implements the 2.0
// envelope (the only MCP-shaped code found, iamprashant-voice-ai's
// MCPCaller, is a placeholder interface with no protocol logic), so this
// package is grounded instead on the teacher's own manual JSON-struct +
// switch-on-Type dispatch pattern in transport.go's readControl —
// generalized here from a closed server-message set to the spec's
// initialize/tools/list/tools/call method dispatch.
package mcp

import "errors"

// Errors matching spec §7's taxonomy for this component.
var (
	ErrDuplicateName   = errors.New("mcp: duplicate name")
	ErrResourceLimit   = errors.New("mcp: resource limit exceeded")
	ErrInvalidArgument = errors.New("mcp: invalid argument")
	ErrNameTooLong     = errors.New("mcp: name too long")
)

// MaxPropertyNameLength, MaxPropertyListLength, MaxToolNameLength,
// MaxToolDescriptionLength, and MaxTools mirror the size limits spec §3
// enumerates.
const (
	MaxPropertyNameLength    = 256
	MaxPropertyListLength    = 32
	MaxToolNameLength        = 256
	MaxToolDescriptionLength = 1024
	MaxTools                 = 64
)

// PropertyType is the variant tag for a Property's value (spec §3).
type PropertyType int

const (
	PropertyBoolean PropertyType = iota
	PropertyInteger
	PropertyString
)

func (t PropertyType) String() string {
	switch t {
	case PropertyBoolean:
		return "boolean"
	case PropertyInteger:
		return "integer"
	case PropertyString:
		return "string"
	default:
		return "unknown"
	}
}

// Property is a named typed value (spec §3): used both to describe a
// tool's expected arguments (as a schema, with optional Min/Max/Default)
// and to carry one call's actual argument values (with Value set).
type Property struct {
	Name string
	Type PropertyType

	HasRange bool
	Min, Max int

	HasDefault  bool
	DefaultBool bool
	DefaultInt  int
	DefaultStr  string

	HasValue  bool
	ValueBool bool
	ValueInt  int
	ValueStr  string
}

// BoolProperty builds a boolean property with an optional default.
func BoolProperty(name string, hasDefault, def bool) Property {
	return Property{Name: name, Type: PropertyBoolean, HasDefault: hasDefault, DefaultBool: def}
}

// IntProperty builds a ranged integer property.
func IntProperty(name string, min, max int) Property {
	return Property{Name: name, Type: PropertyInteger, HasRange: true, Min: min, Max: max}
}

// StringProperty builds a string property with an optional default.
func StringProperty(name string, hasDefault bool, def string) Property {
	return Property{Name: name, Type: PropertyString, HasDefault: hasDefault, DefaultStr: def}
}

// PropertyList is an ordered collection of properties, unique by name,
// capped at MaxPropertyListLength entries (spec §3).
type PropertyList struct {
	items []Property
	index map[string]int
}

// NewPropertyList returns an empty PropertyList.
func NewPropertyList() *PropertyList {
	return &PropertyList{index: make(map[string]int)}
}

// Add appends p, rejecting a duplicate name or a full list.
func (pl *PropertyList) Add(p Property) error {
	if len(p.Name) >= MaxPropertyNameLength {
		return ErrNameTooLong
	}
	if _, exists := pl.index[p.Name]; exists {
		return ErrDuplicateName
	}
	if len(pl.items) >= MaxPropertyListLength {
		return ErrResourceLimit
	}
	pl.index[p.Name] = len(pl.items)
	pl.items = append(pl.items, p)
	return nil
}

// Get returns the property named name, if present.
func (pl *PropertyList) Get(name string) (Property, bool) {
	i, ok := pl.index[name]
	if !ok {
		return Property{}, false
	}
	return pl.items[i], true
}

// Len returns the number of properties in the list.
func (pl *PropertyList) Len() int {
	return len(pl.items)
}

// All returns the properties in registration order. The returned slice
// must not be mutated by the caller.
func (pl *PropertyList) All() []Property {
	return pl.items
}

// ReturnValueKind is the variant tag for a ReturnValue (spec §3).
type ReturnValueKind int

const (
	ReturnBool ReturnValueKind = iota
	ReturnInt
	ReturnString
	ReturnJSON
	ReturnImage
	ReturnUnsupported
)

// ReturnValue is a tool handler's tagged-variant result (spec §3).
type ReturnValue struct {
	Kind ReturnValueKind

	Bool int8 // 0/1, avoids a separate bool field so the zero value is unambiguous
	Int  int
	Str  string // string payload for ReturnString/ReturnJSON

	ImageMIME   string
	ImageBase64 string
}

func BoolValue(b bool) ReturnValue {
	v := ReturnValue{Kind: ReturnBool}
	if b {
		v.Bool = 1
	}
	return v
}

func IntValue(i int) ReturnValue { return ReturnValue{Kind: ReturnInt, Int: i} }

func StringValue(s string) ReturnValue { return ReturnValue{Kind: ReturnString, Str: s} }

func JSONValue(s string) ReturnValue { return ReturnValue{Kind: ReturnJSON, Str: s} }

func ImageValue(mime, base64Data string) ReturnValue {
	return ReturnValue{Kind: ReturnImage, ImageMIME: mime, ImageBase64: base64Data}
}

// Tool is a named, typed, parameterized function callable by the remote
// model (spec §3).
type Tool struct {
	Name        string
	Description string
	Parameters  *PropertyList
	Handler     func(*PropertyList) ReturnValue
	UserOnly    bool
}

// clone deep-copies t's parameter list so the caller retains ownership of
// the template it passed to RegisterTool (spec §3: "Deep-cloned when bound to
// a server").
func (t Tool) clone() Tool {
	out := t
	cp := NewPropertyList()
	if t.Parameters != nil {
		for _, p := range t.Parameters.All() {
			cp.Add(p)
		}
	}
	out.Parameters = cp
	return out
}
