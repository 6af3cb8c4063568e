package style

import "strings"

// Capture is a recognised highlight capture kind.  The set is closed:
// capture names produced by grammar queries are resolved to a Capture once,
// when the query is loaded, and names that do not resolve become
// CaptureNone.
type Capture uint8

const (
	CaptureNone Capture = iota
	CaptureKeyword
	CaptureComment
	CaptureString
	CaptureType
	CaptureNumber
	CaptureOperator
	CaptureFunction
	CaptureVariable
	CaptureConstant
	CaptureProperty
	CapturePunctuation
	CaptureTag
	CaptureAttribute
	CaptureMacro
	CaptureLabel
	CaptureNamespace
	CaptureEscape
	CaptureEmbedded
	CaptureError

	numCaptures
)

// captureNames doubles as the palette entry name for each Capture.
var captureNames = [numCaptures]string{
	CaptureNone:        "",
	CaptureKeyword:     "keyword",
	CaptureComment:     "comment",
	CaptureString:      "string",
	CaptureType:        "type",
	CaptureNumber:      "number",
	CaptureOperator:    "operator",
	CaptureFunction:    "function",
	CaptureVariable:    "variable",
	CaptureConstant:    "constant",
	CaptureProperty:    "property",
	CapturePunctuation: "punctuation",
	CaptureTag:         "tag",
	CaptureAttribute:   "attribute",
	CaptureMacro:       "macro",
	CaptureLabel:       "label",
	CaptureNamespace:   "namespace",
	CaptureEscape:      "escape",
	CaptureEmbedded:    "embedded",
	CaptureError:       "error",
}

// aliases maps common capture names outside the table onto table entries.
var aliases = map[string]Capture{
	"boolean":     CaptureConstant,
	"character":   CaptureString,
	"float":       CaptureNumber,
	"method":      CaptureFunction,
	"module":      CaptureNamespace,
	"field":       CaptureProperty,
	"parameter":   CaptureVariable,
	"include":     CaptureKeyword,
	"repeat":      CaptureKeyword,
	"conditional": CaptureKeyword,
	"exception":   CaptureKeyword,
	"constructor": CaptureType,
}

var captureIndex = func() map[string]Capture {
	m := make(map[string]Capture, len(captureNames)+len(aliases))
	for i, name := range captureNames {
		if name != "" {
			m[name] = Capture(i)
		}
	}
	for name, c := range aliases {
		m[name] = c
	}
	return m
}()

// String returns the palette name of c; CaptureNone is "".
func (c Capture) String() string {
	if c >= numCaptures {
		return ""
	}
	return captureNames[c]
}

// Modifiers is a set of semantic modifiers attached to a capture.
type Modifiers uint16

const (
	ModDeclaration Modifiers = 1 << iota
	ModDefinition
	ModReadonly
	ModStatic
	ModDeprecated
	ModBuiltin
	ModDocumentation
)

var modifierNames = map[string]Modifiers{
	"declaration":   ModDeclaration,
	"definition":    ModDefinition,
	"readonly":      ModReadonly,
	"static":        ModStatic,
	"deprecated":    ModDeprecated,
	"builtin":       ModBuiltin,
	"documentation": ModDocumentation,
}

// Has reports whether every modifier in m2 is set in m.
func (m Modifiers) Has(m2 Modifiers) bool { return m&m2 == m2 }

// Value is the style attached to a run of text.  The zero Value is
// unstyled.
type Value struct {
	Capture   Capture
	Modifiers Modifiers
}

// IsZero reports whether v carries no style at all.
func (v Value) IsZero() bool { return v == Value{} }

// CombineLowerPriority folds in a value from a lower-priority provider:
// o's capture is used only when v has none, modifiers are unioned.
func (v Value) CombineLowerPriority(o Value) Value {
	if v.Capture == CaptureNone {
		v.Capture = o.Capture
	}
	v.Modifiers |= o.Modifiers
	return v
}

// CombineHigherPriority folds in a value from a higher-priority provider:
// o's capture replaces v's when o has one, modifiers are unioned.
func (v Value) CombineHigherPriority(o Value) Value {
	if o.Capture != CaptureNone {
		v.Capture = o.Capture
	}
	v.Modifiers |= o.Modifiers
	return v
}

// Name returns the palette name for v.
func (v Value) Name() string { return v.Capture.String() }

// LookupCapture resolves a query capture name (e.g. "@function.method" or
// "variable.builtin") to a Value using hierarchical fallback:
//
//	"function.method" → "function"
//
// Components that name a modifier are collected as modifiers rather than
// looked up.  Names with no recognised prefix resolve to the zero Value.
func LookupCapture(captureName string) Value {
	name := strings.TrimPrefix(captureName, "@")
	var mods Modifiers
	for {
		if c, ok := captureIndex[name]; ok {
			return Value{Capture: c, Modifiers: mods}
		}
		dot := strings.LastIndex(name, ".")
		if dot < 0 {
			return Value{}
		}
		mods |= modifierNames[name[dot+1:]]
		name = name[:dot]
	}
}

// Span is a styled half-open byte range [Start, End).
type Span struct {
	Start int
	End   int // exclusive
	Value Value
}
