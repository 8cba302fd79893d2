package flow

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// exprPattern matches one ${path} template expression.
var exprPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// wholeExprPattern matches a string that is exactly one expression, in
// which case the resolved value keeps its type instead of being
// stringified.
var wholeExprPattern = regexp.MustCompile(`^\$\{([^}]+)\}$`)

// ResolveInput extracts a handler input from the execution context
// according to the step's selector. The context is read-only; the
// returned value shares no top-level structure with it except under
// {full}, which is a shallow copy.
//
// Undefined path reads yield nil; template interpolation of undefined
// paths yields the empty string.
func ResolveInput(sel InputSelector, context map[string]any) (any, error) {
	if err := sel.Validate(); err != nil {
		return nil, WrapError(CodeInputError, "invalid input selector", err)
	}

	switch {
	case sel.Key != "":
		return context[sel.Key], nil

	case sel.Keys != nil:
		out := make(map[string]any, len(sel.Keys))
		for _, k := range sel.Keys {
			if v, ok := context[k]; ok {
				out[k] = v
			}
		}
		return out, nil

	case sel.Path != "":
		doc, err := contextJSON(context)
		if err != nil {
			return nil, err
		}
		res := gjson.GetBytes(doc, sel.Path)
		if !res.Exists() {
			return nil, nil
		}
		return res.Value(), nil

	case sel.Template != nil:
		doc, err := contextJSON(context)
		if err != nil {
			return nil, err
		}
		return interpolate(sel.Template, doc), nil

	case sel.Full:
		out := make(map[string]any, len(context))
		for k, v := range context {
			out[k] = v
		}
		return out, nil

	default: // static
		return sel.Static, nil
	}
}

func contextJSON(context map[string]any) ([]byte, error) {
	doc, err := json.Marshal(context)
	if err != nil {
		return nil, WrapError(CodeInputError, "context is not serializable", err)
	}
	return doc, nil
}

// interpolate walks strings, arrays and maps, replacing ${path}
// expressions against the JSON form of the context. A string that is a
// single whole expression resolves to the raw typed value.
func interpolate(template any, doc []byte) any {
	switch t := template.(type) {
	case string:
		if m := wholeExprPattern.FindStringSubmatch(t); m != nil {
			res := gjson.GetBytes(doc, m[1])
			if !res.Exists() {
				return nil
			}
			return res.Value()
		}
		return exprPattern.ReplaceAllStringFunc(t, func(expr string) string {
			path := expr[2 : len(expr)-1]
			return stringify(gjson.GetBytes(doc, path))
		})

	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = interpolate(child, doc)
		}
		return out

	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = interpolate(child, doc)
		}
		return out

	default:
		return template
	}
}

// stringify renders a resolved value for embedding in a template
// string. Strings embed verbatim; everything else embeds as JSON.
func stringify(res gjson.Result) string {
	if !res.Exists() {
		return ""
	}
	if res.Type == gjson.String {
		return res.Str
	}
	return strings.TrimSpace(res.Raw)
}
