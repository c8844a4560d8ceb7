package widget

import (
	"encoding/json"
	"html/template"
)

// jsString quotes s as a JavaScript string literal. json.Marshal escapes <, >
// and &, so the result is safe inside a script.
func jsString(s string) template.JS {
	data, _ := json.Marshal(s)
	return template.JS(data)
}

// jsValue renders v as a JavaScript literal.
func jsValue(v any) template.JS {
	data, _ := json.Marshal(v)
	return template.JS(data)
}
