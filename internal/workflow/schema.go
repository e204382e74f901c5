package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

const objectSchema = `{"type": "object"}`

const notifySchema = `{
  "type": "object",
  "required": ["target_user", "skill_name"],
  "properties": {
    "target_user":  {"type": "string", "minLength": 1},
    "skill_name":   {"type": "string", "minLength": 1},
    "skill_params": {"type": ["object", "string", "null"]}
  }
}`

const compositeSchema = `{
  "type": "object",
  "required": ["steps"],
  "properties": {
    "target_user": {"type": "string"},
    "title":       {"type": "string"},
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["skill"],
        "properties": {
          "skill":  {"type": "string", "minLength": 1},
          "params": {"type": "object"}
        }
      }
    }
  }
}`

var schemas = map[string]*gojsonschema.Schema{
	TypeBriefing:     mustSchema(objectSchema),
	TypeSystemHealth: mustSchema(objectSchema),
	TypeERPTasks:     mustSchema(objectSchema),
	TypeERPInvoices:  mustSchema(objectSchema),
	TypeNotifyUser:   mustSchema(notifySchema),
	TypeComposite:    mustSchema(compositeSchema),
}

func mustSchema(src string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("workflow schema: %v", err))
	}
	return s
}

// ValidateParams checks params against the schema of the normalized type.
// Empty params validate as {}.
func ValidateParams(typ string, params json.RawMessage) (json.RawMessage, error) {
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	schema, ok := schemas[typ]
	if !ok {
		return nil, &UnknownWorkflowTypeError{Type: typ}
	}
	res, err := schema.Validate(gojsonschema.NewBytesLoader(params))
	if err != nil {
		return nil, &ParamsError{Type: typ, Problems: []string{err.Error()}}
	}
	if !res.Valid() {
		pe := &ParamsError{Type: typ}
		for _, e := range res.Errors() {
			pe.Problems = append(pe.Problems, e.String())
		}
		return nil, pe
	}
	return params, nil
}
