package toolkit

import (
	llmtools "github.com/flitsinc/go-llms/tools"
	"github.com/metalim/jsonmap"
)

type schemaProp struct {
	name   string
	schema llmtools.ValueSchema
}

func prop(name string, schema llmtools.ValueSchema) schemaProp {
	return schemaProp{name: name, schema: schema}
}

// schemaProps builds the ordered property map go-llms schemas expect.
func schemaProps(props ...schemaProp) *jsonmap.Map {
	m := jsonmap.New()
	for _, p := range props {
		m.Set(p.name, p.schema)
	}
	return m
}
