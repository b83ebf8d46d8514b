package sdmxjson

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const envelopeSchemaURL = "https://sdmxgeo.local/schemas/sdmx-json-envelope.schema.json"

// envelopeSchema covers the flat observation form of an SDMX-JSON data
// message. It constrains only what the decoder reads.
const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["data"],
  "properties": {
    "data": {
      "type": "object",
      "required": ["structure", "dataSets"],
      "properties": {
        "structure": {
          "type": "object",
          "required": ["dimensions"],
          "properties": {
            "name": {"$ref": "#/$defs/name"},
            "dimensions": {
              "type": "object",
              "required": ["observation"],
              "properties": {
                "observation": {"type": "array", "items": {"$ref": "#/$defs/component"}}
              }
            },
            "attributes": {
              "type": "object",
              "properties": {
                "observation": {"type": "array", "items": {"$ref": "#/$defs/component"}}
              }
            }
          }
        },
        "dataSets": {
          "type": "array",
          "minItems": 1,
          "prefixItems": [
            {
              "type": "object",
              "required": ["observations"],
              "properties": {
                "observations": {
                  "type": "object",
                  "additionalProperties": {
                    "type": "array",
                    "minItems": 1,
                    "prefixItems": [{"type": ["number", "string", "null"]}],
                    "items": {"type": ["integer", "null"]}
                  }
                }
              }
            }
          ]
        }
      }
    }
  },
  "$defs": {
    "name": {"type": ["string", "object"]},
    "component": {
      "type": "object",
      "required": ["id", "values"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "name": {"$ref": "#/$defs/name"},
        "keyPosition": {"type": "integer", "minimum": 0},
        "values": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["id"],
            "properties": {
              "id": {"type": "string"},
              "name": {"$ref": "#/$defs/name"}
            }
          }
        }
      }
    }
  }
}`

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func envelope() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(envelopeSchemaURL, strings.NewReader(envelopeSchema)); err != nil {
			compileErr = fmt.Errorf("sdmx-json schema load failed: %w", err)
			return
		}
		compiled, compileErr = c.Compile(envelopeSchemaURL)
	})
	return compiled, compileErr
}

// schemaFailure reduces a validation error to its most specific cause and
// returns the dotted instance path and the message.
func schemaFailure(err error) (path, msg string) {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return "", err.Error()
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	path = pointerToPath(ve.InstanceLocation)
	msg = ve.Message
	if rest, ok := strings.CutPrefix(msg, "missing properties: "); ok {
		if name := firstQuoted(rest); name != "" {
			path = joinPath(path, name)
		}
	}
	return path, msg
}

// pointerToPath turns "/data/dataSets/0" into "data.dataSets[0]".
func pointerToPath(ptr string) string {
	var b strings.Builder
	for _, seg := range strings.Split(strings.TrimPrefix(ptr, "/"), "/") {
		if seg == "" {
			continue
		}
		seg = strings.ReplaceAll(strings.ReplaceAll(seg, "~1", "/"), "~0", "~")
		if _, err := strconv.Atoi(seg); err == nil {
			b.WriteString("[" + seg + "]")
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(seg)
	}
	return b.String()
}

func joinPath(base, name string) string {
	if base == "" {
		return name
	}
	return base + "." + name
}

func firstQuoted(s string) string {
	start := strings.IndexByte(s, '\'')
	if start < 0 {
		return ""
	}
	end := strings.IndexByte(s[start+1:], '\'')
	if end < 0 {
		return ""
	}
	return s[start+1 : start+1+end]
}
