package requests

import (
	"net/url"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"notary-mpc/shared"
)

func init() {
	gojsonschema.FormatCheckers.Add("http-url", httpURLFormatChecker{})
}

// httpURLFormatChecker accepts absolute http(s) URLs only.
type httpURLFormatChecker struct{}

func (httpURLFormatChecker) IsFormat(input interface{}) bool {
	str, ok := input.(string)
	if !ok {
		return false
	}
	u, err := url.Parse(str)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

const specSchema = `{
  "type": "object",
  "required": ["url"],
  "properties": {
    "url": {"type": "string", "format": "http-url"},
    "method": {"enum": ["GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"]},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {"type": "string"},
    "notaryUrl": {"type": "string", "minLength": 1},
    "websocketProxyUrl": {"type": "string"},
    "maxSentData": {"type": "integer", "minimum": 1},
    "maxRecvData": {"type": "integer", "minimum": 1},
    "secretHeaders": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "secretResps": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "secretJsonPaths": {"type": "array", "items": {"type": "string", "pattern": "^\\$"}},
    "secretXPaths": {"type": "array", "items": {"type": "string", "minLength": 1}}
  }
}`

var (
	specSchemaOnce     sync.Once
	specSchemaCompiled *gojsonschema.Schema
	specSchemaErr      error
)

// ValidateSpec checks a spec before it is persisted.
func ValidateSpec(spec Spec) error {
	specSchemaOnce.Do(func() {
		specSchemaCompiled, specSchemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(specSchema))
	})
	if specSchemaErr != nil {
		return specSchemaErr
	}

	result, err := specSchemaCompiled.Validate(gojsonschema.NewGoLoader(spec))
	if err != nil {
		return shared.NewValidationError("spec", err.Error())
	}
	if !result.Valid() {
		var b strings.Builder
		for _, e := range result.Errors() {
			if b.Len() > 0 {
				b.WriteString("; ")
			}
			b.WriteString(e.String())
		}
		return shared.NewValidationError("spec", b.String())
	}
	return nil
}
