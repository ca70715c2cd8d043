// Package api embeds the OpenAPI document served at runtime.
package api

import _ "embed"

// OpenAPISpec is the raw OpenAPI 3.1 YAML document.
//
//go:embed openapi.yaml
var OpenAPISpec []byte
