package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv substitutes environment variable references in raw descriptor
// bytes before YAML parsing. References use Go template syntax: {{.VAR_NAME}}.
// Unset variables expand to the empty string. If the data does not parse or
// execute as a template the original bytes are returned unchanged so that
// descriptors without references never break.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("space").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if idx := strings.Index(kv, "="); idx > 0 {
			env[kv[:idx]] = kv[idx+1:]
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, env); err != nil {
		return data
	}

	return buf.Bytes()
}
