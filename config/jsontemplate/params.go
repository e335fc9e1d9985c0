// Package jsontemplate resolves {"$param": "name"} placeholders in JSON
// configuration documents, so deployment-specific values like stream ARNs
// and broker addresses stay out of checked-in config files.
package jsontemplate

import "os"

// Params maps parameter names to values for a configuration document.
type Params map[string]string

// Lookup returns the value for name, falling back to a TRIBUTARY_PARAM_<name>
// environment variable when the name is not set directly.
func (p Params) Lookup(name string) (string, bool) {
	if value, ok := p[name]; ok {
		return value, true
	}
	if value := os.Getenv("TRIBUTARY_PARAM_" + name); value != "" {
		return value, true
	}
	return "", false
}
