// ABOUTME: Loads KEY=VALUE pairs from a .env file into the process environment.
// ABOUTME: Variables already present in the environment are never clobbered.
package config

import (
	"os"
	"strings"
)

// LoadDotEnv reads a .env file and sets any variables not already present in
// the environment, so real environment variables keep precedence. A missing
// file is ignored. Supports comments, blank lines, quoted values, and an
// optional "export " prefix.
func LoadDotEnv(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	for _, raw := range strings.Split(string(data), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Split on the first '=' only; values can contain '='.
		key, value, ok := strings.Cut(strings.TrimPrefix(line, "export "), "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = unquote(strings.TrimSpace(value))

		if _, exists := os.LookupEnv(key); !exists {
			os.Setenv(key, value)
		}
	}
}

// unquote strips one layer of matching single or double quotes.
func unquote(v string) string {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}
