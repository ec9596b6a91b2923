package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanBasePath(t *testing.T) {
	for in, want := range map[string]string{
		"":           "",
		"/":          "",
		"//":         "",
		"api":        "/api",
		"/api":       "/api",
		"/api/":      "/api",
		" api ":      "/api",
		"api//v1/":   "/api/v1",
		"/tor/./api": "/tor/api",
	} {
		assert.Equal(t, want, cleanBasePath(in), in)
	}
}
