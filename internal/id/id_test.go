package id_test

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentconsole/agentconsole/internal/id"
)

func TestGenerate(t *testing.T) {
	pattern := regexp.MustCompile(`^[A-Za-z0-9]{21}$`)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		got := id.Generate()
		assert.Regexp(t, pattern, got)
		assert.False(t, seen[got], "ids must not repeat")
		seen[got] = true
	}
}
