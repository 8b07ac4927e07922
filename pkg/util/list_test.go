package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseList(t *testing.T) {
	assert.Equal(t, []string{}, ParseList(""))
	assert.Equal(t, []string{"a", "b"}, ParseList(`["a", 'b', a, ]`))
	assert.Equal(t, []string{"art", "digital painting"}, ParseList("art, digital painting"))
}

func TestDedupe(t *testing.T) {
	assert.Equal(t, []string{"A", "B"}, Dedupe([]string{"A", " ", "B", "A"}))
	assert.Empty(t, Dedupe(nil))
}
