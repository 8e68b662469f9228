package bundler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlattenID(t *testing.T) {
	assert.Equal(t, "lodash", FlattenID("lodash"))
	assert.Equal(t, "lodash_debounce", FlattenID("lodash/debounce"))
	assert.Equal(t, "@scope_pkg", FlattenID("@scope/pkg"))
}

func TestBareImportRe(t *testing.T) {
	bare := []string{"lodash", "lodash/debounce", "@scope/pkg", "dayjs"}
	for _, id := range bare {
		assert.True(t, bareImportRe.MatchString(id), id)
	}
	notBare := []string{"./a.js", "../a.js", "/a.js", "https://cdn.example.com/a.js", "node:fs"}
	for _, id := range notBare {
		assert.False(t, bareImportRe.MatchString(id), id)
	}
}
