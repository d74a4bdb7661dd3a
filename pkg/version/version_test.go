package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShortTruncatesLongRevisions(t *testing.T) {
	assert.Equal(t, "a3f8c2d1", short("a3f8c2d1e77b9901"))
	assert.Equal(t, "abc", short("abc"))
}

func TestFullCarriesAppName(t *testing.T) {
	assert.True(t, strings.HasPrefix(Full(), AppName+"/"))
	assert.NotEmpty(t, GitCommit)
}
