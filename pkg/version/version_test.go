package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFull(t *testing.T) {
	got := Full()
	assert.True(t, strings.HasPrefix(got, "brain/"), got)
	commit := strings.TrimPrefix(got, "brain/")
	assert.NotEmpty(t, commit)
	assert.LessOrEqual(t, len(commit), 8)
}

func TestShortCommitTruncatesOverride(t *testing.T) {
	t.Cleanup(func() { commitOverride = "" })
	commitOverride = "a3f8c2d1e5b74960"
	assert.Equal(t, "a3f8c2d1", shortCommit())
}
