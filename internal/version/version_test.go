package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet(t *testing.T) {
	info := Get()

	assert.NotEmpty(t, info.Version)
	assert.NotEmpty(t, info.Commit)
	assert.NotEmpty(t, info.BuildTime)
	assert.Equal(t, runtime.Version(), info.GoVersion)
}

func TestString(t *testing.T) {
	assert.Equal(t, "dev (unknown)", String())
}
