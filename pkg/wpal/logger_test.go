package wpal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := NewLogger(buildTypeDev)
	require.NoError(t, err)
	require.NotNil(t, logger)

	logger.Named("test").Debugw("Created logger", "buildType", buildTypeDev)

	assert.False(t, IsReleaseBuild(buildTypeDev))
	assert.False(t, IsReleaseBuild(buildTypeNone))
	assert.True(t, IsReleaseBuild(buildTypeRelease))
}
