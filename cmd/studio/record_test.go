package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/studio"
)

func TestParseSources(t *testing.T) {
	kinds, err := parseSources("camera, mic,,screen")
	require.NoError(t, err)
	assert.Equal(t, []studio.SourceKind{studio.SourceKindCamera, studio.SourceKindMicrophone, studio.SourceKindScreen}, kinds)

	_, err = parseSources("camera,webcam")
	assert.Error(t, err)
}

func TestTimerOrNil(t *testing.T) {
	assert.Nil(t, timerOrNil(0))
	assert.NotNil(t, timerOrNil(1))
}
