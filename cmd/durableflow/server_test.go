package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmbeddedWorkerIDIsUniquePerProcess(t *testing.T) {
	first, second := embeddedWorkerID(), embeddedWorkerID()
	assert.NotEqual(t, first, second)
	assert.True(t, strings.Contains(first, "-embedded-"), first)
}
