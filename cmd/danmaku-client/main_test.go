package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrdanmaku/danmaku/pkg/client"
)

func TestTextAfter(t *testing.T) {
	assert.Equal(t, "hello  there", textAfter("say 12.5 top hello  there", 3))
	assert.Equal(t, "hi", textAfter("  del\t1 hi ", 2))
	assert.Equal(t, "", textAfter("say 1", 3))
}

func TestExecuteValidatesArguments(t *testing.T) {
	c := client.NewClient("ws://unused")
	var out bytes.Buffer

	cases := map[string]string{
		"video one urlA": "invalid video index",
		"video 1":        "usage: video <index> <link>",
		"say soon top x": "invalid time",
		"say 1 top":      "usage: say <time> <position> <text>",
		"del x hi":       "invalid time",
		"dance":          `unknown command "dance"`,
	}
	for line, want := range cases {
		_, err := execute(c, &out, strings.Fields(line), line)
		require.Error(t, err, line)
		assert.Equal(t, want, err.Error(), line)
	}

	quit, err := execute(c, &out, strings.Fields("quit"), "quit")
	require.NoError(t, err)
	assert.True(t, quit)

	quit, err = execute(c, &out, nil, "")
	require.NoError(t, err)
	assert.False(t, quit)
}
