// Copyright (C) 2025 Storyloom Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParagraphSplitterBlankLines(t *testing.T) {
	text := "first paragraph\n\nsecond paragraph\n\nthird"
	chunks := ParagraphSplitter{}.Split(text)

	require.Len(t, chunks, 3)
	assert.Equal(t, "first paragraph\n\n", chunks[0].Content)
	assert.Equal(t, 0, chunks[0].Start)
	assert.Equal(t, "third", chunks[2].Content)
	assert.Equal(t, len(text), chunks[2].End)

	// Offsets reconstruct the chunk from the original text.
	for _, chunk := range chunks {
		assert.Equal(t, chunk.Content, text[chunk.Start:chunk.End])
	}
}

func TestParagraphSplitterFallsBackToLines(t *testing.T) {
	chunks := ParagraphSplitter{}.Split("line one\nline two")
	require.Len(t, chunks, 2)
	assert.Equal(t, "line one\n", chunks[0].Content)
	assert.Equal(t, "line two", chunks[1].Content)
}

func TestParagraphSplitterDropsWhitespaceChunks(t *testing.T) {
	chunks := ParagraphSplitter{}.Split("real text\n\n   \n\nmore text")
	require.Len(t, chunks, 2)
	assert.Equal(t, "real text\n\n", chunks[0].Content)
}

func TestParagraphSplitterEmpty(t *testing.T) {
	assert.Nil(t, ParagraphSplitter{}.Split(""))
}
