// Copyright (C) 2025 Storyloom Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package index

import "strings"

// Chunk is one piece of a split document. Start and End are byte
// offsets into the original text.
type Chunk struct {
	Content string
	Start   int
	End     int
}

// Splitter turns document text into indexable chunks.
type Splitter interface {
	Split(text string) []Chunk
}

// ParagraphSplitter splits on blank lines, falling back to single
// newlines when the text has no blank lines at all. Whitespace-only
// chunks are dropped.
type ParagraphSplitter struct{}

// Split implements Splitter.
func (ParagraphSplitter) Split(text string) []Chunk {
	if text == "" {
		return nil
	}

	separator := "\n\n"
	if !strings.Contains(text, separator) {
		separator = "\n"
	}

	var chunks []Chunk
	offset := 0
	for {
		next := strings.Index(text[offset:], separator)
		var segment string
		var end int
		if next < 0 {
			segment = text[offset:]
			end = len(text)
		} else {
			end = offset + next + len(separator)
			segment = text[offset:end]
		}

		if strings.TrimSpace(segment) != "" {
			chunks = append(chunks, Chunk{Content: segment, Start: offset, End: end})
		}

		if next < 0 {
			break
		}
		offset = end
	}
	return chunks
}
