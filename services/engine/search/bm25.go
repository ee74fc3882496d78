// Copyright (C) 2025 Storyloom Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package search implements lexical scoring over narrative text: a shared
// tokenizer, a simple keyword-overlap score, and an Okapi BM25 index built
// per project on demand.
package search

import (
	"math"
	"strings"
	"unicode"
)

// BM25 tuning constants. k1 controls term-frequency saturation, b controls
// document-length normalization.
const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

// Tokenize splits text into search tokens: lower-cased runs of ASCII
// letters and digits, plus every CJK ideograph as its own token. Mixed
// text such as "第3章 The Heist" yields ["第", "3", "章", "the", "heist"].
func Tokenize(text string) []string {
	var tokens []string
	var run strings.Builder

	flush := func() {
		if run.Len() > 0 {
			tokens = append(tokens, run.String())
			run.Reset()
		}
	}

	for _, r := range text {
		switch {
		case r < 128 && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			run.WriteRune(unicode.ToLower(r))
		case r >= 0x4E00 && r <= 0x9FFF:
			flush()
			tokens = append(tokens, string(r))
		default:
			flush()
		}
	}
	flush()
	return tokens
}

// KeywordScore counts how many distinct query tokens appear in the text.
// Duplicate query tokens count once.
func KeywordScore(queryTokens []string, text string) int {
	if len(queryTokens) == 0 {
		return 0
	}
	docTokens := make(map[string]struct{})
	for _, token := range Tokenize(text) {
		docTokens[token] = struct{}{}
	}

	seen := make(map[string]struct{}, len(queryTokens))
	score := 0
	for _, token := range queryTokens {
		if _, dup := seen[token]; dup {
			continue
		}
		seen[token] = struct{}{}
		if _, ok := docTokens[token]; ok {
			score++
		}
	}
	return score
}

// BM25 is an Okapi BM25 index over a fixed corpus. Build it with NewBM25
// and score query strings against documents by position. The index is
// immutable after construction and safe for concurrent reads.
type BM25 struct {
	docs    [][]string
	docLens []int
	avgdl   float64
	df      map[string]int
}

// NewBM25 tokenizes the corpus and precomputes document lengths, the
// average document length, and per-token document frequencies.
func NewBM25(corpus []string) *BM25 {
	index := &BM25{
		docs:    make([][]string, len(corpus)),
		docLens: make([]int, len(corpus)),
		df:      make(map[string]int),
	}

	totalLen := 0
	for i, text := range corpus {
		tokens := Tokenize(text)
		index.docs[i] = tokens
		index.docLens[i] = len(tokens)
		totalLen += len(tokens)

		seen := make(map[string]struct{}, len(tokens))
		for _, token := range tokens {
			if _, ok := seen[token]; ok {
				continue
			}
			seen[token] = struct{}{}
			index.df[token]++
		}
	}

	// Guard against an all-empty corpus so length normalization never
	// divides by zero.
	index.avgdl = float64(totalLen) / math.Max(float64(len(corpus)), 1.0)
	if index.avgdl == 0 {
		index.avgdl = 1.0
	}
	return index
}

// Len returns the number of documents in the index.
func (b *BM25) Len() int {
	return len(b.docs)
}

// Score computes the BM25 score of the query against document i.
// An empty query, an empty document, or an out-of-range index scores 0.
// Query tokens absent from the document contribute nothing.
func (b *BM25) Score(query string, i int) float64 {
	if i < 0 || i >= len(b.docs) {
		return 0
	}
	queryTokens := Tokenize(query)
	if len(queryTokens) == 0 || b.docLens[i] == 0 {
		return 0
	}

	tf := make(map[string]int, b.docLens[i])
	for _, token := range b.docs[i] {
		tf[token]++
	}

	n := float64(len(b.docs))
	docLen := float64(b.docLens[i])
	score := 0.0
	for _, token := range queryTokens {
		freq := tf[token]
		if freq == 0 {
			continue
		}
		df := float64(b.df[token])
		idf := math.Log(1 + (n-df+0.5)/(df+0.5))
		numer := float64(freq) * (bm25K1 + 1)
		denom := float64(freq) + bm25K1*(1-bm25B+bm25B*docLen/b.avgdl)
		score += idf * numer / denom
	}
	return score
}

// ScoreAll scores the query against every document, in corpus order.
func (b *BM25) ScoreAll(query string) []float64 {
	scores := make([]float64, len(b.docs))
	for i := range b.docs {
		scores[i] = b.Score(query, i)
	}
	return scores
}
