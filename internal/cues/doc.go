// Package cues merges raw caption and transcript fragments into clean
// segments.
//
// Speech-to-text and subtitle tracks repeat themselves: a rolling caption
// emits "Hello", then "Hello world" a moment later over an overlapping span.
// Normalize walks the cues in time order and folds a cue into the previous
// one when they are close in time and their normalized text repeats
// (equal, prefix or suffix, or a suffix/prefix overlap). The result is
// time-ordered, non-overlapping and every segment lasts at least the
// configured minimum.
//
//	segments := cues.Normalize(raw, cues.DefaultConfig())
//
// Normalize is pure and deterministic.
package cues
