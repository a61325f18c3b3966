package ingest

import (
	"fmt"
	"strings"
)

// Chunk is a contiguous slice of node text prepared for a single provider
// call. Chunks never overlap and concatenate back to the input, so every
// cited span maps to exactly one chunk.
type Chunk struct {
	ID    string
	Index int // 1-based
	Total int
	Start int
	End   int
	Text  string
}

type segment struct {
	start int
	end   int
	text  string
	env   bool // LaTeX table environment, never split
}

// splitSegments cuts text into per-line plain segments and whole LaTeX
// table environments. Environments survive as single segments so a table
// is never torn apart mid-row by the size limit; plain lines give the
// packer natural split points.
func splitSegments(text string) []segment {
	var segs []segment
	pos := 0
	inEnv := false
	envStart := 0
	var envBuf strings.Builder

	for _, line := range strings.SplitAfter(text, "\n") {
		if line == "" {
			continue
		}
		switch {
		case !inEnv && reEnvBegin.MatchString(line):
			inEnv = true
			envStart = pos
			envBuf.WriteString(line)
			if reEnvEnd.MatchString(line) {
				segs = append(segs, segment{start: envStart, end: envStart + envBuf.Len(), text: envBuf.String(), env: true})
				envBuf.Reset()
				inEnv = false
			}
		case inEnv:
			envBuf.WriteString(line)
			if reEnvEnd.MatchString(line) {
				segs = append(segs, segment{start: envStart, end: envStart + envBuf.Len(), text: envBuf.String(), env: true})
				envBuf.Reset()
				inEnv = false
			}
		default:
			segs = append(segs, segment{start: pos, end: pos + len(line), text: line})
		}
		pos += len(line)
	}
	if envBuf.Len() > 0 {
		// Unterminated environment, keep it whole.
		segs = append(segs, segment{start: envStart, end: envStart + envBuf.Len(), text: envBuf.String(), env: true})
	}
	return segs
}

// Split cuts text into chunks of at most maxSize characters with zero
// overlap. LaTeX table environments are emitted as whole chunks even when
// oversized. The concatenation of all chunk texts equals the input.
func Split(text string, maxSize int) ([]Chunk, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", maxSize)
	}
	if text == "" {
		return nil, nil
	}

	var chunks []Chunk
	emit := func(start int, s string) {
		chunks = append(chunks, Chunk{Start: start, End: start + len(s), Text: s})
	}

	var buf strings.Builder
	bufStart := 0
	flush := func() {
		if buf.Len() > 0 {
			emit(bufStart, buf.String())
			buf.Reset()
		}
	}

	for _, seg := range splitSegments(text) {
		if seg.env {
			flush()
			emit(seg.start, seg.text)
			continue
		}
		if buf.Len()+len(seg.text) <= maxSize {
			if buf.Len() == 0 {
				bufStart = seg.start
			}
			buf.WriteString(seg.text)
			continue
		}
		flush()
		// Oversized plain segment: hard split on rune boundaries.
		rest := seg.text
		off := seg.start
		for len(rest) > maxSize {
			cut := maxSize
			for cut > 0 && !isRuneStart(rest[cut]) {
				cut--
			}
			if cut == 0 {
				cut = maxSize
			}
			emit(off, rest[:cut])
			off += cut
			rest = rest[cut:]
		}
		if rest != "" {
			buf.Reset()
			bufStart = off
			buf.WriteString(rest)
		}
	}
	flush()

	for i := range chunks {
		chunks[i].Index = i + 1
		chunks[i].Total = len(chunks)
		chunks[i].ID = fmt.Sprintf("chunk_%d", i+1)
	}
	return chunks, nil
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
