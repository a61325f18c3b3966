package ingest

import (
	"strings"
	"testing"
)

func TestSplit_Lossless(t *testing.T) {
	text := strings.Repeat("alpha beta gamma delta epsilon\n", 200)
	chunks, err := Split(text, 512)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var sb strings.Builder
	prevEnd := 0
	for _, c := range chunks {
		if c.Start != prevEnd {
			t.Fatalf("chunk %d starts at %d, want %d (no gaps, no overlap)", c.Index, c.Start, prevEnd)
		}
		prevEnd = c.End
		sb.WriteString(c.Text)
	}
	if sb.String() != text {
		t.Error("concatenated chunks do not reproduce the input")
	}
}

func TestSplit_SizeBound(t *testing.T) {
	text := strings.Repeat("x", 100) + "\n" + strings.Repeat("y", 100) + "\n"
	chunks, err := Split(text, 150)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, c := range chunks {
		if len(c.Text) > 150 {
			t.Errorf("chunk %d has %d chars, want <= 150", c.Index, len(c.Text))
		}
	}
}

func TestSplit_TableEnvironmentKeptWhole(t *testing.T) {
	env := "\\begin{tabular}{|c|c|}\n" + strings.Repeat("1 & 2 \\\\\n", 30) + "\\end{tabular}\n"
	text := "before\n" + env + "after\n"
	chunks, err := Split(text, 64)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	found := false
	for _, c := range chunks {
		if strings.Contains(c.Text, "\\begin{tabular}") {
			found = true
			if !strings.Contains(c.Text, "\\end{tabular}") {
				t.Error("table environment split across chunks")
			}
		}
	}
	if !found {
		t.Fatal("no chunk contains the table environment")
	}
	// Still lossless around the oversized environment.
	var sb strings.Builder
	for _, c := range chunks {
		sb.WriteString(c.Text)
	}
	if sb.String() != text {
		t.Error("concatenated chunks do not reproduce the input")
	}
}

func TestSplit_Metadata(t *testing.T) {
	chunks, err := Split(strings.Repeat("z", 10), 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("len(chunks) = %d, want 3", len(chunks))
	}
	for i, c := range chunks {
		if c.Index != i+1 || c.Total != 3 {
			t.Errorf("chunk %d: index=%d total=%d", i, c.Index, c.Total)
		}
		if c.ID != "chunk_"+string(rune('1'+i)) {
			t.Errorf("chunk id = %q", c.ID)
		}
	}
}

func TestSplit_RejectsBadSize(t *testing.T) {
	if _, err := Split("text", 0); err == nil {
		t.Error("expected error for zero chunk size")
	}
}
