package detect

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestFrameResult_Unmarshal(t *testing.T) {
	line := `{"index":3,"boxes":[{"cls":0,"conf":0.91},{"cls":1,"conf":0.72}],"names":{"0":"weapon","1":"knife"}}`

	var fr FrameResult
	if err := json.Unmarshal([]byte(line), &fr); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}

	if fr.Index != 3 {
		t.Errorf("Index = %d, want 3", fr.Index)
	}
	if len(fr.Boxes) != 2 {
		t.Fatalf("len(Boxes) = %d, want 2", len(fr.Boxes))
	}
	if got := fr.Label(fr.Boxes[0]); got != "weapon" {
		t.Errorf("Label(boxes[0]) = %q, want weapon", got)
	}
	if got := fr.Label(fr.Boxes[1]); got != "knife" {
		t.Errorf("Label(boxes[1]) = %q, want knife", got)
	}
}

func TestFrameResult_UnknownClassLabel(t *testing.T) {
	fr := FrameResult{Names: map[int]string{0: "weapon"}}
	if got := fr.Label(Box{Class: 7}); got != "" {
		t.Errorf("Label(unknown) = %q, want empty", got)
	}
}

func TestResultScanner_LongLines(t *testing.T) {
	// A result line beyond the default bufio limit must still scan.
	var b strings.Builder
	b.WriteString(`{"index":0,"boxes":[`)
	for i := 0; i < 8000; i++ {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(`{"cls":0,"conf":0.5}`)
	}
	b.WriteString(`],"names":{"0":"weapon"}}`)

	sc := newResultScanner(strings.NewReader(b.String() + "\n"))
	if !sc.Scan() {
		t.Fatalf("scan failed: %v", sc.Err())
	}

	var fr FrameResult
	if err := json.Unmarshal(sc.Bytes(), &fr); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if len(fr.Boxes) != 8000 {
		t.Errorf("len(Boxes) = %d, want 8000", len(fr.Boxes))
	}
}

func TestLimitedWriter_KeepsTail(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, limit: 8}

	lw.Write([]byte("0123456789abcdef"))

	if got := buf.String(); got != "89abcdef" {
		t.Errorf("tail = %q, want 89abcdef", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate(short) = %q", got)
	}
	if got := truncate("0123456789", 4); got != "...6789" {
		t.Errorf("truncate = %q, want ...6789", got)
	}
}
