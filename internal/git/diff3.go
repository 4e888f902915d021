package git

import (
	"bytes"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// hunk replaces base lines [start, end) with lines.
type hunk struct {
	start, end int
	lines      []string
}

// MergeText performs a line-based three-way merge. Regions changed on only one side
// are taken from that side; regions changed differently on both sides are emitted
// between conflict markers. The second return value counts conflicting regions.
func MergeText(base, ours, theirs []byte, oursLabel, theirsLabel string) ([]byte, int) {
	baseLines := splitLines(string(base))
	oursHunks := lineHunks(string(base), string(ours))
	theirsHunks := lineHunks(string(base), string(theirs))

	var out bytes.Buffer
	conflicts := 0
	pos := 0
	i, j := 0, 0

	for i < len(oursHunks) || j < len(theirsHunks) {
		var start, end int
		switch {
		case j >= len(theirsHunks) || (i < len(oursHunks) && oursHunks[i].start <= theirsHunks[j].start):
			start, end = oursHunks[i].start, oursHunks[i].end
		default:
			start, end = theirsHunks[j].start, theirsHunks[j].end
		}

		gi, gj := i, j
		for {
			grew := false
			if gi < len(oursHunks) && joins(oursHunks[gi], end) {
				end = max(end, oursHunks[gi].end)
				gi++
				grew = true
			}
			if gj < len(theirsHunks) && joins(theirsHunks[gj], end) {
				end = max(end, theirsHunks[gj].end)
				gj++
				grew = true
			}
			if !grew {
				break
			}
		}

		for _, line := range baseLines[pos:start] {
			out.WriteString(line)
		}

		oursSide := oursHunks[i:gi]
		theirsSide := theirsHunks[j:gj]
		switch {
		case len(theirsSide) == 0:
			out.WriteString(applyHunks(baseLines, start, end, oursSide))
		case len(oursSide) == 0:
			out.WriteString(applyHunks(baseLines, start, end, theirsSide))
		default:
			o := applyHunks(baseLines, start, end, oursSide)
			t := applyHunks(baseLines, start, end, theirsSide)
			if o == t {
				out.WriteString(o)
				break
			}
			conflicts++
			writeConflict(&out, o, t, oursLabel, theirsLabel)
		}

		pos = end
		i, j = gi, gj
	}

	for _, line := range baseLines[pos:] {
		out.WriteString(line)
	}
	return out.Bytes(), conflicts
}

// joins reports whether h overlaps or touches the region ending at end. Edits to
// adjacent lines join like git's, so they conflict when both sides made them.
func joins(h hunk, end int) bool {
	return h.start <= end
}

func applyHunks(baseLines []string, start, end int, hunks []hunk) string {
	var b strings.Builder
	pos := start
	for _, h := range hunks {
		for _, line := range baseLines[pos:h.start] {
			b.WriteString(line)
		}
		for _, line := range h.lines {
			b.WriteString(line)
		}
		pos = h.end
	}
	for _, line := range baseLines[pos:end] {
		b.WriteString(line)
	}
	return b.String()
}

func writeConflict(out *bytes.Buffer, ours, theirs, oursLabel, theirsLabel string) {
	out.WriteString("<<<<<<< " + oursLabel + "\n")
	out.WriteString(terminate(ours))
	out.WriteString("=======\n")
	out.WriteString(terminate(theirs))
	out.WriteString(">>>>>>> " + theirsLabel + "\n")
}

func terminate(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

// lineHunks diffs base against other line by line.
func lineHunks(base, other string) []hunk {
	if base == other {
		return nil
	}

	dmp := diffmatchpatch.New()
	text1, text2, lineArray := dmp.DiffLinesToChars(base, other)
	diffs := dmp.DiffMain(text1, text2, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	var hunks []hunk
	var cur *hunk
	pos := 0
	flush := func() {
		if cur != nil {
			hunks = append(hunks, *cur)
			cur = nil
		}
	}
	open := func() {
		if cur == nil {
			cur = &hunk{start: pos, end: pos}
		}
	}

	for _, d := range diffs {
		lines := splitLines(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			flush()
			pos += len(lines)
		case diffmatchpatch.DiffDelete:
			open()
			pos += len(lines)
			cur.end = pos
		case diffmatchpatch.DiffInsert:
			open()
			cur.lines = append(cur.lines, lines...)
		}
	}
	flush()
	return hunks
}

// splitLines splits s after every newline, keeping the terminators.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func isBinary(data []byte) bool {
	head := data
	if len(head) > 8000 {
		head = head[:8000]
	}
	return bytes.IndexByte(head, 0) >= 0
}
