// Package gitdiff computes structured diff snapshots for git-diff
// workers: parsed unified diffs with word-level refinement of changed
// line pairs.
package gitdiff

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Line kinds.
const (
	LineContext = "context"
	LineAdd     = "add"
	LineDel     = "del"
)

// Segment is a word-level span inside a changed line.
type Segment struct {
	Type string `json:"type"` // "equal", "insert", "delete"
	Text string `json:"text"`
}

// Line is one line of a hunk.
type Line struct {
	Kind     string    `json:"kind"`
	Text     string    `json:"text"`
	OldNo    int       `json:"oldNo,omitempty"`
	NewNo    int       `json:"newNo,omitempty"`
	Segments []Segment `json:"segments,omitempty"`
}

// Hunk is a contiguous change region.
type Hunk struct {
	Header string `json:"header"`
	Lines  []Line `json:"lines"`
}

// FileDiff is the parsed diff of a single file.
type FileDiff struct {
	Path      string `json:"path"`
	OldPath   string `json:"oldPath,omitempty"`
	Status    string `json:"status"` // "modified", "added", "deleted", "renamed"
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Binary    bool   `json:"binary,omitempty"`
	Hunks     []Hunk `json:"hunks,omitempty"`
}

// Diff is a full snapshot between two refs (or a ref and the working tree).
type Diff struct {
	BaseRef   string     `json:"baseRef"`
	TargetRef string     `json:"targetRef,omitempty"`
	Files     []FileDiff `json:"files"`
}

// wordDiffMaxLineLength skips word refinement for very long lines.
const wordDiffMaxLineLength = 500

func runGit(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("git %s: %s", args[0], strings.TrimSpace(string(ee.Stderr)))
		}
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	return string(out), nil
}

// Snapshot diffs baseRef against targetRef, or against the working
// tree when targetRef is empty.
func Snapshot(dir, baseRef, targetRef string) (*Diff, error) {
	args := []string{"diff", "--no-color", "-U3", baseRef}
	if targetRef != "" {
		args = append(args, targetRef)
	}
	args = append(args, "--")

	out, err := runGit(dir, args...)
	if err != nil {
		return nil, err
	}

	d := &Diff{BaseRef: baseRef, TargetRef: targetRef}
	d.Files = parseUnified(out)
	for i := range d.Files {
		refineFile(&d.Files[i])
	}
	return d, nil
}

// FileLines returns lines [start, end] (1-based, inclusive) of a file
// at the given ref, or from the working tree when ref is empty.
func FileLines(dir, ref, path string, start, end int) ([]string, error) {
	if start < 1 || end < start {
		return nil, fmt.Errorf("invalid line range %d-%d", start, end)
	}

	var content string
	var err error
	if ref == "" {
		if !filepath.IsLocal(path) {
			return nil, fmt.Errorf("invalid path %q", path)
		}
		var b []byte
		b, err = os.ReadFile(filepath.Join(dir, path))
		content = string(b)
	} else {
		content, err = runGit(dir, "show", ref+":"+path)
	}
	if err != nil {
		return nil, err
	}

	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	if start > len(lines) {
		return []string{}, nil
	}
	if end > len(lines) {
		end = len(lines)
	}
	return lines[start-1 : end], nil
}

// parseUnified parses `git diff` unified output into FileDiffs.
func parseUnified(out string) []FileDiff {
	var files []FileDiff
	var cur *FileDiff
	var hunk *Hunk
	var oldNo, newNo int

	flushHunk := func() {
		if cur != nil && hunk != nil {
			cur.Hunks = append(cur.Hunks, *hunk)
		}
		hunk = nil
	}
	flushFile := func() {
		flushHunk()
		if cur != nil {
			files = append(files, *cur)
		}
		cur = nil
	}

	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "diff --git "):
			flushFile()
			cur = &FileDiff{Status: "modified"}
			// "diff --git a/old b/new"
			fields := strings.Fields(line)
			if len(fields) >= 4 {
				cur.OldPath = strings.TrimPrefix(fields[2], "a/")
				cur.Path = strings.TrimPrefix(fields[3], "b/")
				if cur.OldPath == cur.Path {
					cur.OldPath = ""
				} else {
					cur.Status = "renamed"
				}
			}

		case cur == nil:
			continue

		case strings.HasPrefix(line, "new file mode"):
			cur.Status = "added"
		case strings.HasPrefix(line, "deleted file mode"):
			cur.Status = "deleted"
		case strings.HasPrefix(line, "Binary files "):
			cur.Binary = true
		case strings.HasPrefix(line, "rename from "):
			cur.Status = "renamed"
			cur.OldPath = strings.TrimPrefix(line, "rename from ")
		case strings.HasPrefix(line, "rename to "):
			cur.Path = strings.TrimPrefix(line, "rename to ")

		case strings.HasPrefix(line, "@@"):
			flushHunk()
			hunk = &Hunk{Header: line}
			// "@@ -l,c +l,c @@ ..."
			_, _ = fmt.Sscanf(line, "@@ -%d", &oldNo)
			if i := strings.Index(line, "+"); i >= 0 {
				_, _ = fmt.Sscanf(line[i:], "+%d", &newNo)
			}

		case hunk != nil && strings.HasPrefix(line, "+"):
			hunk.Lines = append(hunk.Lines, Line{Kind: LineAdd, Text: line[1:], NewNo: newNo})
			newNo++
			cur.Additions++
		case hunk != nil && strings.HasPrefix(line, "-"):
			hunk.Lines = append(hunk.Lines, Line{Kind: LineDel, Text: line[1:], OldNo: oldNo})
			oldNo++
			cur.Deletions++
		case hunk != nil && strings.HasPrefix(line, " "):
			hunk.Lines = append(hunk.Lines, Line{Kind: LineContext, Text: line[1:], OldNo: oldNo, NewNo: newNo})
			oldNo++
			newNo++
		}
	}
	flushFile()
	return files
}

// refineFile attaches word-level segments to adjacent del/add pairs.
func refineFile(f *FileDiff) {
	dmp := diffmatchpatch.New()
	for hi := range f.Hunks {
		lines := f.Hunks[hi].Lines
		for i := 0; i+1 < len(lines); i++ {
			if lines[i].Kind != LineDel || lines[i+1].Kind != LineAdd {
				continue
			}
			oldText, newText := lines[i].Text, lines[i+1].Text
			if len(oldText) > wordDiffMaxLineLength || len(newText) > wordDiffMaxLineLength {
				continue
			}

			diffs := dmp.DiffMain(oldText, newText, false)
			dmp.DiffCleanupSemantic(diffs)

			for _, d := range diffs {
				switch d.Type {
				case diffmatchpatch.DiffEqual:
					lines[i].Segments = append(lines[i].Segments, Segment{Type: "equal", Text: d.Text})
					lines[i+1].Segments = append(lines[i+1].Segments, Segment{Type: "equal", Text: d.Text})
				case diffmatchpatch.DiffDelete:
					lines[i].Segments = append(lines[i].Segments, Segment{Type: "delete", Text: d.Text})
				case diffmatchpatch.DiffInsert:
					lines[i+1].Segments = append(lines[i+1].Segments, Segment{Type: "insert", Text: d.Text})
				}
			}
			i++ // pair consumed
		}
	}
}
