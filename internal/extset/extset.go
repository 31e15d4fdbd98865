// Package extset holds the single, registry-derived set of file
// extensions the pipeline accepts (C1). Both the scanner and the file
// watcher consult this set exclusively: the spec calls out a legacy
// per-code-path extension list as a defect to eliminate, so there is
// exactly one authoritative list here.
package extset

import "strings"

var supported = map[string]struct{}{
	".txt":  {},
	".md":   {},
	".pdf":  {},
	".docx": {},
	".xlsx": {},
	".pptx": {},
}

// Supported reports whether path's extension is in the canonical set.
// Matching is case-insensitive.
func Supported(path string) bool {
	ext := strings.ToLower(extOf(path))
	_, ok := supported[ext]
	return ok
}

func extOf(path string) string {
	i := strings.LastIndexByte(path, '.')
	if i < 0 {
		return ""
	}
	return path[i:]
}

// All returns every supported extension, for diagnostics/help text.
func All() []string {
	out := make([]string, 0, len(supported))
	for e := range supported {
		out = append(out, e)
	}
	return out
}
