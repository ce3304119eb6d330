// Package upload validates candidate files before a session accepts them.
package upload

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

const bytesPerMB = 1024 * 1024

// DefaultAllowedExtensions are the document formats the extraction
// service understands.
var DefaultAllowedExtensions = []string{"pdf", "xlsx", "xls", "doc", "docx"}

// DefaultMaxSizeBytes is the default upload limit (100MB).
const DefaultMaxSizeBytes int64 = 100 * bytesPerMB

// FileMeta is the part of a candidate file the validator looks at.
type FileMeta struct {
	Name string
	Size int64
}

// ValidationError is returned when a candidate file is rejected.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// Outcome is the result of validating one candidate file.
type Outcome struct {
	Accepted  bool
	Extension string
	Reason    string
}

// Err returns a *ValidationError for a rejected outcome and nil otherwise.
func (o Outcome) Err() error {
	if o.Accepted {
		return nil
	}
	return &ValidationError{Reason: o.Reason}
}

// Validate checks the file's extension against allowed and its size
// against maxSizeBytes. An empty allowed list or a non-positive limit
// rejects every file.
func Validate(file FileMeta, allowed []string, maxSizeBytes int64) Outcome {
	ext := Extension(file.Name)
	normalized := normalizeAll(allowed)

	if ext == "" || !slices.Contains(normalized, ext) {
		return Outcome{
			Extension: ext,
			Reason:    "Invalid file format. Allowed formats: " + strings.Join(normalized, ","),
		}
	}

	if maxSizeBytes <= 0 || file.Size > maxSizeBytes {
		return Outcome{
			Extension: ext,
			Reason:    fmt.Sprintf("File size exceeds the maximum limit (%sMB)", formatMB(maxSizeBytes)),
		}
	}

	return Outcome{Accepted: true, Extension: ext}
}

// Extension returns the lowercased text after the last "." in name, or ""
// when there is none.
func Extension(name string) string {
	idx := strings.LastIndex(name, ".")
	if idx < 0 {
		return ""
	}
	return strings.ToLower(name[idx+1:])
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
}

func normalizeAll(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, e := range exts {
		if n := NormalizeExt(e); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func formatMB(n int64) string {
	if n <= 0 {
		return "0"
	}
	return strconv.FormatFloat(float64(n)/bytesPerMB, 'f', -1, 64)
}
