package upload

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name       string
		file       FileMeta
		allowed    []string
		maxSize    int64
		wantOK     bool
		wantExt    string
		wantReason string
	}{
		{
			name:    "pdf within limit",
			file:    FileMeta{Name: "report.pdf", Size: 2 * 1024 * 1024},
			allowed: DefaultAllowedExtensions,
			maxSize: DefaultMaxSizeBytes,
			wantOK:  true,
			wantExt: "pdf",
		},
		{
			name:    "extension compared case-insensitively",
			file:    FileMeta{Name: "Sheet.XLSX", Size: 10},
			allowed: DefaultAllowedExtensions,
			maxSize: DefaultMaxSizeBytes,
			wantOK:  true,
			wantExt: "xlsx",
		},
		{
			name:    "dotted allowed entries are normalized",
			file:    FileMeta{Name: "memo.docx", Size: 10},
			allowed: []string{".PDF", ".docx"},
			maxSize: DefaultMaxSizeBytes,
			wantOK:  true,
			wantExt: "docx",
		},
		{
			name:       "last dot wins",
			file:       FileMeta{Name: "archive.pdf.exe", Size: 10},
			allowed:    DefaultAllowedExtensions,
			maxSize:    DefaultMaxSizeBytes,
			wantExt:    "exe",
			wantReason: "Invalid file format. Allowed formats: pdf,xlsx,xls,doc,docx",
		},
		{
			name:       "no extension",
			file:       FileMeta{Name: "README", Size: 10},
			allowed:    DefaultAllowedExtensions,
			maxSize:    DefaultMaxSizeBytes,
			wantReason: "Invalid file format. Allowed formats: pdf,xlsx,xls,doc,docx",
		},
		{
			name:       "trailing dot",
			file:       FileMeta{Name: "report.", Size: 10},
			allowed:    DefaultAllowedExtensions,
			maxSize:    DefaultMaxSizeBytes,
			wantReason: "Invalid file format. Allowed formats: pdf,xlsx,xls,doc,docx",
		},
		{
			name:       "one byte over the limit",
			file:       FileMeta{Name: "big.pdf", Size: DefaultMaxSizeBytes + 1},
			allowed:    DefaultAllowedExtensions,
			maxSize:    DefaultMaxSizeBytes,
			wantExt:    "pdf",
			wantReason: "File size exceeds the maximum limit (100MB)",
		},
		{
			name:    "exactly at the limit",
			file:    FileMeta{Name: "big.pdf", Size: DefaultMaxSizeBytes},
			allowed: DefaultAllowedExtensions,
			maxSize: DefaultMaxSizeBytes,
			wantOK:  true,
			wantExt: "pdf",
		},
		{
			name:       "format is checked before size",
			file:       FileMeta{Name: "huge.zip", Size: DefaultMaxSizeBytes * 2},
			allowed:    DefaultAllowedExtensions,
			maxSize:    DefaultMaxSizeBytes,
			wantExt:    "zip",
			wantReason: "Invalid file format. Allowed formats: pdf,xlsx,xls,doc,docx",
		},
		{
			name:       "empty allowed set rejects everything",
			file:       FileMeta{Name: "report.pdf", Size: 1},
			allowed:    nil,
			maxSize:    DefaultMaxSizeBytes,
			wantExt:    "pdf",
			wantReason: "Invalid file format. Allowed formats: ",
		},
		{
			name:       "zero max size rejects even empty files",
			file:       FileMeta{Name: "empty.pdf", Size: 0},
			allowed:    DefaultAllowedExtensions,
			maxSize:    0,
			wantExt:    "pdf",
			wantReason: "File size exceeds the maximum limit (0MB)",
		},
		{
			name:       "fractional megabyte limit",
			file:       FileMeta{Name: "a.pdf", Size: 2 * 1024 * 1024},
			allowed:    DefaultAllowedExtensions,
			maxSize:    1024 * 1024 * 3 / 2,
			wantExt:    "pdf",
			wantReason: "File size exceeds the maximum limit (1.5MB)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Validate(tt.file, tt.allowed, tt.maxSize)

			assert.Equal(t, tt.wantOK, out.Accepted)
			assert.Equal(t, tt.wantExt, out.Extension)
			assert.Equal(t, tt.wantReason, out.Reason)
			if tt.wantOK {
				assert.NoError(t, out.Err())
				return
			}
			var verr *ValidationError
			require.True(t, errors.As(out.Err(), &verr))
			assert.Equal(t, tt.wantReason, verr.Error())
		})
	}
}

func TestValidate_DoesNotMutateAllowed(t *testing.T) {
	allowed := []string{".PDF", "Docx"}
	Validate(FileMeta{Name: "x.pdf", Size: 1}, allowed, 10)
	assert.Equal(t, []string{".PDF", "Docx"}, allowed)
}

func TestExtension(t *testing.T) {
	assert.Equal(t, "pdf", Extension("a.b.PDF"))
	assert.Equal(t, "", Extension("noext"))
	assert.Equal(t, "", Extension("dot."))
	assert.Equal(t, "gitignore", Extension(".gitignore"))
}
