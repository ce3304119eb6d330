package models

import "time"

// FileInfo represents metadata about the candidate file held by a session.
type FileInfo struct {
	ID         string    `json:"id" msgpack:"id"`
	Name       string    `json:"name" msgpack:"name"`
	Size       int64     `json:"size" msgpack:"size"`
	Extension  string    `json:"extension" msgpack:"extension"`
	UploadedAt time.Time `json:"uploadedAt" msgpack:"uploadedAt"`
}

// SizeMB returns the file size in mebibytes, as shown next to the file name.
func (f *FileInfo) SizeMB() float64 {
	return float64(f.Size) / (1024 * 1024)
}
