package models

import (
	"time"

	"github.com/google/uuid"
)

// DirectoryMimeType marks a FileRecord as a collection.
const DirectoryMimeType = "httpd/unix-directory"

// FileRecord is the metadata row for one stored file or directory.
type FileRecord struct {
	ID           int64     `json:"id"`
	OwnerID      uuid.UUID `json:"owner_id"`
	ParentID     *int64    `json:"parent_id,omitempty"`
	Path         string    `json:"path"`
	Name         string    `json:"name"`
	MimeType     string    `json:"mimetype"`
	MTime        int64     `json:"mtime"`
	StorageMTime int64     `json:"storage_mtime"`
	Size         int64     `json:"size"`
	ETag         string    `json:"etag"`
}

func (f *FileRecord) IsDir() bool {
	return f.MimeType == DirectoryMimeType
}

// ModTime returns mtime as a UTC time.
func (f *FileRecord) ModTime() time.Time {
	return time.Unix(f.MTime, 0).UTC()
}
