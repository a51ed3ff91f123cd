package metainfo

import (
	"path/filepath"
	"strings"
)

// Information specific to a single file of the content.
type FileInfo struct {
	Length int64
	Path   []string
	// Filler that occupies torrent space but is never stored, allocated or verified (BEP 47).
	Padding bool
	// Offset of the file in the concatenated content. Filled by Info.UpvertedFiles.
	TorrentOffset int64
}

func (fi *FileInfo) DisplayPath(info *Info) string {
	if info.IsDir() {
		return strings.Join(fi.Path, "/")
	}
	return info.Name
}

// The path of the file relative to the content's storage root, using OS separators.
func (fi *FileInfo) RelativePath(info *Info) string {
	if info.IsDir() {
		return filepath.Join(append([]string{info.Name}, fi.Path...)...)
	}
	return info.Name
}
