package video

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
)

const megabyte = 1024 * 1024

// FileInfo describes the selected input file.
type FileInfo struct {
	Name     string  `json:"name"`
	Path     string  `json:"-"`
	SizeMB   float64 `json:"size_mb"`
	MIMEType string  `json:"mime_type"`
}

func (f FileInfo) String() string {
	return fmt.Sprintf("%s (%.2f MB, %s)", f.Name, f.SizeMB, f.MIMEType)
}

// Stat reads name, size and content type of the file at path. The type is
// sniffed from the header, falling back to the extension.
func Stat(path string) (FileInfo, error) {
	st, err := os.Stat(path)
	if err != nil {
		return FileInfo{}, err
	}
	if st.IsDir() {
		return FileInfo{}, fmt.Errorf("%s is a directory", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return FileInfo{}, err
	}
	defer f.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return FileInfo{}, err
	}

	mimeType := http.DetectContentType(head[:n])
	if mimeType == "application/octet-stream" {
		if byExt := mime.TypeByExtension(filepath.Ext(path)); byExt != "" {
			mimeType = byExt
		}
	}

	return FileInfo{
		Name:     filepath.Base(path),
		Path:     path,
		SizeMB:   float64(st.Size()) / megabyte,
		MIMEType: mimeType,
	}, nil
}
