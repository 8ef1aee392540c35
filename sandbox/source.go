package sandbox

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/reglet-dev/reglet-exthost/extension"
)

// DefaultMaxModuleSize caps the size of an entry module read from disk.
const DefaultMaxModuleSize int64 = 32 << 20

// sizeLimitError reports an entry module larger than the loader accepts.
type sizeLimitError struct {
	Limit int64
	Read  int64
}

func (e *sizeLimitError) Error() string {
	return fmt.Sprintf("read at least %s, limit is %s", formatSize(e.Read), formatSize(e.Limit))
}

// limitedReader fails with sizeLimitError once more than limit bytes are
// available, instead of silently truncating like io.LimitReader.
type limitedReader struct {
	r     io.Reader
	left  int64
	limit int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.left <= 0 {
		var extra [1]byte
		if n, _ := l.r.Read(extra[:]); n > 0 {
			return 0, &sizeLimitError{Limit: l.limit, Read: l.limit + 1}
		}
		return 0, io.EOF
	}
	if int64(len(p)) > l.left {
		p = p[:l.left]
	}
	n, err := l.r.Read(p)
	l.left -= int64(n)
	return n, err
}

// readEntry reads the entry module of req, enforcing the loader's size cap.
func (l *Loader) readEntry(req loadRequest) ([]byte, error) {
	id := req.manifest.ID
	f, err := os.Open(req.entryPath)
	if err != nil {
		return nil, &extension.LoadError{ExtensionID: id, Reason: "failed to read entry module", Err: err}
	}
	defer f.Close()

	data, err := io.ReadAll(&limitedReader{r: f, left: l.maxModuleSize, limit: l.maxModuleSize})
	if err != nil {
		var tooLarge *sizeLimitError
		if errors.As(err, &tooLarge) {
			return nil, &extension.LoadError{ExtensionID: id, Reason: "entry module too large", Err: err}
		}
		return nil, &extension.LoadError{ExtensionID: id, Reason: "failed to read entry module", Err: err}
	}
	return data, nil
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
	)
	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/mb)
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/kb)
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
