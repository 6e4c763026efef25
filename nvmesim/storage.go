package nvmesim

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
)

// Storage is the backing storage of a namespace. It is read-only unless it
// also implements io.WriterAt.
type Storage interface {
	io.ReaderAt

	// Size returns the storage size in bytes.
	Size() (int64, error)
}

// MemStorage is read-write storage backed by a byte slice.
type MemStorage struct {
	Bytes []byte
}

// FileStorage is read-write storage backed by an open file. The file's
// ReadAt and WriteAt are used directly.
type FileStorage struct {
	*os.File
}

// HTTPStorage is read-only storage fetched from a URL one range request at a
// time. The server must report Content-Length on HEAD and honor Range.
type HTTPStorage struct {
	URL string

	// Client is http.DefaultClient if nil.
	Client *http.Client
}

// ReadAt copies from the backing slice at off into p.
func (ms *MemStorage) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(ms.Bytes)) {
		return 0, io.EOF
	}

	n := copy(p, ms.Bytes[off:])
	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

// Size returns the size of the backing slice in bytes.
func (ms *MemStorage) Size() (int64, error) {
	return int64(len(ms.Bytes)), nil
}

// WriteAt copies p into the backing slice at off.
func (ms *MemStorage) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(ms.Bytes)) {
		return 0, fmt.Errorf("nvmesim: write of %d bytes at %d is past the end (%d)", len(p), off, len(ms.Bytes))
	}

	return copy(ms.Bytes[off:], p), nil
}

// Size returns the file's current size.
func (fs *FileStorage) Size() (int64, error) {
	fi, err := fs.Stat()
	if err != nil {
		return 0, err
	}

	return fi.Size(), nil
}

// ReadAt fetches len(p) bytes at off with a ranged GET.
func (hs *HTTPStorage) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	res, err := hs.do(http.MethodGet, fmt.Sprintf("bytes=%d-%d", off, off+int64(len(p))-1), http.StatusPartialContent)
	if err != nil {
		return 0, err
	}

	defer res.Body.Close()

	n, err := io.ReadFull(res.Body, p)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}

	return n, err
}

// Size is the Content-Length of a HEAD response.
func (hs *HTTPStorage) Size() (int64, error) {
	res, err := hs.do(http.MethodHead, "", http.StatusOK)
	if err != nil {
		return 0, err
	}

	res.Body.Close()

	if res.ContentLength < 0 {
		return 0, fmt.Errorf("nvmesim: http storage %s: no content length", hs.URL)
	}

	return res.ContentLength, nil
}

// do sends a request, with a Range header unless rng is empty, and checks
// the response status.
func (hs *HTTPStorage) do(method, rng string, status int) (*http.Response, error) {
	req, err := http.NewRequest(method, hs.URL, nil)
	if err != nil {
		return nil, err
	}

	if rng != "" {
		req.Header.Set("Range", rng)
	}

	c := hs.Client
	if c == nil {
		c = http.DefaultClient
	}

	res, err := c.Do(req)
	if err != nil {
		return nil, err
	}

	if res.StatusCode != status {
		res.Body.Close()
		return nil, fmt.Errorf("nvmesim: http storage: %s %s: %s", method, hs.URL, res.Status)
	}

	return res, nil
}
