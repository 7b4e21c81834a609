package geodb

import "os"

// FileSystem handles GeoIP cache file I/O, replaceable in tests.
type FileSystem interface {
	WriteFile(filename string, buf []byte) error
	ReadFile(filename string) ([]byte, error)
}

// NewFileSystem creates the real file system backing for the GeoIP cache.
func NewFileSystem() FileSystem {
	return &fileSystemImpl{}
}

type fileSystemImpl struct{}

func (fs *fileSystemImpl) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(name)
}

func (fs *fileSystemImpl) WriteFile(name string, buf []byte) error {
	return os.WriteFile(name, buf, 0644)
}
