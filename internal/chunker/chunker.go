// Package chunker splits a file into fixed-size byte ranges for reading and writes
// them back at their offsets on the receiving side.
package chunker

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jaywantadh/ByteRelay/internal/transfer"
)

// TotalChunks returns how many chunks of chunkSize cover fileSize bytes.
func TotalChunks(fileSize int64, chunkSize int) int64 {
	if fileSize <= 0 || chunkSize <= 0 {
		return 0
	}
	cs := int64(chunkSize)
	return (fileSize + cs - 1) / cs
}

// ChunkOffset returns the byte offset of chunk index.
func ChunkOffset(chunkSize int, index int64) int64 {
	return int64(chunkSize) * index
}

// ChunkActualSize returns the length of chunk index; only the last chunk may be
// shorter than chunkSize. Out of range indexes have size zero.
func ChunkActualSize(fileSize int64, chunkSize int, index int64) int {
	total := TotalChunks(fileSize, chunkSize)
	if index < 0 || index >= total {
		return 0
	}
	if index == total-1 {
		return int(fileSize - ChunkOffset(chunkSize, total-1))
	}
	return chunkSize
}

func validateChunkSize(chunkSize int) error {
	if chunkSize < transfer.MinChunkSize || chunkSize > transfer.MaxChunkSize {
		return transfer.NewConfigError("chunk_size", fmt.Sprintf("chunk size %d outside %d..%d", chunkSize, transfer.MinChunkSize, transfer.MaxChunkSize))
	}
	return nil
}

// Chunker gives indexed access to the chunks of one file.
type Chunker struct {
	file      *os.File
	path      string
	fileSize  int64
	chunkSize int
	writable  bool
}

// Open opens path for chunked reading.
func Open(path string, chunkSize int) (*Chunker, error) {
	if err := validateChunkSize(chunkSize); err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, transfer.FromIO(err, path)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, transfer.FromIO(err, path)
	}
	if info.IsDir() {
		file.Close()
		return nil, transfer.NewFileError("is a directory", path, false, nil)
	}
	return &Chunker{file: file, path: path, fileSize: info.Size(), chunkSize: chunkSize}, nil
}

// Create creates (or truncates) path for chunked writing, making parent
// directories as needed.
func Create(path string, chunkSize int) (*Chunker, error) {
	if err := validateChunkSize(chunkSize); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, transfer.FromIO(err, filepath.Dir(path))
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, transfer.FromIO(err, path)
	}
	return &Chunker{file: file, path: path, chunkSize: chunkSize, writable: true}, nil
}

func (c *Chunker) Path() string { return c.path }
func (c *Chunker) ChunkSize() int { return c.chunkSize }
func (c *Chunker) FileSize() int64 { return c.fileSize }
func (c *Chunker) TotalChunks() int64 { return TotalChunks(c.fileSize, c.chunkSize) }

// ReadChunk reads chunk index in full.
func (c *Chunker) ReadChunk(index int64) ([]byte, error) {
	size := ChunkActualSize(c.fileSize, c.chunkSize, index)
	if size == 0 {
		return nil, transfer.NewFileError(fmt.Sprintf("chunk %d out of range", index), c.path, false, nil)
	}
	buf := make([]byte, size)
	n, err := c.file.ReadAt(buf, ChunkOffset(c.chunkSize, index))
	if err != nil && !(err == io.EOF && n == size) {
		// the file changed under us or the disk hiccuped; a new attempt may succeed
		return nil, transfer.NewFileError(fmt.Sprintf("read chunk %d", index), c.path, true, err)
	}
	return buf, nil
}

// WriteChunk writes data at the offset of chunk index.
func (c *Chunker) WriteChunk(index int64, data []byte) error {
	return c.WriteAt(ChunkOffset(c.chunkSize, index), data)
}

// WriteAt writes data at an explicit offset and grows the tracked file size.
func (c *Chunker) WriteAt(offset int64, data []byte) error {
	if !c.writable {
		return transfer.NewFileError("chunker opened read-only", c.path, false, nil)
	}
	if _, err := c.file.WriteAt(data, offset); err != nil {
		mapped := transfer.FromIO(err, c.path)
		if transfer.KindOf(mapped) != transfer.KindFile {
			return mapped
		}
		return transfer.NewFileError(fmt.Sprintf("write at offset %d", offset), c.path, true, err)
	}
	if end := offset + int64(len(data)); end > c.fileSize {
		c.fileSize = end
	}
	return nil
}

// Append writes data after the current end of the file.
func (c *Chunker) Append(data []byte) error {
	return c.WriteAt(c.fileSize, data)
}

// Close flushes written data to disk and closes the file.
func (c *Chunker) Close() error {
	if c.writable {
		if err := c.file.Sync(); err != nil {
			c.file.Close()
			return transfer.FromIO(err, c.path)
		}
	}
	if err := c.file.Close(); err != nil {
		return transfer.FromIO(err, c.path)
	}
	return nil
}
