package cache

import (
	"encoding/binary"
	"errors"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/codezyu/dds/internal/constants"
)

// preload item layout: key u64, value u64, little-endian, tightly packed.
const preloadItemSize = 16

// LoadFile streams a preload file of packed cache items into the table in
// fixed-size chunks. Items that fail to insert are counted and skipped;
// the load itself keeps going.
func (t *Table) LoadFile(path string, log *zap.Logger) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return t.Load(f, log)
}

// Load reads packed items from r until EOF.
func (t *Table) Load(r io.Reader, log *zap.Logger) (int, error) {
	buf := make([]byte, constants.CachePreloadChunk*preloadItemSize)
	loaded, rejected := 0, 0
	for {
		n, err := io.ReadFull(r, buf)
		if err == io.EOF {
			break
		}
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			return loaded, err
		}
		if n%preloadItemSize != 0 {
			return loaded, errors.New("truncated cache preload item")
		}
		for off := 0; off < n; off += preloadItemSize {
			key := binary.LittleEndian.Uint64(buf[off : off+8])
			value := binary.LittleEndian.Uint64(buf[off+8 : off+16])
			if t.Insert(key, value) {
				loaded++
			} else {
				rejected++
			}
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
	}
	if rejected > 0 && log != nil {
		log.Warn("cache preload items rejected", zap.Int("rejected", rejected))
	}
	return loaded, nil
}
