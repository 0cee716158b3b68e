package sstablestore

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/cassandane/colfam/pkg/sstable"
	"github.com/cassandane/colfam/pkg/types"
)

// indexEntry locates one partition's encoded entry within a data file.
type indexEntry struct {
	key    types.DecoratedKey
	offset int64
}

// fileSource implements sstable.RowSource against one data file, using an
// in-memory index built once at open time: a single *os.File is opened
// per SSTable and seeked to serve reads.
type fileSource struct {
	mu    sync.Mutex
	f     *os.File
	dec   *zstd.Decoder
	index []indexEntry // sorted by key.Compare
}

func newFileSource(path string, index []indexEntry) (*fileSource, error) {
	sort.Slice(index, func(i, j int) bool { return index[i].key.Compare(index[j].key) < 0 })

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sstable data file: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &fileSource{f: f, dec: dec, index: index}, nil
}

func (fs *fileSource) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.dec.Close()
	return fs.f.Close()
}

// ReadRow implements sstable.RowSource.
func (fs *fileSource) ReadRow(key types.DecoratedKey) (types.PartitionBody, bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	i := sort.Search(len(fs.index), func(i int) bool { return fs.index[i].key.Compare(key) >= 0 })
	if i >= len(fs.index) || fs.index[i].key.Compare(key) != 0 {
		return types.PartitionBody{}, false, nil
	}

	body, err := fs.readAt(fs.index[i].offset)
	if err != nil {
		return types.PartitionBody{}, false, err
	}
	return body, true, nil
}

// ReadRange implements sstable.RowSource, returning an iterator over every
// indexed partition overlapping pr in decorated-key order.
func (fs *fileSource) ReadRange(pr types.PartitionRange) (sstable.RowIterator, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var selected []indexEntry
	if pr.Singular {
		for _, e := range fs.index {
			if e.key.Compare(pr.Key) == 0 {
				selected = append(selected, e)
			}
		}
	} else {
		for _, e := range fs.index {
			if e.key.Token >= pr.StartTok && e.key.Token <= pr.EndTok {
				selected = append(selected, e)
			}
		}
	}

	return &fileIterator{source: fs, entries: selected}, nil
}

// readAt must be called with fs.mu held.
func (fs *fileSource) readAt(offset int64) (types.PartitionBody, error) {
	if _, err := fs.f.Seek(offset, io.SeekStart); err != nil {
		return types.PartitionBody{}, err
	}
	r := bufio.NewReader(fs.f)

	var token uint64
	if err := binary.Read(r, binary.LittleEndian, &token); err != nil {
		return types.PartitionBody{}, err
	}
	var keyLen uint32
	if err := binary.Read(r, binary.LittleEndian, &keyLen); err != nil {
		return types.PartitionBody{}, err
	}
	if _, err := io.CopyN(io.Discard, r, int64(keyLen)); err != nil {
		return types.PartitionBody{}, err
	}

	var origLen, compLen uint32
	if err := binary.Read(r, binary.LittleEndian, &origLen); err != nil {
		return types.PartitionBody{}, err
	}
	if err := binary.Read(r, binary.LittleEndian, &compLen); err != nil {
		return types.PartitionBody{}, err
	}
	compressed := make([]byte, compLen)
	if _, err := io.ReadFull(r, compressed); err != nil {
		return types.PartitionBody{}, err
	}

	raw, err := fs.dec.DecodeAll(compressed, make([]byte, 0, origLen))
	if err != nil {
		return types.PartitionBody{}, fmt.Errorf("decompress partition: %w", err)
	}

	return decodeBodyFromBytes(raw)
}

type fileIterator struct {
	source  *fileSource
	entries []indexEntry
	pos     int
}

func (it *fileIterator) Next() (types.DecoratedKey, types.PartitionBody, bool, error) {
	if it.pos >= len(it.entries) {
		return types.DecoratedKey{}, types.PartitionBody{}, false, nil
	}
	e := it.entries[it.pos]
	it.pos++

	it.source.mu.Lock()
	body, err := it.source.readAt(e.offset)
	it.source.mu.Unlock()
	if err != nil {
		return types.DecoratedKey{}, types.PartitionBody{}, false, err
	}
	return e.key, body, true, nil
}

func (it *fileIterator) Close() error { return nil }

// scanIndex rebuilds an index plus summary statistics by reading every
// entry header in a data file once, used when reopening a generation that
// was written in a previous process.
func scanIndex(path string) (index []indexEntry, firstKey, lastKey types.DecoratedKey, minTS, maxTS types.Timestamp, tombstones int64, minComp, maxComp []byte, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, types.DecoratedKey{}, types.DecoratedKey{}, 0, 0, 0, nil, nil, 0, err
	}
	defer f.Close()

	info, statErr := f.Stat()
	if statErr == nil {
		size = info.Size()
	}

	dec, decErr := zstd.NewReader(nil)
	if decErr != nil {
		return nil, types.DecoratedKey{}, types.DecoratedKey{}, 0, 0, 0, nil, nil, 0, decErr
	}
	defer dec.Close()

	r := bufio.NewReader(f)
	minTS = types.Timestamp(1<<63 - 1)

	var offset int64
	haveFirst := false
	for {
		entryStart := offset

		var token uint64
		if err := binary.Read(r, binary.LittleEndian, &token); err != nil {
			if err == io.EOF {
				break
			}
			return nil, types.DecoratedKey{}, types.DecoratedKey{}, 0, 0, 0, nil, nil, 0, err
		}
		offset += 8

		var keyLen uint32
		if err := binary.Read(r, binary.LittleEndian, &keyLen); err != nil {
			return nil, types.DecoratedKey{}, types.DecoratedKey{}, 0, 0, 0, nil, nil, 0, err
		}
		offset += 4
		keyBuf := make([]byte, keyLen)
		if _, err := io.ReadFull(r, keyBuf); err != nil {
			return nil, types.DecoratedKey{}, types.DecoratedKey{}, 0, 0, 0, nil, nil, 0, err
		}
		offset += int64(keyLen)

		var origLen, compLen uint32
		if err := binary.Read(r, binary.LittleEndian, &origLen); err != nil {
			return nil, types.DecoratedKey{}, types.DecoratedKey{}, 0, 0, 0, nil, nil, 0, err
		}
		offset += 4
		if err := binary.Read(r, binary.LittleEndian, &compLen); err != nil {
			return nil, types.DecoratedKey{}, types.DecoratedKey{}, 0, 0, 0, nil, nil, 0, err
		}
		offset += 4
		compressed := make([]byte, compLen)
		if _, err := io.ReadFull(r, compressed); err != nil {
			return nil, types.DecoratedKey{}, types.DecoratedKey{}, 0, 0, 0, nil, nil, 0, err
		}
		offset += int64(compLen)

		key := types.DecoratedKey{Token: token, Key: keyBuf}
		index = append(index, indexEntry{key: key, offset: entryStart})
		if !haveFirst {
			firstKey, haveFirst = key, true
		}
		lastKey = key

		raw, decErr := dec.DecodeAll(compressed, make([]byte, 0, origLen))
		if decErr != nil {
			return nil, types.DecoratedKey{}, types.DecoratedKey{}, 0, 0, 0, nil, nil, 0, decErr
		}
		body, decodeErr := decodeBodyFromBytes(raw)
		if decodeErr != nil {
			return nil, types.DecoratedKey{}, types.DecoratedKey{}, 0, 0, 0, nil, nil, 0, decodeErr
		}

		lo, hi := partitionTimestampRange(body)
		if lo < minTS {
			minTS = lo
		}
		if hi > maxTS {
			maxTS = hi
		}
		if partitionHasTombstone(body) {
			tombstones++
		}
		for _, row := range body.Rows {
			if minComp == nil || compareBytes(row.Clustering, minComp) < 0 {
				minComp = row.Clustering
			}
			if maxComp == nil || compareBytes(row.Clustering, maxComp) > 0 {
				maxComp = row.Clustering
			}
		}
	}

	if len(index) == 0 {
		minTS = 0
	}

	return index, firstKey, lastKey, minTS, maxTS, tombstones, minComp, maxComp, size, nil
}
