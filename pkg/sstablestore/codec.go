package sstablestore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cassandane/colfam/pkg/types"
)

// Binary encoding for a PartitionBody, using the same length-prefixed
// binary.Write convention the rest of this package's on-disk formats use.

func encodeBody(w io.Writer, body types.PartitionBody) error {
	if err := binary.Write(w, binary.LittleEndian, body.HasPartitionTombstone); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, body.PartitionTombstone); err != nil {
		return err
	}
	if err := encodeRowPtr(w, body.StaticRow); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(body.Rows))); err != nil {
		return err
	}
	for i := range body.Rows {
		if err := encodeRow(w, body.Rows[i]); err != nil {
			return err
		}
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(body.RangeTombstones))); err != nil {
		return err
	}
	for _, rt := range body.RangeTombstones {
		if err := encodeBytes(w, rt.Range.Start); err != nil {
			return err
		}
		if err := encodeBytes(w, rt.Range.End); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, rt.Range.StartInclusive); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, rt.Range.EndInclusive); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, rt.DeletionTime); err != nil {
			return err
		}
	}
	return nil
}

func encodeRowPtr(w io.Writer, r *types.Row) error {
	if r == nil {
		return binary.Write(w, binary.LittleEndian, false)
	}
	if err := binary.Write(w, binary.LittleEndian, true); err != nil {
		return err
	}
	return encodeRow(w, *r)
}

func encodeRow(w io.Writer, r types.Row) error {
	if err := encodeBytes(w, r.Clustering); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, r.HasTombstone); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, r.RowTombstone); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(r.Cells))); err != nil {
		return err
	}
	for _, c := range r.Cells {
		if err := encodeString(w, c.Column); err != nil {
			return err
		}
		if err := encodeBytes(w, c.Value); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, c.Timestamp); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, c.TTLExpiry); err != nil {
			return err
		}
	}
	return nil
}

func encodeBytes(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func encodeString(w io.Writer, s string) error { return encodeBytes(w, []byte(s)) }

func decodeBody(r io.Reader) (types.PartitionBody, error) {
	var body types.PartitionBody

	if err := binary.Read(r, binary.LittleEndian, &body.HasPartitionTombstone); err != nil {
		return body, err
	}
	if err := binary.Read(r, binary.LittleEndian, &body.PartitionTombstone); err != nil {
		return body, err
	}
	row, err := decodeRowPtr(r)
	if err != nil {
		return body, err
	}
	body.StaticRow = row

	var nRows uint32
	if err := binary.Read(r, binary.LittleEndian, &nRows); err != nil {
		return body, err
	}
	body.Rows = make([]types.Row, nRows)
	for i := range body.Rows {
		rr, err := decodeRow(r)
		if err != nil {
			return body, err
		}
		body.Rows[i] = rr
	}

	var nRT uint32
	if err := binary.Read(r, binary.LittleEndian, &nRT); err != nil {
		return body, err
	}
	body.RangeTombstones = make([]types.RangeTombstone, nRT)
	for i := range body.RangeTombstones {
		start, err := decodeBytes(r)
		if err != nil {
			return body, err
		}
		end, err := decodeBytes(r)
		if err != nil {
			return body, err
		}
		var startIncl, endIncl bool
		if err := binary.Read(r, binary.LittleEndian, &startIncl); err != nil {
			return body, err
		}
		if err := binary.Read(r, binary.LittleEndian, &endIncl); err != nil {
			return body, err
		}
		var dt types.Timestamp
		if err := binary.Read(r, binary.LittleEndian, &dt); err != nil {
			return body, err
		}
		body.RangeTombstones[i] = types.RangeTombstone{
			Range: types.ClusteringRange{
				Start: start, End: end, StartInclusive: startIncl, EndInclusive: endIncl,
			},
			DeletionTime: dt,
		}
	}

	return body, nil
}

func decodeRowPtr(r io.Reader) (*types.Row, error) {
	var present bool
	if err := binary.Read(r, binary.LittleEndian, &present); err != nil {
		return nil, err
	}
	if !present {
		return nil, nil
	}
	row, err := decodeRow(r)
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func decodeRow(r io.Reader) (types.Row, error) {
	var row types.Row
	clustering, err := decodeBytes(r)
	if err != nil {
		return row, err
	}
	row.Clustering = clustering

	if err := binary.Read(r, binary.LittleEndian, &row.HasTombstone); err != nil {
		return row, err
	}
	if err := binary.Read(r, binary.LittleEndian, &row.RowTombstone); err != nil {
		return row, err
	}

	var nCells uint32
	if err := binary.Read(r, binary.LittleEndian, &nCells); err != nil {
		return row, err
	}
	row.Cells = make([]types.Cell, nCells)
	for i := range row.Cells {
		col, err := decodeBytes(r)
		if err != nil {
			return row, err
		}
		val, err := decodeBytes(r)
		if err != nil {
			return row, err
		}
		var ts types.Timestamp
		if err := binary.Read(r, binary.LittleEndian, &ts); err != nil {
			return row, err
		}
		var ttl int64
		if err := binary.Read(r, binary.LittleEndian, &ttl); err != nil {
			return row, err
		}
		row.Cells[i] = types.Cell{Column: string(col), Value: val, Timestamp: ts, TTLExpiry: ttl}
	}
	return row, nil
}

func decodeBytes(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func encodeBodyToBytes(body types.PartitionBody) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeBody(&buf, body); err != nil {
		return nil, fmt.Errorf("encode partition body: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeBodyFromBytes(b []byte) (types.PartitionBody, error) {
	return decodeBody(bytes.NewReader(b))
}
