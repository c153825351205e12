package journal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

const exportPageSize = 1000

type parquetRow struct {
	Seq        int64  `parquet:"name=seq, type=INT64"`
	ID         string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Type       string `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Account    string `parquet:"name=account, type=BYTE_ARRAY, convertedtype=UTF8"`
	Attributes string `parquet:"name=attributes, type=BYTE_ARRAY, convertedtype=UTF8"`
	EmittedAt  string `parquet:"name=emitted_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	Digest     string `parquet:"name=digest, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// ExportParquet streams matching entries to w as a snappy-compressed parquet
// file. Query.Limit is ignored; every match is written. It returns the number
// of rows written.
func (j *Journal) ExportParquet(ctx context.Context, w io.Writer, q Query) (int, error) {
	if j == nil || j.db == nil {
		return 0, errors.New("journal: not configured")
	}
	fw := writerfile.NewWriterFile(w)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		return 0, fmt.Errorf("journal: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	count := 0
	err = j.scan(ctx, q, exportPageSize, func(e Entry) error {
		row := &parquetRow{
			Seq:        int64(e.Seq),
			ID:         e.ID.String(),
			Type:       e.Type,
			Account:    e.Account,
			Attributes: e.Attributes,
			EmittedAt:  e.EmittedAt.UTC().Format(time.RFC3339Nano),
			Digest:     e.Digest,
		}
		if err := pw.Write(row); err != nil {
			return fmt.Errorf("journal: parquet write: %w", err)
		}
		count++
		return nil
	})
	if err != nil {
		_ = pw.WriteStop()
		return count, err
	}
	if err := pw.WriteStop(); err != nil {
		return count, fmt.Errorf("journal: parquet flush: %w", err)
	}
	return count, nil
}
