package auditstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// closedBorrowerRow is the flattened parquet schema for a ClosedBorrower,
// grounded on the teacher's recon.parquetRow struct tags and writer setup.
type closedBorrowerRow struct {
	Borrower   string `parquet:"name=borrower, type=BYTE_ARRAY, convertedtype=UTF8"`
	FinalState string `parquet:"name=final_state, type=BYTE_ARRAY, convertedtype=UTF8"`
	ClosedAt   string `parquet:"name=closed_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// Exporter periodically flushes unexported closed-borrower rows to a
// timestamped parquet file under dir.
type Exporter struct {
	Store  *Store
	Dir    string
	Logger *slog.Logger
	now    func() time.Time
}

// NewExporter builds an Exporter writing into dir.
func NewExporter(store *Store, dir string, logger *slog.Logger) *Exporter {
	return &Exporter{Store: store, Dir: dir, Logger: logger, now: time.Now}
}

// Run exports on every tick of interval until ctx is cancelled.
func (e *Exporter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.exportOnce(ctx); err != nil {
				e.log("export failed", err)
			}
		}
	}
}

func (e *Exporter) exportOnce(ctx context.Context) error {
	rows, err := e.Store.UnexportedSince(ctx, 50000)
	if err != nil {
		return fmt.Errorf("fetch unexported rows: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	if err := os.MkdirAll(e.Dir, 0o755); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}
	path := filepath.Join(e.Dir, fmt.Sprintf("closed_borrowers_%d.parquet", e.now().Unix()))
	if err := e.writeParquet(path, rows); err != nil {
		return err
	}

	ids := make([]uuid.UUID, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	return e.Store.MarkExported(ctx, ids)
}

func (e *Exporter) writeParquet(path string, rows []ClosedBorrower) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(closedBorrowerRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("parquet schema: %w", err)
	}
	pw.RowGroupSize = 64 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &closedBorrowerRow{
			Borrower:   row.Borrower,
			FinalState: row.FinalState,
			ClosedAt:   row.ClosedAt.Format(time.RFC3339),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("parquet flush: %w", err)
	}
	return file.Close()
}

func (e *Exporter) log(msg string, err error) {
	if e.Logger == nil {
		return
	}
	e.Logger.Warn("auditstore: "+msg, "error", err)
}
