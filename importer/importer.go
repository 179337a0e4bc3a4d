// Package importer turns a raw enrollment batch into validated rows for the
// coordinator. Parsing reads the input once; the resulting Batch is held in
// memory and can be iterated any number of times. Validation is per-row: a
// bad row yields a RowError and the batch continues.
package importer

import (
	"bytes"
	"encoding/base64"
	"encoding/csv"
	"fmt"
	"io"
	"iter"

	"go.uber.org/zap"
)

var columns = []string{"student_id", "first_name", "last_name", "email", "photo"}

// Row is one validated enrollment record: identity, profile fields and the
// decoded photo bytes.
type Row struct {
	StudentID string
	FirstName string
	LastName  string
	Email     string
	Photo     []byte
}

// RowError reports a single invalid row without failing the batch.
type RowError struct {
	Line      int
	StudentID string
	Reason    string
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row %d (student %q): %s", e.Line, e.StudentID, e.Reason)
}

type Importer struct {
	logger *zap.Logger
}

func NewImporter(logger *zap.Logger) *Importer {
	return &Importer{logger: logger}
}

// Batch holds the parsed records of one submission. Rows validates lazily on
// each iteration, so the sequence is restartable from the beginning.
type Batch struct {
	ID      string
	records [][]string
	index   map[string]int
	logger  *zap.Logger
}

// Parse reads the whole CSV for a batch. Only a missing or wrong header is a
// batch-level error; anything row-shaped is deferred to Rows.
func (im *Importer) Parse(batchID string, r io.Reader) (*Batch, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	index := make(map[string]int, len(header))
	for i, name := range header {
		index[name] = i
	}
	for _, name := range columns {
		if _, ok := index[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}

	im.logger.Info("Batch parsed",
		zap.String("batch_id", batchID),
		zap.Int("rows", len(records)),
	)

	return &Batch{
		ID:      batchID,
		records: records,
		index:   index,
		logger:  im.logger,
	}, nil
}

// Rows yields each record as either a validated Row or a RowError, exactly
// one of which is non-nil.
func (b *Batch) Rows() iter.Seq2[*Row, *RowError] {
	return func(yield func(*Row, *RowError) bool) {
		for i, record := range b.records {
			line := i + 2 // 1-based, after the header
			row, rowErr := b.validate(line, record)
			if rowErr != nil {
				b.logger.Warn("Row rejected",
					zap.String("batch_id", b.ID),
					zap.Int("line", rowErr.Line),
					zap.String("reason", rowErr.Reason),
				)
			}
			if !yield(row, rowErr) {
				return
			}
		}
	}
}

// Len returns the number of data rows in the batch.
func (b *Batch) Len() int {
	return len(b.records)
}

func (b *Batch) validate(line int, record []string) (*Row, *RowError) {
	field := func(name string) string {
		i := b.index[name]
		if i >= len(record) {
			return ""
		}
		return record[i]
	}

	studentID := field("student_id")
	if studentID == "" {
		return nil, &RowError{Line: line, Reason: "missing student_id"}
	}
	firstName := field("first_name")
	lastName := field("last_name")
	if firstName == "" || lastName == "" {
		return nil, &RowError{Line: line, StudentID: studentID, Reason: "missing name"}
	}

	encoded := field("photo")
	if encoded == "" {
		return nil, &RowError{Line: line, StudentID: studentID, Reason: "missing photo"}
	}
	photo, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &RowError{Line: line, StudentID: studentID, Reason: "photo is not valid base64"}
	}
	if !looksLikeImage(photo) {
		return nil, &RowError{Line: line, StudentID: studentID, Reason: "photo is not a recognized image"}
	}

	return &Row{
		StudentID: studentID,
		FirstName: firstName,
		LastName:  lastName,
		Email:     field("email"),
		Photo:     photo,
	}, nil
}

var magicBytes = [][]byte{
	{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, // PNG
	{0xFF, 0xD8, 0xFF},                               // JPEG
	{0x47, 0x49, 0x46, 0x38},                         // GIF
}

func looksLikeImage(data []byte) bool {
	for _, signature := range magicBytes {
		if bytes.HasPrefix(data, signature) {
			return true
		}
	}
	return false
}
