package dataset

import (
	"encoding/csv"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

const utf8BOM = "\ufeff"

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrEmptyPartition  = errors.New("empty partition")
	errNoHeader        = errors.New("csv has no header row")
)

// Table is an in-memory CSV dataset: a header row and ordered data rows.
// Every row has exactly len(Header) cells.
type Table struct {
	Header []string
	Rows   [][]string
}

// Len returns the number of data rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Column returns a copy of the cells of column i.
func (t *Table) Column(i int) []string {
	col := make([]string, len(t.Rows))
	for r, row := range t.Rows {
		col[r] = row[i]
	}
	return col
}

// Select returns a new table with the rows at the given indices, in that order.
func (t *Table) Select(indices []int) *Table {
	out := &Table{
		Header: append([]string(nil), t.Header...),
		Rows:   make([][]string, 0, len(indices)),
	}
	for _, i := range indices {
		out.Rows = append(out.Rows, t.Rows[i])
	}
	return out
}

func (t *Table) clone() *Table {
	out := &Table{
		Header: append([]string(nil), t.Header...),
		Rows:   make([][]string, len(t.Rows)),
	}
	for i, row := range t.Rows {
		out.Rows[i] = append([]string(nil), row...)
	}
	return out
}

// ReadCSV loads a CSV file with a header row from the given filesystem.
func ReadCSV(fs afero.Fs, path string) (*Table, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open csv: %s", path)
	}
	defer f.Close()

	t, err := decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse csv: %s", path)
	}
	return t, nil
}

func decode(r io.Reader) (*Table, error) {
	reader := csv.NewReader(r)

	header, err := reader.Read()
	if err == io.EOF {
		return nil, errNoHeader
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read header")
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], utf8BOM)
	}

	t := &Table{Header: header}
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read row %d", len(t.Rows)+1)
		}
		t.Rows = append(t.Rows, rec)
	}
	return t, nil
}

// WriteCSV writes the table with its header row and no index column.
// An existing file is truncated.
func WriteCSV(fs afero.Fs, path string, t *Table) (retErr error) {
	if t == nil {
		return errors.Wrap(ErrInvalidArgument, "table required")
	}

	f, err := fs.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create csv: %s", path)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && retErr == nil {
			retErr = errors.Wrapf(cerr, "failed to close csv: %s", path)
		}
	}()

	w := csv.NewWriter(f)
	if err := w.Write(t.Header); err != nil {
		return errors.Wrapf(err, "failed to write header: %s", path)
	}
	if err := w.WriteAll(t.Rows); err != nil {
		return errors.Wrapf(err, "failed to write rows: %s", path)
	}
	return nil
}
