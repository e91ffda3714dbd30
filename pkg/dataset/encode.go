package dataset

import (
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ColumnKind tells how a column is treated during encoding.
type ColumnKind int

const (
	Numeric ColumnKind = iota
	Categorical
)

func (k ColumnKind) String() string {
	if k == Categorical {
		return "categorical"
	}
	return "numeric"
}

// missing cell markers, never counted against a numeric column
var missingValues = map[string]struct{}{
	"":     {},
	"NA":   {},
	"N/A":  {},
	"NaN":  {},
	"nan":  {},
	"null": {},
	"NULL": {},
}

// IsMissing reports whether the cell holds a missing value marker.
func IsMissing(v string) bool {
	_, ok := missingValues[strings.TrimSpace(v)]
	return ok
}

// ClassifyColumn returns Numeric when every non-missing cell parses as a float.
func ClassifyColumn(values []string) ColumnKind {
	for _, v := range values {
		if IsMissing(v) {
			continue
		}
		if _, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err != nil {
			return Categorical
		}
	}
	return Numeric
}

// Classify returns the kind of every column of the table, in header order.
func Classify(t *Table) []ColumnKind {
	kinds := make([]ColumnKind, len(t.Header))
	for i := range t.Header {
		kinds[i] = ClassifyColumn(t.Column(i))
	}
	return kinds
}

// MissingClass is the class every missing cell of a categorical column is
// encoded as. It sorts after all present values.
const MissingClass = ""

// Encoder maps the values of one column to integer codes.
type Encoder interface {
	Fit(values []string) error
	Transform(values []string) ([]int, error)
	Classes() []string
}

// LabelEncoder assigns every distinct present value its index in the sorted
// set of values seen during Fit. Missing cells share one code placed after
// the present values.
type LabelEncoder struct {
	classes []string
	index   map[string]int
	missing int
}

func NewLabelEncoder() *LabelEncoder {
	return &LabelEncoder{missing: -1}
}

func (e *LabelEncoder) Fit(values []string) error {
	index := make(map[string]int)
	hasMissing := false
	for _, v := range values {
		if IsMissing(v) {
			hasMissing = true
			continue
		}
		index[v] = 0
	}
	classes := make([]string, 0, len(index)+1)
	for v := range index {
		classes = append(classes, v)
	}
	slices.Sort(classes)
	for i, v := range classes {
		index[v] = i
	}

	e.missing = -1
	if hasMissing {
		e.missing = len(classes)
		classes = append(classes, MissingClass)
	}
	e.classes = classes
	e.index = index
	return nil
}

func (e *LabelEncoder) Transform(values []string) ([]int, error) {
	if e.index == nil {
		return nil, errors.New("label encoder not fitted")
	}
	codes := make([]int, len(values))
	for i, v := range values {
		if IsMissing(v) {
			if e.missing < 0 {
				return nil, errors.Errorf("missing value not seen during fit: %q", v)
			}
			codes[i] = e.missing
			continue
		}
		c, ok := e.index[v]
		if !ok {
			return nil, errors.Errorf("unknown label: %q", v)
		}
		codes[i] = c
	}
	return codes, nil
}

// Classes returns the fitted values; the code of a value is its position.
// A trailing MissingClass stands for missing cells.
func (e *LabelEncoder) Classes() []string {
	return append([]string(nil), e.classes...)
}

// Inverse maps codes back to the fitted values.
func (e *LabelEncoder) Inverse(codes []int) ([]string, error) {
	out := make([]string, len(codes))
	for i, c := range codes {
		if c < 0 || c >= len(e.classes) {
			return nil, errors.Errorf("unknown code: %d", c)
		}
		out[i] = e.classes[c]
	}
	return out, nil
}

// EncodeCategorical returns a copy of the table where every categorical
// column is replaced by its label codes. Numeric columns are left as read.
// Encoders are keyed by column name.
func EncodeCategorical(t *Table) (*Table, map[string]Encoder, error) {
	return EncodeCategoricalWith(t, func() Encoder { return NewLabelEncoder() })
}

// EncodeCategoricalWith is EncodeCategorical with a fresh encoder from
// newEncoder fitted on each categorical column.
func EncodeCategoricalWith(t *Table, newEncoder func() Encoder) (*Table, map[string]Encoder, error) {
	if t == nil || newEncoder == nil {
		return nil, nil, errors.Wrap(ErrInvalidArgument, "table and encoder required")
	}

	out := t.clone()
	encoders := make(map[string]Encoder)

	for i, kind := range Classify(t) {
		if kind != Categorical {
			continue
		}

		col := t.Column(i)
		enc := newEncoder()
		if err := enc.Fit(col); err != nil {
			return nil, nil, errors.Wrapf(err, "failed to fit encoder for column: %s", t.Header[i])
		}
		codes, err := enc.Transform(col)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "failed to encode column: %s", t.Header[i])
		}
		for r, c := range codes {
			out.Rows[r][i] = strconv.Itoa(c)
		}
		encoders[t.Header[i]] = enc
	}

	return out, encoders, nil
}
