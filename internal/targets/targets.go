// Package targets ingests the ordered target list and the message template.
package targets

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mitchellh/go-homedir"

	"github.com/xkilldash9x/courier-cli/api/schemas"
)

// DefaultColumn is the header of the locator column in exported target sheets.
const DefaultColumn = "Profile Link"

// LoadCSV reads the locator column of a CSV file. Blank cells are dropped,
// whitespace is trimmed and input order is kept.
func LoadCSV(path, column string) ([]schemas.Target, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand targets path: %w", err)
	}
	f, err := os.Open(expanded)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot open targets file: %v", schemas.ErrConfiguration, err)
	}
	defer f.Close()
	return ReadCSV(f, column)
}

// ReadCSV is LoadCSV over an already open reader.
func ReadCSV(r io.Reader, column string) ([]schemas.Target, error) {
	if column == "" {
		column = DefaultColumn
	}
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: targets file is empty", schemas.ErrConfiguration)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: cannot parse targets header: %v", schemas.ErrConfiguration, err)
	}
	idx := -1
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if strings.EqualFold(h, column) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("%w: targets file has no %q column", schemas.ErrConfiguration, column)
	}

	var out []schemas.Target
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: targets file line %d: %v", schemas.ErrConfiguration, line, err)
		}
		if idx >= len(record) {
			continue
		}
		if id := strings.TrimSpace(record[idx]); id != "" {
			out = append(out, schemas.Target{ID: id})
		}
	}
	return out, nil
}

// FromArgs turns locator strings into targets, dropping blanks.
func FromArgs(args []string) []schemas.Target {
	var out []schemas.Target
	for _, a := range args {
		if id := strings.TrimSpace(a); id != "" {
			out = append(out, schemas.Target{ID: id})
		}
	}
	return out
}

// LoadMessage returns the message template, read from file when inline is
// empty. Surrounding whitespace is trimmed; inner line breaks are kept.
func LoadMessage(inline, file string) (string, error) {
	msg := inline
	if msg == "" && file != "" {
		expanded, err := homedir.Expand(file)
		if err != nil {
			return "", fmt.Errorf("failed to expand message path: %w", err)
		}
		raw, err := os.ReadFile(expanded)
		if err != nil {
			return "", fmt.Errorf("%w: cannot read message file: %v", schemas.ErrConfiguration, err)
		}
		msg = string(raw)
	}
	msg = strings.TrimSpace(strings.ReplaceAll(msg, "\r\n", "\n"))
	if msg == "" {
		return "", fmt.Errorf("%w: the message template is empty", schemas.ErrConfiguration)
	}
	return msg, nil
}
