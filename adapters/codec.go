package adapters

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/parquet-go/parquet-go"
	"gopkg.in/yaml.v3"

	"github.com/rulesift/rulesift/record"
)

// Format is the encoding of a batch of records.
type Format string

const (
	FormatJSON    Format = "json"
	FormatYAML    Format = "yaml"
	FormatParquet Format = "parquet"
)

var ErrUnknownFormat = errors.New("unknown record format")

// ParseFormat maps a format name to a Format. "yml" is accepted for YAML.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(name) {
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	case "parquet":
		return FormatParquet, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, name)
}

// FormatFromPath infers the format from a file or object name.
func FormatFromPath(path string) (Format, error) {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if ext == "" {
		return "", fmt.Errorf("%w: %s has no extension", ErrUnknownFormat, path)
	}
	return ParseFormat(ext)
}

// DecodeRecords decodes a whole batch. JSON and YAML documents are lists of
// record objects; Parquet files carry one record per row.
func DecodeRecords(format Format, data []byte) ([]record.Record, error) {
	records := make([]record.Record, 0)
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("decode json records: %w", err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("decode yaml records: %w", err)
		}
	case FormatParquet:
		rows, err := parquet.Read[record.Record](bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return nil, fmt.Errorf("decode parquet records: %w", err)
		}
		records = append(records, rows...)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	return records, nil
}

// EncodeParquet writes records as a Parquet file.
func EncodeParquet(records []record.Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := parquet.Write(&buf, records); err != nil {
		return nil, fmt.Errorf("encode parquet records: %w", err)
	}
	return buf.Bytes(), nil
}

// RecordFromMap builds a record from a column map such as a scanned SQL
// row. Columns outside the schema are ignored and NULLs leave the zero
// value. Numeric columns may arrive as text, which some drivers do for
// DECIMAL types.
func RecordFromMap(row map[string]interface{}) (record.Record, error) {
	var rec record.Record
	for column, raw := range row {
		field := record.ParseField(column)
		if field == record.FieldUnrecognized || raw == nil {
			continue
		}
		value, err := toValue(field.Kind(), raw)
		if err != nil {
			return record.Record{}, fmt.Errorf("column %q: %w", column, err)
		}
		record.Assign(&rec, field, value)
	}
	return rec, nil
}

func toValue(kind record.Kind, raw interface{}) (record.Value, error) {
	if b, ok := raw.([]byte); ok {
		raw = string(b)
	}

	switch kind {
	case record.KindNumber:
		switch v := raw.(type) {
		case int:
			return record.Number(float64(v)), nil
		case int32:
			return record.Number(float64(v)), nil
		case int64:
			return record.Number(float64(v)), nil
		case uint64:
			return record.Number(float64(v)), nil
		case float32:
			return record.Number(float64(v)), nil
		case float64:
			return record.Number(v), nil
		case string:
			n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return record.Value{}, fmt.Errorf("expected a number, got %q", v)
			}
			return record.Number(n), nil
		}
	case record.KindString:
		if s, ok := raw.(string); ok {
			return record.String(s), nil
		}
	}
	return record.Value{}, fmt.Errorf("expected a %s, got %T", kind, raw)
}
