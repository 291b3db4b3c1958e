// Package dataset turns instruction records into fixed-length token sequences
// and shards them across training processes.
package dataset

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"
)

// ErrEmpty is returned when a records file holds no records.
var ErrEmpty = errors.New("dataset: no records")

// Record is one instruction-tuning example as stored on disk.
type Record struct {
	Instruction string `json:"instruction"`
	Input       string `json:"input"`
	Output      string `json:"output"`
}

// parquetRecord is the column layout of Parquet record files.
type parquetRecord struct {
	Instruction *string `parquet:"name=instruction, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	Input       *string `parquet:"name=input, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	Output      *string `parquet:"name=output, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
}

// LoadRecords reads a JSON array, JSON-lines or Parquet file. JSON files are
// told apart by their first non-space byte, so a .json file may hold lines.
func LoadRecords(path string) ([]Record, error) {
	var (
		recs []Record
		err  error
	)
	if strings.EqualFold(filepath.Ext(path), ".parquet") {
		recs, err = loadParquet(path)
	} else {
		recs, err = loadJSON(path)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("load %s: %w", path, ErrEmpty)
	}
	return recs, nil
}

func loadJSON(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var recs []Record
		if err := json.Unmarshal(trimmed, &recs); err != nil {
			return nil, err
		}
		return recs, nil
	}

	var recs []Record
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for line := 1; sc.Scan(); line++ {
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(b, &r); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		recs = append(recs, r)
	}
	return recs, sc.Err()
}

func loadParquet(path string) ([]Record, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, err
	}
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, new(parquetRecord), 1)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet reader: %w", err)
	}
	defer pr.ReadStop()

	rows := make([]parquetRecord, pr.GetNumRows())
	if err := pr.Read(&rows); err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	recs := make([]Record, len(rows))
	for i, row := range rows {
		recs[i] = Record{Instruction: deref(row.Instruction), Input: deref(row.Input), Output: deref(row.Output)}
	}
	return recs, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// WriteJSONL writes records one JSON object per line.
func WriteJSONL(path string, recs []Record) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, r := range recs {
		if err := enc.Encode(r); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
