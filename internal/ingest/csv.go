package ingest

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/kalambet/canasta/internal/storage"
)

var requiredColumns = []string{"nombre_generico", "precio_promedio"}

// ParseCSV reads a price_data export. Columns are matched by header name,
// so order does not matter and unknown columns are ignored. Both comma and
// semicolon separated files are accepted.
func ParseCSV(r io.Reader) ([]storage.PriceRow, error) {
	br := bufio.NewReader(r)
	first, err := br.Peek(4096)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, err
	}

	cr := csv.NewReader(br)
	cr.Comma = detectSeparator(first)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("missing header row")
	}
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		cols[h] = i
	}
	for _, c := range requiredColumns {
		if _, ok := cols[c]; !ok {
			return nil, fmt.Errorf("missing required column %q", c)
		}
	}

	var rows []storage.PriceRow
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if blank(rec) {
			continue
		}

		row, err := parseRow(rec, cols)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, errors.New("no data rows")
	}
	return rows, nil
}

func parseRow(rec []string, cols map[string]int) (storage.PriceRow, error) {
	get := func(name string) string {
		i, ok := cols[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	row := storage.PriceRow{
		ProductName:   get("nombre_generico"),
		Unit:          get("unidad"),
		Division:      get("division"),
		Group:         get("grupo"),
		Class:         get("clase"),
		Subclass:      get("subclase"),
		GenericCode:   get("codigo_generico"),
		Specification: get("especificacion"),
		CityCode:      get("codigo_ciudad"),
		CityName:      get("nombre_ciudad"),
		PublishedOn:   get("fecha_publicacion"),
		Status:        get("estatus"),
	}
	if row.ProductName == "" {
		return row, errors.New("nombre_generico is empty")
	}

	price, err := parseNumber(get("precio_promedio"))
	if err != nil {
		return row, fmt.Errorf("precio_promedio: %w", err)
	}
	row.AveragePrice = price

	if v := get("cantidad"); v != "" {
		q, err := parseNumber(v)
		if err != nil {
			return row, fmt.Errorf("cantidad: %w", err)
		}
		row.Quantity = &q
	}
	if row.Year, err = optionalInt(get("anio")); err != nil {
		return row, fmt.Errorf("anio: %w", err)
	}
	if row.Month, err = optionalInt(get("mes")); err != nil {
		return row, fmt.Errorf("mes: %w", err)
	}
	return row, nil
}

// parseNumber accepts a decimal comma when no decimal point is present.
func parseNumber(s string) (float64, error) {
	if s == "" {
		return 0, errors.New("missing value")
	}
	if !strings.Contains(s, ".") {
		s = strings.Replace(s, ",", ".", 1)
	}
	return strconv.ParseFloat(s, 64)
}

func optionalInt(s string) (*int, error) {
	if s == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func detectSeparator(sample []byte) rune {
	head := string(sample)
	if i := strings.IndexByte(head, '\n'); i >= 0 {
		head = head[:i]
	}
	if strings.Count(head, ";") > strings.Count(head, ",") {
		return ';'
	}
	return ','
}

func blank(rec []string) bool {
	for _, f := range rec {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
