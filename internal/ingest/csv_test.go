package ingest

import (
	"strings"
	"testing"
)

func TestParseCSV(t *testing.T) {
	rows, err := ParseCSV(strings.NewReader(sampleCSV))
	if err != nil {
		t.Fatalf("ParseCSV: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	r := rows[0]
	if r.ProductName != "Arroz blanco" || r.AveragePrice != 28.5 || r.Unit != "kg" {
		t.Errorf("row 0 = %+v", r)
	}
	if r.Group != "Cereales" || r.CityName != "Bogotá" || r.PublishedOn != "2024-03-01" {
		t.Errorf("row 0 metadata = %+v", r)
	}
	if r.Quantity != nil || r.Year != nil {
		t.Errorf("absent optional columns should stay nil: %+v", r)
	}
}

func TestParseCSV_SemicolonAndDecimalComma(t *testing.T) {
	in := "\ufeffPRECIO_PROMEDIO;nombre_generico;cantidad;anio;mes\n" +
		"12,75;Leche entera;1,5;2024;3\n" +
		"\n" +
		"4;Sal;;;\n"

	rows, err := ParseCSV(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ParseCSV: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0].ProductName != "Leche entera" || rows[0].AveragePrice != 12.75 {
		t.Errorf("row 0 = %+v", rows[0])
	}
	if rows[0].Quantity == nil || *rows[0].Quantity != 1.5 {
		t.Errorf("cantidad = %v, want 1.5", rows[0].Quantity)
	}
	if rows[0].Year == nil || *rows[0].Year != 2024 || rows[0].Month == nil || *rows[0].Month != 3 {
		t.Errorf("anio/mes = %v/%v", rows[0].Year, rows[0].Month)
	}
	if rows[1].ProductName != "Sal" || rows[1].Quantity != nil {
		t.Errorf("row 1 = %+v", rows[1])
	}
}

func TestParseCSV_Errors(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", "missing header"},
		{"missing column", "nombre_generico,unidad\nArroz,kg\n", `"precio_promedio"`},
		{"no rows", "nombre_generico,precio_promedio\n", "no data rows"},
		{"bad price", "nombre_generico,precio_promedio\nArroz,abc\n", "line 2: precio_promedio"},
		{"empty name", "nombre_generico,precio_promedio\n,10\n", "nombre_generico is empty"},
		{"bad year", "nombre_generico,precio_promedio,anio\nArroz,10,dos mil\n", "anio"},
		{"missing price", "nombre_generico,precio_promedio\nArroz,\n", "missing value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCSV(strings.NewReader(tt.in))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}
