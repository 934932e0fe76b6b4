package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/canasta/internal/pricing"
)

const (
	defaultSimilarityThreshold = 0.3
	queryTimeout               = 10 * time.Second
)

// ExecuteSQL runs a read-only catalog query written in the Postgres dialect
// produced by the pricing strategies.
func (s *Store) ExecuteSQL(ctx context.Context, query string) ([]pricing.PriceRecord, error) {
	if err := pricing.ValidateQuery(query); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, translateDialect(query))
	if err != nil {
		return nil, queryErr(err)
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, queryErr(err)
	}
	return records, nil
}

// SearchIngredients runs the fuzzy catalog search for each comma-separated
// token in terms. Rows carry match_type, similarity and search_token.
func (s *Store) SearchIngredients(ctx context.Context, terms string, threshold float64) ([]pricing.PriceRecord, error) {
	if threshold <= 0 || threshold > 1 {
		threshold = defaultSimilarityThreshold
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var out []pricing.PriceRecord
	for _, token := range pricing.SplitTerms(terms) {
		rows, err := s.db.QueryContext(ctx, searchIngredientsSQL(token, threshold))
		if err != nil {
			return nil, queryErr(err)
		}
		records, err := scanRecords(rows)
		rows.Close()
		if err != nil {
			return nil, queryErr(err)
		}
		out = append(out, records...)
	}
	return out, nil
}

// queryErr makes deadline errors recognizable as timeouts.
func queryErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("statement timeout: %w", err)
	}
	return err
}

func scanRecords(rows *sql.Rows) ([]pricing.PriceRecord, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []pricing.PriceRecord
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		var r pricing.PriceRecord
		for i, col := range cols {
			v := vals[i]
			switch strings.ToLower(col) {
			case "nombre_generico":
				r.ProductName = asString(v)
			case "precio_promedio":
				r.AveragePrice, _ = asFloat(v)
			case "unidad":
				r.Unit = asString(v)
			case "division":
				r.Division = asString(v)
			case "grupo":
				r.Group = asString(v)
			case "clase":
				r.Class = asString(v)
			case "subclase":
				r.Subclass = asString(v)
			case "match_type":
				r.MatchType = asString(v)
			case "similarity", "sim":
				if f, ok := asFloat(v); ok {
					r.Similarity = &f
				}
			case "search_token":
				r.SearchTerm = asString(v)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func asString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	case []byte:
		f, err := strconv.ParseFloat(string(x), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// UpsertPrices inserts or updates rows keyed by product, unit, city and
// publication date. It returns the number of rows written.
func (s *Store) UpsertPrices(ctx context.Context, rows []PriceRow) (int, error) {
	for i, r := range rows {
		if strings.TrimSpace(r.ProductName) == "" {
			return 0, fmt.Errorf("row %d: nombre_generico is required", i+1)
		}
		if math.IsNaN(r.AveragePrice) || math.IsInf(r.AveragePrice, 0) || r.AveragePrice < 0 {
			return 0, fmt.Errorf("row %d: invalid precio_promedio %v", i+1, r.AveragePrice)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning upsert transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO price_data (nombre_generico, precio_promedio, unidad, division, grupo, clase, subclase,
			codigo_generico, especificacion, cantidad, codigo_ciudad, nombre_ciudad, fecha_publicacion,
			anio, mes, estatus, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(nombre_generico, unidad, nombre_ciudad, fecha_publicacion) DO UPDATE SET
			precio_promedio = excluded.precio_promedio,
			division = excluded.division,
			grupo = excluded.grupo,
			clase = excluded.clase,
			subclase = excluded.subclase,
			codigo_generico = excluded.codigo_generico,
			especificacion = excluded.especificacion,
			cantidad = excluded.cantidad,
			codigo_ciudad = excluded.codigo_ciudad,
			anio = excluded.anio,
			mes = excluded.mes,
			estatus = excluded.estatus,
			updated_at = excluded.updated_at`)
	if err != nil {
		return 0, fmt.Errorf("preparing upsert: %w", err)
	}
	defer stmt.Close()

	now := s.timestamp()
	for i, r := range rows {
		if _, err := stmt.ExecContext(ctx,
			strings.TrimSpace(r.ProductName), r.AveragePrice, r.Unit, r.Division, r.Group, r.Class, r.Subclass,
			r.GenericCode, r.Specification, nullFloat(r.Quantity), r.CityCode, r.CityName, r.PublishedOn,
			nullInt(r.Year), nullInt(r.Month), r.Status, now,
		); err != nil {
			return 0, fmt.Errorf("upserting row %d: %w", i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing upsert: %w", err)
	}
	return len(rows), nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

// CountPrices returns the number of catalog rows.
func (s *Store) CountPrices(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM price_data").Scan(&n)
	return n, err
}

const priceRowColumns = `nombre_generico, precio_promedio, unidad, division, grupo, clase, subclase,
	codigo_generico, especificacion, cantidad, codigo_ciudad, nombre_ciudad, fecha_publicacion,
	anio, mes, estatus, updated_at`

// PriceHistory returns the rows for a product (matched by generic code or by
// accent-insensitive name) ordered by publication date. An empty city
// matches every city.
func (s *Store) PriceHistory(ctx context.Context, product, city string) ([]PriceRow, error) {
	if strings.TrimSpace(product) == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+priceRowColumns+`
		FROM price_data
		WHERE (codigo_generico = ? OR lower(unaccent(nombre_generico)) = lower(unaccent(?)))
		  AND (? = '' OR lower(unaccent(nombre_ciudad)) = lower(unaccent(?)) OR codigo_ciudad = ?)
		ORDER BY fecha_publicacion ASC, nombre_ciudad ASC`,
		product, product, city, city, city,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PriceRow
	for rows.Next() {
		var r PriceRow
		var qty sql.NullFloat64
		var year, month sql.NullInt64
		var updatedAt string
		if err := rows.Scan(&r.ProductName, &r.AveragePrice, &r.Unit, &r.Division, &r.Group, &r.Class, &r.Subclass,
			&r.GenericCode, &r.Specification, &qty, &r.CityCode, &r.CityName, &r.PublishedOn,
			&year, &month, &r.Status, &updatedAt); err != nil {
			return nil, err
		}
		if qty.Valid {
			r.Quantity = &qty.Float64
		}
		if year.Valid {
			y := int(year.Int64)
			r.Year = &y
		}
		if month.Valid {
			m := int(month.Int64)
			r.Month = &m
		}
		if r.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AveragePriceByCity averages a product's price per city, optionally
// restricted to publication dates in [from, to] (YYYY-MM-DD, empty for open).
func (s *Store) AveragePriceByCity(ctx context.Context, product, from, to string) ([]CityAverage, error) {
	if strings.TrimSpace(product) == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT nombre_ciudad, AVG(precio_promedio), COUNT(*)
		FROM price_data
		WHERE (codigo_generico = ? OR lower(unaccent(nombre_generico)) = lower(unaccent(?)))
		  AND (? = '' OR fecha_publicacion >= ?)
		  AND (? = '' OR fecha_publicacion <= ?)
		GROUP BY nombre_ciudad
		ORDER BY nombre_ciudad ASC`,
		product, product, from, from, to, to,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CityAverage
	for rows.Next() {
		var c CityAverage
		if err := rows.Scan(&c.CityName, &c.AveragePrice, &c.Samples); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
