package storage

import (
	"context"
	"math"
	"strings"
	"testing"

	"github.com/kalambet/canasta/internal/pricing"
)

func seedCatalog(t *testing.T, s *Store) {
	t.Helper()
	rows := []PriceRow{
		{ProductName: "Arroz blanco", AveragePrice: 28.5, Unit: "kg", Division: "Alimentos", Group: "Cereales"},
		{ProductName: "Arroz integral", AveragePrice: 35, Unit: "kg", Division: "Alimentos", Group: "Cereales"},
		{ProductName: "Frijol negro", AveragePrice: 40, Unit: "kg", Division: "Alimentos", Group: "Leguminosas"},
		{ProductName: "Jamón de pierna", AveragePrice: 120, Unit: "kg", Division: "Alimentos", Group: "Carnes frías"},
		{ProductName: "Pollo entero", AveragePrice: 60, Unit: "kg", Division: "Alimentos", Group: "Carnes"},
		{ProductName: "Queso fresco", AveragePrice: 90, Unit: "kg", Division: "Alimentos", Group: "Lácteos"},
		{ProductName: "Bolillo", AveragePrice: 3, Unit: "pieza", Division: "Alimentos", Group: "Pan"},
	}
	n, err := s.UpsertPrices(context.Background(), rows)
	if err != nil {
		t.Fatalf("UpsertPrices: %v", err)
	}
	if n != len(rows) {
		t.Fatalf("UpsertPrices wrote %d rows, want %d", n, len(rows))
	}
}

func TestUnaccent(t *testing.T) {
	tests := map[string]string{
		"Jamón":        "Jamon",
		"Ñandú":        "Nandu",
		"pingüino":     "pinguino",
		"sin acentos":  "sin acentos",
		"Crème brûlée": "Creme brulee",
	}
	for in, want := range tests {
		if got := Unaccent(in); got != want {
			t.Errorf("Unaccent(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSimilarity(t *testing.T) {
	if got := Similarity("word", "two words"); math.Abs(got-4.0/11.0) > 1e-9 {
		t.Errorf("Similarity(word, two words) = %v, want %v", got, 4.0/11.0)
	}
	if got := Similarity("arroz", "ARROZ"); got != 1 {
		t.Errorf("Similarity identical = %v, want 1", got)
	}
	if got := Similarity("arroz", "pollo"); got != 0 {
		t.Errorf("Similarity disjoint = %v, want 0", got)
	}
	if got := Similarity("", "pollo"); got != 0 {
		t.Errorf("Similarity empty = %v, want 0", got)
	}
}

func TestTranslateDialect(t *testing.T) {
	q := translateDialect("SELECT * FROM price_data WHERE x ilike '%a%'")
	if strings.Contains(strings.ToLower(q), "ilike") || !strings.Contains(q, "x LIKE '%a%'") {
		t.Errorf("ILIKE not rewritten: %s", q)
	}

	q = translateDialect("SELECT nombre_generico FROM search_ingredients_v3('o''brien', 0.5) LIMIT 20")
	if strings.Contains(q, "search_ingredients_v3") {
		t.Fatalf("procedure not rewritten: %s", q)
	}
	for _, want := range []string{"FROM (SELECT", "'o''brien' AS search_token", "> 0.5", ") LIMIT 20"} {
		if !strings.Contains(q, want) {
			t.Errorf("rewritten query missing %q:\n%s", want, q)
		}
	}
}

func TestExecuteSQL_Strategies(t *testing.T) {
	s := openTestStore(t)
	seedCatalog(t, s)
	ctx := context.Background()

	tests := []struct {
		name    string
		term    string
		attempt int
		want    string
	}{
		{"exact", "bolillo", 1, "Bolillo"},
		{"exact ignores accents", "jamon de pierna", 1, "Jamón de pierna"},
		{"substring", "jamon", 2, "Jamón de pierna"},
		{"similarity", "queso fresko", 3, "Queso fresco"},
		{"procedure", "pollo", 4, "Pollo entero"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ExecuteSQL(ctx, pricing.GenerateQuery(tt.term, tt.attempt))
			if err != nil {
				t.Fatalf("ExecuteSQL: %v", err)
			}
			if len(got) == 0 {
				t.Fatalf("no rows for %q attempt %d", tt.term, tt.attempt)
			}
			if got[0].ProductName != tt.want {
				t.Errorf("first row = %q, want %q", got[0].ProductName, tt.want)
			}
		})
	}
}

func TestExecuteSQL_SimilarityColumn(t *testing.T) {
	s := openTestStore(t)
	seedCatalog(t, s)

	got, err := s.ExecuteSQL(context.Background(), pricing.GenerateQuery("queso fresko", 3))
	if err != nil {
		t.Fatalf("ExecuteSQL: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("rows = %d, want 1", len(got))
	}
	if got[0].Similarity == nil || *got[0].Similarity <= pricing.SimilarityThreshold {
		t.Errorf("similarity = %v, want > %v", got[0].Similarity, pricing.SimilarityThreshold)
	}
}

func TestExecuteSQL_SubstringOrdersByPrice(t *testing.T) {
	s := openTestStore(t)
	seedCatalog(t, s)

	got, err := s.ExecuteSQL(context.Background(), pricing.GenerateQuery("arroz", 2))
	if err != nil {
		t.Fatalf("ExecuteSQL: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("rows = %d, want 2", len(got))
	}
	if got[0].AveragePrice > got[1].AveragePrice {
		t.Errorf("rows not ordered by price: %v, %v", got[0].AveragePrice, got[1].AveragePrice)
	}
}

func TestExecuteSQL_NoRows(t *testing.T) {
	s := openTestStore(t)
	seedCatalog(t, s)

	got, err := s.ExecuteSQL(context.Background(), pricing.GenerateQuery("unicornio", 1))
	if err != nil {
		t.Fatalf("ExecuteSQL: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("rows = %d, want 0", len(got))
	}
}

func TestExecuteSQL_Errors(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.ExecuteSQL(ctx, "DELETE FROM price_data")
	if err == nil || pricing.Classify(err) != pricing.ErrorTypeValidation {
		t.Errorf("DELETE: err = %v, want validation error", err)
	}

	_, err = s.ExecuteSQL(ctx, "SELECT FROM price_data WHERE")
	if err == nil || pricing.Classify(err) != pricing.ErrorTypeSyntax {
		t.Errorf("malformed: err = %v, want syntax error", err)
	}
}

func TestSearchIngredients(t *testing.T) {
	s := openTestStore(t)
	seedCatalog(t, s)

	got, err := s.SearchIngredients(context.Background(), "arroz, bolillo", 0.3)
	if err != nil {
		t.Fatalf("SearchIngredients: %v", err)
	}

	byToken := map[string][]pricing.PriceRecord{}
	for _, r := range got {
		byToken[r.SearchTerm] = append(byToken[r.SearchTerm], r)
	}
	if len(byToken["arroz"]) != 2 {
		t.Errorf("arroz rows = %d, want 2", len(byToken["arroz"]))
	}
	for _, r := range byToken["arroz"] {
		if r.MatchType != "partial" {
			t.Errorf("%s match_type = %q, want partial", r.ProductName, r.MatchType)
		}
	}

	bolillo := byToken["bolillo"]
	if len(bolillo) != 1 {
		t.Fatalf("bolillo rows = %d, want 1", len(bolillo))
	}
	if bolillo[0].MatchType != "exact" {
		t.Errorf("bolillo match_type = %q, want exact", bolillo[0].MatchType)
	}
	if bolillo[0].Similarity == nil || *bolillo[0].Similarity != 1 {
		t.Errorf("bolillo similarity = %v, want 1", bolillo[0].Similarity)
	}
}

func TestUpsertPrices_UpdatesExistingRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.UpsertPrices(ctx, []PriceRow{{ProductName: "Huevo", AveragePrice: 40, Unit: "kg"}}); err != nil {
		t.Fatalf("UpsertPrices: %v", err)
	}
	if _, err := s.UpsertPrices(ctx, []PriceRow{{ProductName: "Huevo", AveragePrice: 44, Unit: "kg"}}); err != nil {
		t.Fatalf("UpsertPrices again: %v", err)
	}

	n, err := s.CountPrices(ctx)
	if err != nil {
		t.Fatalf("CountPrices: %v", err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}

	got, err := s.ExecuteSQL(ctx, pricing.GenerateQuery("huevo", 1))
	if err != nil || len(got) != 1 {
		t.Fatalf("ExecuteSQL: %v, %d rows", err, len(got))
	}
	if got[0].AveragePrice != 44 {
		t.Errorf("price = %v, want 44", got[0].AveragePrice)
	}
}

func TestUpsertPrices_RejectsInvalidRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	bad := [][]PriceRow{
		{{ProductName: "  ", AveragePrice: 1}},
		{{ProductName: "Leche", AveragePrice: -1}},
		{{ProductName: "Leche", AveragePrice: math.Inf(1)}},
	}
	for _, rows := range bad {
		if _, err := s.UpsertPrices(ctx, rows); err == nil {
			t.Errorf("UpsertPrices(%+v) succeeded, want error", rows[0])
		}
	}
	if n, _ := s.CountPrices(ctx); n != 0 {
		t.Errorf("count = %d, want 0", n)
	}
}

func TestPriceHistoryAndCityAverages(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rows := []PriceRow{
		{ProductName: "Arroz blanco", AveragePrice: 25, Unit: "kg", GenericCode: "A01", CityName: "Bogotá", PublishedOn: "2024-01-01"},
		{ProductName: "Arroz blanco", AveragePrice: 27, Unit: "kg", GenericCode: "A01", CityName: "Bogotá", PublishedOn: "2024-02-01"},
		{ProductName: "Arroz blanco", AveragePrice: 26, Unit: "kg", GenericCode: "A01", CityName: "Medellín", PublishedOn: "2024-01-01"},
		{ProductName: "Frijol negro", AveragePrice: 40, Unit: "kg", GenericCode: "F01", CityName: "Bogotá", PublishedOn: "2024-01-01"},
	}
	if _, err := s.UpsertPrices(ctx, rows); err != nil {
		t.Fatalf("UpsertPrices: %v", err)
	}

	hist, err := s.PriceHistory(ctx, "arroz blanco", "bogota")
	if err != nil {
		t.Fatalf("PriceHistory: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("history rows = %d, want 2", len(hist))
	}
	if hist[0].PublishedOn != "2024-01-01" || hist[1].AveragePrice != 27 {
		t.Errorf("history = %+v", hist)
	}

	byCode, err := s.PriceHistory(ctx, "A01", "")
	if err != nil {
		t.Fatalf("PriceHistory by code: %v", err)
	}
	if len(byCode) != 3 {
		t.Errorf("history by code rows = %d, want 3", len(byCode))
	}

	avgs, err := s.AveragePriceByCity(ctx, "A01", "2024-01-01", "2024-12-31")
	if err != nil {
		t.Fatalf("AveragePriceByCity: %v", err)
	}
	if len(avgs) != 2 {
		t.Fatalf("cities = %d, want 2", len(avgs))
	}
	if avgs[0].CityName != "Bogotá" || avgs[0].AveragePrice != 26 || avgs[0].Samples != 2 {
		t.Errorf("Bogotá = %+v, want avg 26 over 2 samples", avgs[0])
	}

	empty, err := s.AveragePriceByCity(ctx, "", "", "")
	if err != nil || empty != nil {
		t.Errorf("empty product = %v, %v; want nil, nil", empty, err)
	}
}
