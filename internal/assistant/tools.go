package assistant

const (
	// ToolPricing delegates an ingredient list to the pricing agent.
	ToolPricing = "invocar_agente_sql"

	// ToolRawSQL is declared for the assistant's schema only. Calls to it get
	// an unsupported-function output and never reach the store.
	ToolRawSQL = "ejecuta_query_sql"
)

// DefaultTools returns the function declarations attached to every run.
func DefaultTools() []Tool {
	return []Tool{
		{
			Name:        ToolPricing,
			Description: "Invoca al agente de precios para obtener el precio de los ingredientes indicados, separados por comas",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query_ingredients": map[string]any{
						"type":        "string",
						"description": "Ingredientes requeridos de la base de datos como arroz, jamón, pollo",
					},
				},
				"required":             []string{"query_ingredients"},
				"additionalProperties": false,
			},
		},
		{
			Name:        ToolRawSQL,
			Description: "Executes a SQL query to get price information",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "SQL query to execute against price_data",
					},
				},
				"required": []string{"query"},
			},
		},
	}
}
