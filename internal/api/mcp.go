package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/canasta/internal/bus"
	"github.com/kalambet/canasta/internal/pricing"
	"github.com/kalambet/canasta/internal/storage"
)

const recentMessagesLimit = 100

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Pricing   Searcher
	Catalog   pricing.Catalog
	Store     *storage.Store // optional; historial_precios reports an error when nil
	Bus       MessageLog     // optional; the messages resource is empty when nil
	Threshold float64
	Clock     func() time.Time
}

func (d MCPDeps) now() time.Time {
	if d.Clock != nil {
		return d.Clock()
	}
	return time.Now()
}

// NewMCPServer creates an MCP server exposing the pricing tools and the
// agent message log.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	if deps.Threshold <= 0 {
		deps.Threshold = pricing.SimilarityThreshold
	}

	s := server.NewMCPServer(
		"canasta",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("canasta: precios promedio de ingredientes de la canasta básica."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("consultar_precios",
			mcp.WithDescription("Busca precios promedio para una lista de ingredientes separados por comas."),
			mcp.WithString("ingredientes", mcp.Description("Ingredientes separados por comas, por ejemplo: arroz, pollo, jamón"), mcp.Required()),
			mcp.WithString("thread_id", mcp.Description("Identificador de conversación para agrupar mensajes")),
		),
		mcpConsultarPrecios(deps),
	)

	s.AddTool(
		mcp.NewTool("buscar_ingrediente",
			mcp.WithDescription("Búsqueda difusa de un ingrediente en el catálogo de precios."),
			mcp.WithString("termino", mcp.Description("Término a buscar"), mcp.Required()),
			mcp.WithNumber("umbral", mcp.Description("Similitud mínima entre 0 y 1 (por defecto 0.3)")),
		),
		mcpBuscarIngrediente(deps),
	)

	s.AddTool(
		mcp.NewTool("historial_precios",
			mcp.WithDescription("Historial de precios publicados de un producto, opcionalmente por ciudad."),
			mcp.WithString("producto", mcp.Description("Nombre genérico o código del producto"), mcp.Required()),
			mcp.WithString("ciudad", mcp.Description("Nombre o código de ciudad")),
		),
		mcpHistorialPrecios(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"agent://messages",
			"Agent Messages",
			mcp.WithResourceDescription("Most recent inter-agent messages as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceMessages(deps),
	)

	return s
}

func mcpConsultarPrecios(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		phrase, err := req.RequireString("ingredientes")
		if err != nil {
			return mcpError("ingredientes is required"), nil
		}
		threadID := req.GetString("thread_id", "mcp")

		res, err := deps.Pricing.Search(ctx, threadID, phrase)
		if errors.Is(err, pricing.ErrNoTerms) {
			return mcpError(err.Error()), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		payload, _ := pricing.Encode(res, deps.now())
		return mcpText(string(payload)), nil
	}
}

func mcpBuscarIngrediente(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		term, err := req.RequireString("termino")
		if err != nil {
			return mcpError("termino is required"), nil
		}
		threshold := req.GetFloat("umbral", deps.Threshold)
		if threshold <= 0 || threshold > 1 {
			threshold = deps.Threshold
		}

		rows, err := deps.Catalog.SearchIngredients(ctx, term, threshold)
		if err != nil {
			return mcpError(fmt.Sprintf("catalog search failed: %v", err)), nil
		}
		if len(rows) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(rows)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpHistorialPrecios(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Store == nil {
			return mcpError("price history not available: no local catalog"), nil
		}
		product, err := req.RequireString("producto")
		if err != nil {
			return mcpError("producto is required"), nil
		}

		rows, err := deps.Store.PriceHistory(ctx, product, req.GetString("ciudad", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("history failed: %v", err)), nil
		}
		if len(rows) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(rows)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal history: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceMessages(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		msgs := []bus.Message{}
		if deps.Bus != nil {
			snap := deps.Bus.Snapshot()
			if len(snap) > recentMessagesLimit {
				snap = snap[len(snap)-recentMessagesLimit:]
			}
			msgs = append(msgs, snap...)
		}

		b, err := json.Marshal(msgs)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal messages: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
