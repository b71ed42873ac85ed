package recommend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/sillage/internal/conversation"
	"github.com/nugget/sillage/internal/tools"
)

// ToolName is the name the model calls.
const ToolName = "recommend_fragrances"

// NoResults is returned to the model when the service has nothing to
// offer or cannot be reached.
const NoResults = "No fragrances are detected from our system"

// DefaultCount is used when the model does not ask for a number.
const DefaultCount = 3

// AssetType marks assets produced by this tool.
const AssetType = "fragrance"

const toolDescription = `Recommend fragrances based on user preferences.

Use this when the user asks for suggestions by fragrance notes, types, longevity or sillage, for a specific brand or fragrance, or for perfumes with particular performance.
It does not provide reviews, ingredient breakdowns or purchase links, and does not accept free-text search beyond the structured fields.`

// Recommender is what the tool needs from the service client.
type Recommender interface {
	Recommend(ctx context.Context, req Request) ([]Fragrance, error)
}

// Tool returns the recommend_fragrances tool. itemURL is a template for
// each asset's URL in which "{id}" is replaced by the fragrance ID.
func Tool(svc Recommender, itemURL string, logger *slog.Logger) *tools.Tool {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{svc: svc, itemURL: itemURL, logger: logger}
	return &tools.Tool{
		Name:        ToolName,
		Description: toolDescription,
		Parameters:  parameters(),
		Handler:     h.handle,
	}
}

// parameters is the tool schema. Every field is optional and may be
// null; models often send null rather than omitting a field.
func parameters() map[string]any {
	stringList := func(desc string, enum ...string) map[string]any {
		items := map[string]any{"type": "string"}
		if len(enum) > 0 {
			items["enum"] = enum
		}
		return map[string]any{"type": []any{"array", "null"}, "items": items, "description": desc}
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"types": stringList("Categories of fragrance (e.g. 'Woody', 'Floral', 'Gourmand', 'Fresh', 'Oriental')."),
			"notes": stringList("Fragrance notes the user enjoys or wants to explore (e.g. 'bergamot', 'vanilla', 'oud')."),
			"hasLongevity": stringList("Desired longevity, if the user expressed one.",
				"ShortLongevity", "ModerateLongevity", "LongLongevity"),
			"hasSillage": stringList("Desired sillage or projection, if the user expressed one.",
				"BeastModeSillage", "ModerateSillage", "StrongSillage"),
			"brandName": map[string]any{
				"type":        []any{"string", "null"},
				"description": "A specific brand or house (e.g. 'Dior', 'Creed').",
			},
			"fragranceName": map[string]any{
				"type":        []any{"string", "null"},
				"description": "A specific fragrance name to match against (e.g. 'Baccarat Rouge 540').",
			},
			"count": map[string]any{
				"type":        []any{"integer", "null"},
				"minimum":     1,
				"maximum":     20,
				"description": "Maximum number of recommendations to return. Defaults to 3.",
			},
		},
	}
}

type handler struct {
	svc     Recommender
	itemURL string
	logger  *slog.Logger
}

func (h *handler) handle(ctx context.Context, args map[string]any) (string, error) {
	req, err := decodeRequest(args)
	if err != nil {
		return "", err
	}

	scope := tools.ScopeFromContext(ctx)
	h.logger.Info("recommending fragrances", "user_id", scope.UserID, "call_id", scope.CallID)

	found, err := h.svc.Recommend(ctx, req)
	if err != nil {
		h.logger.Error("recommendation service failed", "user_id", scope.UserID, "error", err)
		return tools.Result{Message: NoResults}.JSON(), nil
	}
	if len(found) == 0 {
		return tools.Result{Message: NoResults}.JSON(), nil
	}

	res := tools.Result{Message: describe(found)}
	for _, f := range found {
		res.Assets = append(res.Assets, h.asset(f))
	}
	h.logger.Info("fragrances recommended", "user_id", scope.UserID, "count", len(found))
	return res.JSON(), nil
}

// decodeRequest maps validated tool arguments onto the wire request.
func decodeRequest(args map[string]any) (Request, error) {
	var req Request
	raw, err := json.Marshal(args)
	if err != nil {
		return req, fmt.Errorf("encode arguments: %w", err)
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, fmt.Errorf("decode arguments: %w", err)
	}

	for _, list := range []*[]string{&req.Types, &req.Notes, &req.HasLongevity, &req.HasSillage} {
		if *list == nil {
			*list = []string{}
		}
	}
	for _, s := range []**string{&req.BrandName, &req.FragranceName} {
		if *s != nil && strings.TrimSpace(**s) == "" {
			*s = nil
		}
	}
	if req.Count <= 0 {
		req.Count = DefaultCount
	}
	return req, nil
}

func (h *handler) asset(f Fragrance) conversation.Asset {
	desc := strings.Join(f.Types, ", ")
	if notes := allNotes(f); notes != "" {
		if desc != "" {
			desc += "; "
		}
		desc += notes
	}
	return conversation.Asset{
		ID:          f.ID,
		URL:         strings.ReplaceAll(h.itemURL, "{id}", f.ID),
		Name:        strings.TrimSpace(f.Brand + " " + f.Name),
		Description: desc,
		Type:        AssetType,
	}
}

func allNotes(f Fragrance) string {
	var parts []string
	add := func(label string, notes []string) {
		if len(notes) > 0 {
			parts = append(parts, label+": "+strings.Join(notes, ", "))
		}
	}
	add("top", f.TopNotes)
	add("heart", f.MiddleNotes)
	add("base", f.BaseNotes)
	return strings.Join(parts, "; ")
}

// describe renders the list for the model to talk about.
func describe(found []Fragrance) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d fragrances:\n", len(found))
	for i, f := range found {
		fmt.Fprintf(&sb, "%d. %s by %s", i+1, f.Name, f.Brand)
		if len(f.Types) > 0 {
			fmt.Fprintf(&sb, " (%s)", strings.Join(f.Types, ", "))
		}
		sb.WriteString("\n")
		if notes := allNotes(f); notes != "" {
			fmt.Fprintf(&sb, "   Notes: %s\n", notes)
		}
		if f.Sillage != "" || f.Longevity != "" {
			fmt.Fprintf(&sb, "   Sillage: %s. Longevity: %s.\n", orUnknown(f.Sillage), orUnknown(f.Longevity))
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
