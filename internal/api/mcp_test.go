package api

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/imagebank/internal/imagebank"
	"github.com/kalambet/imagebank/internal/media"
	"github.com/kalambet/imagebank/internal/provider"
)

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func TestMCPTool_SearchImages(t *testing.T) {
	deps, m, _ := newTestDeps()
	m.images = []media.Image{{URL: "https://cdn/a", Provider: "pexels", ProviderID: "a"}}

	result, err := mcpSearchImages(deps)(context.Background(), makeCallToolRequest("search_images", map[string]interface{}{
		"query":       "latte art",
		"provider":    "pexels",
		"orientation": "square",
		"count":       float64(2),
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}

	var images []media.Image
	if err := json.Unmarshal([]byte(toolText(t, result)), &images); err != nil {
		t.Fatalf("result is not JSON: %v", err)
	}
	if len(images) != 1 || images[0].Provider != "pexels" {
		t.Errorf("images = %+v", images)
	}
	want := media.SearchOptions{Query: "latte art", Provider: "pexels", Orientation: provider.Square, Count: 2}
	if m.searches[0] != want {
		t.Errorf("options = %+v, want %+v", m.searches[0], want)
	}
}

func TestMCPTool_SearchImages_Validation(t *testing.T) {
	deps, m, _ := newTestDeps()
	handler := mcpSearchImages(deps)

	for _, args := range []map[string]interface{}{
		{},
		{"query": "x", "orientation": "sideways"},
		{"query": "x", "count": float64(1 << 40)},
	} {
		result, err := handler(context.Background(), makeCallToolRequest("search_images", args))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !result.IsError {
			t.Errorf("args %v: expected tool error", args)
		}
	}
	if len(m.searches) != 0 {
		t.Errorf("media searched %d times for invalid input", len(m.searches))
	}
}

func TestMCPTool_ExecutePlan(t *testing.T) {
	deps, _, _ := newTestDeps()
	handler := mcpExecutePlan(deps)

	result, err := handler(context.Background(), makeCallToolRequest("execute_plan", map[string]interface{}{
		"items": `[{"blockId":"hero","searchQuery":"bakery","count":2}]`,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}
	var sel []media.ImageSelection
	if err := json.Unmarshal([]byte(toolText(t, result)), &sel); err != nil {
		t.Fatalf("result is not JSON: %v", err)
	}
	if len(sel) != 2 || sel[0].BlockID != "hero" {
		t.Errorf("selections = %+v", sel)
	}

	result, _ = handler(context.Background(), makeCallToolRequest("execute_plan", map[string]interface{}{"items": "not json"}))
	if !result.IsError {
		t.Error("expected tool error for invalid JSON")
	}

	result, _ = handler(context.Background(), makeCallToolRequest("execute_plan", map[string]interface{}{
		"items": `[{"blockId":"hero","searchQuery":"bakery","count":5000}]`,
	}))
	if !result.IsError {
		t.Error("expected tool error for an oversized count")
	}
}

func TestMCPTool_RateImage(t *testing.T) {
	deps, _, b := newTestDeps("unsplash:1")
	handler := mcpRateImage(deps)

	result, err := handler(context.Background(), makeCallToolRequest("rate_image", map[string]interface{}{
		"id":       "unsplash:1",
		"accuracy": "wrong",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}
	if !strings.Contains(toolText(t, result), "flagged") {
		t.Errorf("text = %q, want mention of flagged", toolText(t, result))
	}
	if e, _ := b.Get("unsplash:1"); e.Review.Status != imagebank.StatusFlagged {
		t.Errorf("status = %q, want flagged", e.Review.Status)
	}

	for _, args := range []map[string]interface{}{
		{"id": "unsplash:9", "accuracy": "wrong"},
		{"id": "unsplash:1", "accuracy": "meh"},
		{"id": "unsplash:1"},
	} {
		result, _ := handler(context.Background(), makeCallToolRequest("rate_image", args))
		if !result.IsError {
			t.Errorf("args %v: expected tool error", args)
		}
	}
}

func TestMCPTool_BankStats(t *testing.T) {
	deps, _, _ := newTestDeps("unsplash:1", "unsplash:2")

	result, err := mcpBankStats(deps)(context.Background(), makeCallToolRequest("bank_stats", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var st imagebank.Stats
	if err := json.Unmarshal([]byte(toolText(t, result)), &st); err != nil {
		t.Fatalf("result is not JSON: %v", err)
	}
	if st.Entries != 2 {
		t.Errorf("entries = %d, want 2", st.Entries)
	}
}

func TestMCPResource_Stats(t *testing.T) {
	deps, _, _ := newTestDeps("unsplash:1")

	contents, err := mcpResourceStats(deps)(context.Background(), mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: "bank://stats"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	if tc.MIMEType != "application/json" || !strings.Contains(tc.Text, `"entries":1`) {
		t.Errorf("resource = %+v", tc)
	}
}

func TestMCPServer_ConcurrentCalls(t *testing.T) {
	deps, _, _ := newTestDeps("unsplash:1")
	search := mcpSearchImages(deps)
	rate := mcpRateImage(deps)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := search(context.Background(), makeCallToolRequest("search_images", map[string]interface{}{"query": "x"})); err != nil {
				errs <- err
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := rate(context.Background(), makeCallToolRequest("rate_image", map[string]interface{}{"id": "unsplash:1", "accuracy": "partial"})); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent call failed: %v", err)
	}
}

func TestNewMCPServer(t *testing.T) {
	deps, _, _ := newTestDeps()
	if s := NewMCPServer(deps); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}
