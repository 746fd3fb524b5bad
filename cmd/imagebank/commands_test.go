package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/kalambet/imagebank/internal/config"
	"github.com/kalambet/imagebank/internal/media"
	"github.com/kalambet/imagebank/internal/provider"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server *httptest.Server

	mu       sync.Mutex
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.mu.Lock()
		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})
		ts.mu.Unlock()

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

// use points newAPIClient at the test server for the duration of the test.
func (ts *testServer) use(t *testing.T) {
	t.Helper()
	old := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	t.Cleanup(func() { newAPIClient = old })
}

func (ts *testServer) only(t *testing.T) recordedRequest {
	t.Helper()
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	return ts.requests[0]
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		resetFlags(rootCmd)
	})
	return rootCmd.ExecuteContext(context.Background())
}

// resetFlags restores every flag in the tree so one test's flags do not
// leak into the next.
func resetFlags(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Name == "help" {
			return
		}
		f.Value.Set(f.DefValue)
		f.Changed = false
	})
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func decodeBody(t *testing.T, r recordedRequest) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v (%q)", err, r.Body)
	}
	return body
}

var ctx = context.Background()

func TestSearchCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /images/search": `{"images":[{"url":"https://cdn/1.jpg","alt":"pasta","provider":"unsplash","providerId":"1"}]}`,
	})
	ts.use(t)

	if err := execute(t, "search", "--provider", "pexels", "--orientation", "vertical", "--count", "3", "--json", "fresh", "pasta"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r := ts.only(t)
	if r.Method != "POST" || r.Path != "/images/search" {
		t.Errorf("request = %s %s, want POST /images/search", r.Method, r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
	body := decodeBody(t, r)
	if body["query"] != "fresh pasta" {
		t.Errorf("query = %v, want 'fresh pasta'", body["query"])
	}
	if body["provider"] != "pexels" || body["orientation"] != "vertical" || body["count"] != float64(3) {
		t.Errorf("unexpected body %v", body)
	}
}

func TestSearchCommand_MissingQuery(t *testing.T) {
	if err := execute(t, "search"); err == nil {
		t.Fatal("expected error for missing query")
	}
}

func TestSearchCommand_ServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error":{"message":"image search failed: boom","type":"api_error"}}`))
	}))
	defer ts.Close()

	old := newAPIClient
	newAPIClient = func() (*apiClient, error) {
		return &apiClient{baseURL: ts.URL, token: "t", httpClient: ts.Client()}, nil
	}
	defer func() { newAPIClient = old }()

	err := execute(t, "search", "pasta")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "502") || !strings.Contains(err.Error(), "boom") {
		t.Errorf("error = %q, want status and message", err.Error())
	}
}

func TestReadPlan(t *testing.T) {
	tests := []struct {
		name string
		data string
		want int
	}{
		{"wrapped yaml", "items:\n  - blockId: hero\n    searchQuery: dining room\n    orientation: horizontal\n    count: 1\n  - blockId: gallery\n    searchQuery: pasta\n    count: 6\n", 2},
		{"bare list", "- blockId: hero\n  searchQuery: dining room\n", 1},
		{"json", `{"items":[{"blockId":"hero","searchQuery":"bar","count":2}]}`, 1},
		{"empty", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, err := readPlan([]byte(tt.data))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(items) != tt.want {
				t.Fatalf("got %d items, want %d", len(items), tt.want)
			}
		})
	}

	items, _ := readPlan([]byte(tests[0].data))
	if items[0].BlockID != "hero" || items[0].Orientation != provider.Horizontal || items[1].Count != 6 {
		t.Errorf("unexpected items %+v", items)
	}
}

func TestReadPlan_Invalid(t *testing.T) {
	if _, err := readPlan([]byte("items: [unclosed")); err == nil {
		t.Fatal("expected parse error")
	}
	for _, data := range []string{
		"- blockId: hero\n  searchQuery: bar\n  count: 1000000000000\n",
		"items:\n  - blockId: hero\n    searchQuery: bar\n    count: -1\n",
	} {
		if _, err := readPlan([]byte(data)); err == nil || !strings.Contains(err.Error(), "count must be between") {
			t.Errorf("readPlan(%q) error = %v, want count error", data, err)
		}
	}
}

func TestPlanCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /images/plan": `{"selections":[{"blockId":"hero","image":{"url":"u","alt":"a","provider":"pexels","providerId":"9"}}]}`,
	})
	ts.use(t)

	path := filepath.Join(t.TempDir(), "plan.yaml")
	plan := "items:\n  - blockId: hero\n    searchQuery: candle-lit dining room\n    count: 1\n"
	if err := os.WriteFile(path, []byte(plan), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := execute(t, "plan", "--file", path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var sent struct {
		Items []media.PlanItem `json:"items"`
	}
	if err := json.Unmarshal([]byte(ts.only(t).Body), &sent); err != nil {
		t.Fatal(err)
	}
	if len(sent.Items) != 1 || sent.Items[0].SearchQuery != "candle-lit dining room" {
		t.Errorf("sent items = %+v", sent.Items)
	}
}

func TestPlanCommand_RequiresFile(t *testing.T) {
	err := execute(t, "plan")
	if err == nil || !strings.Contains(err.Error(), "required") {
		t.Fatalf("error = %v, want it to mention 'required'", err)
	}
}

func TestBankEntriesCommand_Query(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /bank/entries": `{"entries":[{"id":"unsplash:1","provider":"unsplash","providerId":"1","title":"pasta"}],"total":1}`,
	})
	ts.use(t)

	if err := execute(t, "bank", "entries", "--status", "flagged", "--unrated", "--blacklisted=false", "--limit", "5"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	path := ts.only(t).Path
	for _, want := range []string{"status=flagged", "unrated=true", "blacklisted=false", "limit=5", "offset=0"} {
		if !strings.Contains(path, want) {
			t.Errorf("path %q missing %q", path, want)
		}
	}
	if strings.Contains(path, "accuracy=") {
		t.Errorf("path %q should not carry unset filters", path)
	}
}

func TestReviewRateCommand(t *testing.T) {
	tests := []struct {
		name      string
		args      []string
		wantAcc   any
		wantNotes bool
	}{
		{"rating", []string{"review", "rate", "unsplash:1", "wrong"}, "wrong", false},
		{"clear", []string{"review", "rate", "unsplash:1", "none"}, nil, false},
		{"with notes", []string{"review", "rate", "unsplash:1", "accurate", "--notes", ""}, "accurate", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, map[string]string{
				"POST /bank/entries/unsplash:1/rating": `{"id":"unsplash:1","review":{"status":"flagged"}}`,
			})
			ts.use(t)

			if err := execute(t, tt.args...); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			body := decodeBody(t, ts.only(t))
			acc, ok := body["accuracy"]
			if !ok {
				t.Fatal("accuracy must always be sent")
			}
			if acc != tt.wantAcc {
				t.Errorf("accuracy = %v, want %v", acc, tt.wantAcc)
			}
			if _, ok := body["notes"]; ok != tt.wantNotes {
				t.Errorf("notes present = %v, want %v", ok, tt.wantNotes)
			}
		})
	}
}

func TestReviewTestCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /bank/entries/pexels:9/search-tests": `{"query":"sushi bar","found":true,"rank":2}`,
	})
	ts.use(t)

	if err := execute(t, "review", "test", "pexels:9", "sushi", "bar"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q := decodeBody(t, ts.only(t))["query"]; q != "sushi bar" {
		t.Errorf("query = %v, want 'sushi bar'", q)
	}
}

func TestReviewBlacklistCommand(t *testing.T) {
	for _, undo := range []bool{false, true} {
		ts := newTestServer(t, map[string]string{
			"PUT /bank/entries/getty:5/blacklist": `{"id":"getty:5"}`,
		})
		ts.use(t)

		args := []string{"review", "blacklist", "getty:5"}
		if undo {
			args = append(args, "--undo")
		}
		if err := execute(t, args...); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		r := ts.only(t)
		if r.Method != "PUT" {
			t.Errorf("method = %q, want PUT", r.Method)
		}
		if got := decodeBody(t, r)["blacklisted"]; got != !undo {
			t.Errorf("blacklisted = %v, want %v", got, !undo)
		}
	}
}

func TestBankSyncCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /bank/sync": `{"status":"synced"}`,
	})
	ts.use(t)

	if err := execute(t, "bank", "sync"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r := ts.only(t); r.Body != "" {
		t.Errorf("sync should send no body, got %q", r.Body)
	}
}

func TestAPIClient_NotReachable(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	_, err := ts.client().get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		w.Write([]byte(`not json`))
	}))
	defer ts.Close()

	client := &apiClient{baseURL: ts.URL, token: "bad-token", httpClient: ts.Client()}
	resp, err := client.get(ctx, "/bank/stats")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if !strings.Contains(err.Error(), "401") || !strings.Contains(err.Error(), "not json") {
		t.Errorf("error = %q, want status and raw body", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	if result := colorize(colorGreen, "test message"); result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	if result := colorize(colorGreen, "test message"); !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestBuildRegistry(t *testing.T) {
	cfg := config.Config{}
	cfg.Media.Providers = []string{"pexels", "unsplash", "getty", "flickr"}
	cfg.Providers.UnsplashAccessKey = "u"
	cfg.Providers.GettyAPIKey = "g"

	reg, def := buildRegistry(cfg)
	if reg.Len() != 2 {
		t.Fatalf("registered %d providers, want 2", reg.Len())
	}
	if def != "unsplash" {
		t.Errorf("default = %q, want unsplash", def)
	}
	if _, err := reg.Get("pexels"); err == nil {
		t.Error("pexels has no key and should not be registered")
	}
}

func TestOpenObjects(t *testing.T) {
	cfg := config.Config{}
	cfg.Storage.DataDir = t.TempDir()

	cfg.Objects.Backend = config.BackendFile
	if b, err := openObjects(ctx, cfg, nil); err != nil || b == nil {
		t.Fatalf("file backend: %v", err)
	}

	cfg.Objects.Backend = "ftp"
	if _, err := openObjects(ctx, cfg, nil); err == nil {
		t.Fatal("expected error for unknown backend")
	}

	cfg.Objects.Backend = config.BackendS3
	if _, err := openObjects(ctx, cfg, nil); err == nil {
		t.Fatal("expected error for s3 without bucket")
	}
}

func TestPrintHelpers_WriteToStderr(t *testing.T) {
	var buf bytes.Buffer
	oldOut, oldColor := stderr, noColor
	stderr, noColor = &buf, true
	defer func() { stderr, noColor = oldOut, oldColor }()

	printSuccess("Rated %s", "unsplash:1")
	printWarning("no providers")
	printStatus("Entries", "%d", 3)

	want := "✓ Rated unsplash:1\n⚠ no providers\n  Entries: 3\n"
	if buf.String() != want {
		t.Errorf("output = %q, want %q", buf.String(), want)
	}
}
