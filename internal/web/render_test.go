package web

import (
	"strings"
	"testing"
)

func TestRenderNotFound(t *testing.T) {
	b, err := Page("notfound", map[string]any{"Name": "demo.example.com", "Title": "Not found"})
	if err != nil {
		t.Fatal(err)
	}
	s := string(b)
	if !strings.Contains(s, "<code>demo.example.com</code>") || !strings.Contains(s, "</html>") {
		t.Errorf("page: %s", s)
	}
}

func TestRenderEscapes(t *testing.T) {
	b, err := Page("down", map[string]any{"Name": "<script>"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(b), "<script>") {
		t.Errorf("name not escaped: %s", b)
	}
}

func TestRenderUnknownFallsBack(t *testing.T) {
	b, err := Page("nope", map[string]any{"Title": "Oops", "Message": "gone"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "<h1>Oops</h1>") || !strings.Contains(string(b), "<p>gone</p>") {
		t.Errorf("fallback page: %s", b)
	}
}

func TestRenderDashboard(t *testing.T) {
	data := map[string]any{
		"Sessions":  1,
		"Listeners": []struct{ ID, Kind, URL, SessionID, Metadata string }{{ID: "tn_1", Kind: "http", URL: "http://a.test", SessionID: "s1"}},
		"Agents":    nil,
	}
	b, err := Page("dashboard", data)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "tn_1") || !strings.Contains(string(b), `href="http://a.test"`) {
		t.Errorf("dashboard: %s", b)
	}
}
