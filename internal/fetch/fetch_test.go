package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestExtractTextStripsBoilerplate(t *testing.T) {
	page := `<!DOCTYPE html>
<html>
<head><title>Quarterly Report</title></head>
<body>
<nav>Site navigation</nav>
<script>var tracking = true;</script>
<style>.hero { color: red; }</style>
<main>
<h1>Findings</h1>
<p>Revenue grew by <strong>12 percent</strong>.</p>
<p>Costs were flat.</p>
</main>
<footer>Copyright notice</footer>
</body>
</html>`

	title, text := ExtractText(page)

	if title != "Quarterly Report" {
		t.Errorf("title = %q, want %q", title, "Quarterly Report")
	}
	for _, want := range []string{"Findings", "12 percent", "Costs were flat"} {
		if !strings.Contains(text, want) {
			t.Errorf("text missing %q: %q", want, text)
		}
	}
	for _, reject := range []string{"tracking", "Site navigation", "Copyright notice", "color: red"} {
		if strings.Contains(text, reject) {
			t.Errorf("text should not contain %q", reject)
		}
	}
}

func TestFetchHTML(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); !strings.HasPrefix(ua, "loopd/") {
			t.Errorf("User-Agent = %q, want loopd/ prefix", ua)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<html><head><title>Doc</title></head><body><p>body text here</p></body></html>`))
	}))
	defer ts.Close()

	page, err := New().Fetch(context.Background(), ts.URL, 0)
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if page.Title != "Doc" {
		t.Errorf("Title = %q, want %q", page.Title, "Doc")
	}
	if !strings.Contains(page.Content, "body text here") {
		t.Errorf("Content = %q", page.Content)
	}
	if page.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200", page.StatusCode)
	}
}

func TestFetchPlainText(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("plain body"))
	}))
	defer ts.Close()

	page, err := New().Fetch(context.Background(), ts.URL, 0)
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if page.Content != "plain body" {
		t.Errorf("Content = %q, want %q", page.Content, "plain body")
	}
}

func TestFetchTruncation(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(strings.Repeat("x", 500)))
	}))
	defer ts.Close()

	page, err := New().Fetch(context.Background(), ts.URL, 100)
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if !page.Truncated {
		t.Error("expected Truncated")
	}
	if len(page.Content) != 100 {
		t.Errorf("len(Content) = %d, want 100", len(page.Content))
	}
}

func TestFetchEmptyURL(t *testing.T) {
	if _, err := New().Fetch(context.Background(), "", 0); err == nil {
		t.Error("expected error for empty url")
	}
}

func TestCutUTF8PreservesRunes(t *testing.T) {
	s := strings.Repeat("é", 10)
	got := cutUTF8(s, 4)
	if got != strings.Repeat("é", 4) {
		t.Errorf("cutUTF8 = %q", got)
	}
}
