package byteplus

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/plurapp/ai-engine/internal/ai/provider"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New("test-key", "seedream-test").WithEndpoint(srv.URL)
}

func TestGenerateImageDecodesBatch(t *testing.T) {
	var gotBody map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("auth header = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Error(err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{
				{"b64_json": base64.StdEncoding.EncodeToString([]byte("one"))},
				{"b64_json": base64.StdEncoding.EncodeToString([]byte("two"))},
			},
		})
	})

	images, err := client.GenerateImage(context.Background(), "a red fox", provider.ImageOptions{
		Width: 1024, Height: 768,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(images) != 2 || string(images[0]) != "one" || string(images[1]) != "two" {
		t.Fatalf("images = %q", images)
	}
	if gotBody["size"] != "1024x768" {
		t.Fatalf("size = %v", gotBody["size"])
	}
	if gotBody["model"] != "seedream-test" {
		t.Fatalf("model = %v", gotBody["model"])
	}
}

func TestReferenceImageShapes(t *testing.T) {
	var gotBody map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Error(err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{{"b64_json": base64.StdEncoding.EncodeToString([]byte("x"))}},
		})
	})

	// A single reference is sent as a scalar data URI.
	_, err := client.GenerateImage(context.Background(), "p", provider.ImageOptions{ReferenceImages: []string{"aW1n"}})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := gotBody["image"].(string); !ok {
		t.Fatalf("single reference = %T", gotBody["image"])
	}

	// Multiple references become an array.
	_, err = client.GenerateImage(context.Background(), "p", provider.ImageOptions{ReferenceImages: []string{"YQ==", "Yg=="}})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := gotBody["image"].([]any); !ok {
		t.Fatalf("multiple references = %T", gotBody["image"])
	}
}

func TestErrorKeepsStatusCode(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"invalid"}`, http.StatusBadRequest)
	})
	_, err := client.GenerateImage(context.Background(), "p", provider.ImageOptions{})
	if err == nil || !provider.IsFatal(err) {
		t.Fatalf("err = %v", err)
	}
}

func TestEmptyDataIsError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
	})
	if _, err := client.GenerateImage(context.Background(), "p", provider.ImageOptions{}); err == nil {
		t.Fatal("expected error")
	}
}
