package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/affirmcall/pkg/types"
)

func TestNew_Validation(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

func TestSynthesize_ForwardsStyle(t *testing.T) {
	bodies := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/speech" {
			t.Errorf("path = %q, want /audio/speech", r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		bodies <- body
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("mp3-bytes"))
	}))
	defer srv.Close()

	p, err := New("sk-test", WithBaseURL(srv.URL), WithDefaultVoice("nova"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	clip, err := p.Synthesize(context.Background(), "I am capable.", types.VoiceProfile{
		Style:       "warm and encouraging",
		SpeedFactor: 0.9,
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(clip.Data) != "mp3-bytes" {
		t.Errorf("clip = %q, want %q", clip.Data, "mp3-bytes")
	}
	body := <-bodies
	if body["input"] != "I am capable." {
		t.Errorf("input = %v", body["input"])
	}
	if body["voice"] != "nova" {
		t.Errorf("voice = %v, want nova", body["voice"])
	}
	if body["instructions"] != "warm and encouraging" {
		t.Errorf("instructions = %v", body["instructions"])
	}
	if body["speed"] != 0.9 {
		t.Errorf("speed = %v, want 0.9", body["speed"])
	}
	if !p.SupportsStyleInstruction() {
		t.Error("SupportsStyleInstruction() = false, want true")
	}
}

func TestSynthesize_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad voice","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	p, _ := New("sk-test", WithBaseURL(srv.URL))
	if _, err := p.Synthesize(context.Background(), "hi", types.VoiceProfile{}); err == nil {
		t.Fatal("expected error for 400 response")
	}
}
