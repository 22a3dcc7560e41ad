package assemblyai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/MrWong99/affirmcall/pkg/provider/stt"
)

func newServer(t *testing.T, polls *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v2/upload", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "key" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		data, _ := io.ReadAll(r.Body)
		if string(data) != "mp3" {
			t.Errorf("upload body = %q", data)
		}
		_, _ = w.Write([]byte(`{"upload_url":"https://cdn.example/u1"}`))
	})
	mux.HandleFunc("POST /v2/transcript", func(w http.ResponseWriter, r *http.Request) {
		var req transcriptRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.AudioURL != "https://cdn.example/u1" {
			t.Errorf("audio_url = %q", req.AudioURL)
		}
		_, _ = w.Write([]byte(`{"id":"tx-1","status":"queued"}`))
	})
	mux.HandleFunc("GET /v2/transcript/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "tx-1" {
			http.NotFound(w, r)
			return
		}
		if polls.Add(1) < 2 {
			_, _ = w.Write([]byte(`{"id":"tx-1","status":"processing"}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"tx-1","status":"completed","text":"I am capable of great things"}`))
	})
	return httptest.NewServer(mux)
}

func TestSubmitAndPoll(t *testing.T) {
	var polls atomic.Int32
	srv := newServer(t, &polls)
	defer srv.Close()

	p, err := New("key", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	id, err := p.Submit(ctx, stt.Recording{Data: []byte("mp3")})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id != "tx-1" {
		t.Fatalf("id = %q, want tx-1", id)
	}

	res, err := p.Poll(ctx, id)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if res.Status != stt.JobProcessing {
		t.Errorf("first poll status = %q, want processing", res.Status)
	}

	res, err = p.Poll(ctx, id)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if res.Status != stt.JobCompleted || res.Text != "I am capable of great things" {
		t.Errorf("second poll = %+v", res)
	}
}

func TestPoll_NotFound(t *testing.T) {
	var polls atomic.Int32
	srv := newServer(t, &polls)
	defer srv.Close()

	p, _ := New("key", WithBaseURL(srv.URL))
	if _, err := p.Poll(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown job")
	}
}

func TestToPollResult(t *testing.T) {
	tests := []struct {
		in   transcriptResponse
		want stt.JobStatus
	}{
		{transcriptResponse{Status: "queued"}, stt.JobQueued},
		{transcriptResponse{Status: "processing"}, stt.JobProcessing},
		{transcriptResponse{Status: "completed", Text: "x"}, stt.JobCompleted},
		{transcriptResponse{Status: "error", Error: "bad audio"}, stt.JobFailed},
		{transcriptResponse{Status: "something-new"}, stt.JobQueued},
	}
	for _, tt := range tests {
		if got := toPollResult(tt.in).Status; got != tt.want {
			t.Errorf("toPollResult(%q) = %q, want %q", tt.in.Status, got, tt.want)
		}
	}
	if got := toPollResult(transcriptResponse{Status: "error", Error: "bad audio"}); got.Error != "bad audio" {
		t.Errorf("error = %q, want %q", got.Error, "bad audio")
	}
}
