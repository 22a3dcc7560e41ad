package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/affirmcall/pkg/types"
	"github.com/coder/websocket"
)

// fakeServer accepts one WebSocket session, records the text messages it
// receives and answers with two audio chunks, the second marked final.
func fakeServer(t *testing.T, received chan<- []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.CloseNow()

		ctx := r.Context()
		var texts []string
		for {
			_, msg, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var m map[string]any
			_ = json.Unmarshal(msg, &m)
			text, _ := m["text"].(string)
			texts = append(texts, text)
			if text == "" {
				break
			}
		}
		received <- texts

		for i, chunk := range []string{"abc", "def"} {
			resp := audioResponse{Audio: base64.StdEncoding.EncodeToString([]byte(chunk)), IsFinal: i == 1}
			data, _ := json.Marshal(resp)
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
		conn.Close(websocket.StatusNormalClosure, "")
	}))
}

func TestSynthesize_CollectsChunks(t *testing.T) {
	received := make(chan []string, 1)
	srv := fakeServer(t, received)
	defer srv.Close()

	endpoint := strings.Replace(srv.URL, "http://", "ws://", 1) + "/%s?model=%s&fmt=%s"
	p, err := New("key", WithEndpoint(endpoint))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clip, err := p.Synthesize(ctx, "I am capable.", types.VoiceProfile{ID: "voice-1"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if !bytes.Equal(clip.Data, []byte("abcdef")) {
		t.Errorf("clip = %q, want %q", clip.Data, "abcdef")
	}
	if clip.ContentType != "audio/mpeg" {
		t.Errorf("content type = %q, want audio/mpeg", clip.ContentType)
	}

	texts := <-received
	if len(texts) != 3 {
		t.Fatalf("server received %d messages, want 3: %q", len(texts), texts)
	}
	if texts[1] != "I am capable. " {
		t.Errorf("text message = %q, want %q", texts[1], "I am capable. ")
	}
}

func TestSynthesize_Validation(t *testing.T) {
	p, _ := New("key")
	if _, err := p.Synthesize(context.Background(), "hi", types.VoiceProfile{}); err == nil {
		t.Error("expected error for empty voice ID")
	}
	if _, err := p.Synthesize(context.Background(), "  ", types.VoiceProfile{ID: "v"}); err == nil {
		t.Error("expected error for empty text")
	}
}

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

func TestAppendChunk(t *testing.T) {
	var buf bytes.Buffer
	final, err := appendChunk(&buf, []byte(`{"audio":"`+base64.StdEncoding.EncodeToString([]byte("xy"))+`","isFinal":true}`))
	if err != nil {
		t.Fatalf("appendChunk: %v", err)
	}
	if !final {
		t.Error("final = false, want true")
	}
	if buf.String() != "xy" {
		t.Errorf("buf = %q, want %q", buf.String(), "xy")
	}

	if _, err := appendChunk(&buf, []byte(`{"error":"quota exceeded"}`)); err == nil {
		t.Error("expected error for server error message")
	}
}

func TestSettingsFor_ClampsSpeed(t *testing.T) {
	tests := []struct {
		speed float64
		want  float64
	}{
		{0, 0},
		{0.5, 0.7},
		{1.0, 1.0},
		{1.5, 1.2},
	}
	for _, tt := range tests {
		if got := settingsFor(types.VoiceProfile{SpeedFactor: tt.speed}).Speed; got != tt.want {
			t.Errorf("settingsFor(%v).Speed = %v, want %v", tt.speed, got, tt.want)
		}
	}
}

func TestContentTypeFor(t *testing.T) {
	tests := map[string]string{
		"mp3_44100_128": "audio/mpeg",
		"ulaw_8000":     "audio/basic",
		"pcm_16000":     "audio/L16",
	}
	for in, want := range tests {
		if got := contentTypeFor(in); got != want {
			t.Errorf("contentTypeFor(%q) = %q, want %q", in, got, want)
		}
	}
}
