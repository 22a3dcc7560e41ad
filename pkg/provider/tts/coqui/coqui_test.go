package coqui

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/MrWong99/affirmcall/pkg/types"
)

// ---- test helpers ----

// buildTestWAV constructs a minimal but valid RIFF/WAVE byte slice containing the
// supplied raw PCM samples. It writes a standard 44-byte header (RIFF + fmt + data)
// so that parseWAV can correctly locate the audio payload.
func buildTestWAV(pcm []byte) []byte {
	// PCM WAV layout:
	//   RIFF chunk descriptor  (12 bytes)
	//   fmt  sub-chunk         (24 bytes: 8 header + 16 data)
	//   data sub-chunk         ( 8 bytes: 8 header + len(pcm) data)
	fmtSize := uint32(16)
	dataSize := uint32(len(pcm))
	fileSize := 4 + (8 + fmtSize) + (8 + dataSize) // WAVE + fmt chunk + data chunk

	buf := make([]byte, 0, 12+8+fmtSize+8+dataSize)
	le := binary.LittleEndian

	putU32 := func(v uint32) {
		var b [4]byte
		le.PutUint32(b[:], v)
		buf = append(buf, b[:]...)
	}
	putU16 := func(v uint16) {
		var b [2]byte
		le.PutUint16(b[:], v)
		buf = append(buf, b[:]...)
	}

	// RIFF chunk.
	buf = append(buf, []byte("RIFF")...)
	putU32(fileSize)
	buf = append(buf, []byte("WAVE")...)

	// fmt sub-chunk.
	buf = append(buf, []byte("fmt ")...)
	putU32(fmtSize)
	putU16(1)     // PCM format
	putU16(1)     // 1 channel (mono)
	putU32(16000) // sample rate
	putU32(32000) // byte rate = SampleRate * NumChannels * BitsPerSample/8
	putU16(2)     // block align
	putU16(16)    // bits per sample

	// data sub-chunk.
	buf = append(buf, []byte("data")...)
	putU32(dataSize)
	buf = append(buf, pcm...)

	return buf
}

func mustNew(t *testing.T, serverURL string, opts ...Option) *Provider {
	t.Helper()
	p, err := New(serverURL, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestNew(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty server URL")
	}
	p := mustNew(t, "http://localhost:5002/")
	if p.serverURL != "http://localhost:5002" {
		t.Errorf("serverURL = %q, want trailing slash trimmed", p.serverURL)
	}
	if p.apiMode != APIModeStandard {
		t.Errorf("apiMode = %q, want %q", p.apiMode, APIModeStandard)
	}
	if p.language != defaultLanguage {
		t.Errorf("language = %q, want %q", p.language, defaultLanguage)
	}
}

func TestSynthesize_StandardAPI(t *testing.T) {
	wav := buildTestWAV([]byte{1, 2, 3, 4})
	queries := make(chan url.Values, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != apiTTSEndpoint {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		queries <- r.URL.Query()
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(wav)
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL)
	clip, err := p.Synthesize(context.Background(), "I am capable.", types.VoiceProfile{ID: "p225"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if !bytes.Equal(clip.Data, wav) {
		t.Error("clip data does not match server WAV")
	}
	if clip.ContentType != "audio/wav" {
		t.Errorf("content type = %q, want audio/wav", clip.ContentType)
	}
	q := <-queries
	if got := q.Get("text"); got != "I am capable." {
		t.Errorf("text = %q, want %q", got, "I am capable.")
	}
	if got := q.Get("speaker_id"); got != "p225" {
		t.Errorf("speaker_id = %q, want p225", got)
	}
}

func TestSynthesize_XTTS(t *testing.T) {
	wav := buildTestWAV([]byte{9, 9})
	reqs := make(chan ttsRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != ttsEndpoint {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var got ttsRequest
		_ = json.NewDecoder(r.Body).Decode(&got)
		reqs <- got
		_, _ = w.Write(wav)
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL, WithAPIMode(APIModeXTTS), WithLanguage("de"))
	if _, err := p.Synthesize(context.Background(), "Hallo", types.VoiceProfile{ID: "speaker.wav"}); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	got := <-reqs
	if got.Text != "Hallo" || got.SpeakerWav != "speaker.wav" || got.Language != "de" {
		t.Errorf("request = %+v", got)
	}

	if _, err := p.Synthesize(context.Background(), "Hallo", types.VoiceProfile{}); err == nil {
		t.Error("expected error for empty voice ID in XTTS mode")
	}
}

func TestSynthesize_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL)
	if _, err := p.Synthesize(context.Background(), "hi", types.VoiceProfile{}); err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestSynthesize_InvalidWAV(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("definitely not audio"))
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL)
	if _, err := p.Synthesize(context.Background(), "hi", types.VoiceProfile{}); err == nil {
		t.Fatal("expected error for non-WAV response")
	}
}

func TestParseWAV(t *testing.T) {
	wav := buildTestWAV([]byte{1, 2})
	info, err := parseWAV(wav)
	if err != nil {
		t.Fatalf("parseWAV: %v", err)
	}
	if info.DataOffset != 44 {
		t.Errorf("DataOffset = %d, want 44", info.DataOffset)
	}
	if info.SampleRate != 16000 {
		t.Errorf("SampleRate = %d, want 16000", info.SampleRate)
	}
	if info.Channels != 1 {
		t.Errorf("Channels = %d, want 1", info.Channels)
	}

	for name, in := range map[string][]byte{
		"short":   []byte("RIFF"),
		"no riff": append([]byte("XXXX0000WAVE"), make([]byte, 8)...),
		"no wave": append([]byte("RIFF0000XXXX"), make([]byte, 8)...),
		"no data": buildHeaderOnly(),
	} {
		if _, err := parseWAV(in); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func buildHeaderOnly() []byte {
	b := []byte("RIFF\x00\x00\x00\x00WAVE")
	b = append(b, []byte("fmt ")...)
	b = binary.LittleEndian.AppendUint32(b, 16)
	return append(b, make([]byte, 16)...)
}
