package stt

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/pcm"
)

func chunk(level float32, d time.Duration, rate int) []byte {
	samples := make([]float32, pcm.Samples(d, rate))
	for i := range samples {
		if i%2 == 0 {
			samples[i] = level
		} else {
			samples[i] = -level
		}
	}
	return pcm.Encode(samples)
}

func newTestEndpointer() *Endpointer {
	return NewEndpointer(EndpointConfig{
		SampleRate: 1000,
		Threshold:  500,
		SegmentGap: 300 * time.Millisecond,
		Endpoint:   1000 * time.Millisecond,
		Asleep:     5000 * time.Millisecond,
	})
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func TestEndpointerSegmentsThenEndpoints(t *testing.T) {
	e := newTestEndpointer()
	var got []Event
	got = append(got, e.Feed(chunk(0.5, 200*time.Millisecond, 1000))...)
	for i := 0; i < 12; i++ {
		got = append(got, e.Feed(chunk(0, 100*time.Millisecond, 1000))...)
	}
	k := kinds(got)
	if len(k) != 2 || k[0] != EventSegment || k[1] != EventEndpoint {
		t.Fatalf("unexpected events %v", k)
	}
	if len(got[0].PCM) == 0 {
		t.Fatal("segment must carry audio")
	}
}

func TestEndpointerAsleepOncePerStretch(t *testing.T) {
	e := newTestEndpointer()
	var got []Event
	for i := 0; i < 120; i++ {
		got = append(got, e.Feed(chunk(0, 100*time.Millisecond, 1000))...)
	}
	k := kinds(got)
	if len(k) != 1 || k[0] != EventAsleep {
		t.Fatalf("expected a single asleep event, got %v", k)
	}

	// Speech re-arms the endpointer.
	got = e.Feed(chunk(0.5, 100*time.Millisecond, 1000))
	for i := 0; i < 10; i++ {
		got = append(got, e.Feed(chunk(0, 100*time.Millisecond, 1000))...)
	}
	k = kinds(got)
	if len(k) != 2 || k[1] != EventEndpoint {
		t.Fatalf("expected segment and endpoint after speech, got %v", k)
	}
}

func TestMockRecognizer(t *testing.T) {
	r, err := New(configForMode("mock"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := r.Transcribe(context.Background(), Request{PCM: []byte{0, 0}, SampleRate: 16000, Language: "es-ES"})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != "[es-ES transcript length=2]" {
		t.Fatalf("unexpected text %q", res.Text)
	}
}

func TestBaseLanguage(t *testing.T) {
	for in, want := range map[string]string{"es-ES": "es", "en_US": "en", "fr": "fr", "": ""} {
		if got := baseLanguage(in); got != want {
			t.Fatalf("baseLanguage(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTempWavHeader(t *testing.T) {
	f, err := tempWav(Request{PCM: pcm.Encode([]float32{0.1, -0.1}), SampleRate: 16000})
	if err != nil {
		t.Fatalf("temp wav: %v", err)
	}
	defer f.Close()
	header := make([]byte, 4)
	if _, err := f.Read(header); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(header) != "RIFF" {
		t.Fatalf("expected RIFF header, got %q", header)
	}
}

func configForMode(mode string) config.STTConfig {
	return config.STTConfig{Mode: mode}
}

func TestExecRecognizerArgs(t *testing.T) {
	r, err := NewExecRecognizer(config.STTConfig{Command: "whisper-cli -m {model} -f {audio} -nt", ModelPath: "ggml-base.bin"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	got := strings.Join(r.(*execRecognizer).args("/tmp/a.wav", "es"), " ")
	if got != "whisper-cli -m ggml-base.bin -f /tmp/a.wav -nt --language es" {
		t.Fatalf("unexpected args %q", got)
	}
}

func TestParseTranscript(t *testing.T) {
	res, err := parseTranscript([]byte(`{"text":" Quiero ayuda ","confidence":0.8}`))
	if err != nil || res.Text != "Quiero ayuda" || res.Confidence != 0.8 {
		t.Fatalf("unexpected json result %+v %v", res, err)
	}
	res, err = parseTranscript([]byte("\n Quiero\n ayuda \n"))
	if err != nil || res.Text != "Quiero ayuda" {
		t.Fatalf("unexpected text result %+v %v", res, err)
	}
}

func TestExecRecognizerRunsCommand(t *testing.T) {
	r, err := NewExecRecognizer(config.STTConfig{Command: `sh -c 'echo "hola mundo"' {audio}`})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := r.Transcribe(context.Background(), Request{PCM: pcm.Encode([]float32{0.2, 0.2}), SampleRate: 16000, Language: "es-ES"})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != "hola mundo" {
		t.Fatalf("unexpected text %q", res.Text)
	}
}
