package stt

import (
	"time"

	"github.com/loqalabs/loqa-voice/internal/pcm"
)

type EventKind int

const (
	// EventSegment carries a finished stretch of speech to transcribe.
	EventSegment EventKind = iota
	// EventEndpoint marks the end of speech after a pause.
	EventEndpoint
	// EventAsleep marks a stretch with no speech at all.
	EventAsleep
)

type Event struct {
	Kind EventKind
	PCM  []byte
}

type EndpointConfig struct {
	SampleRate int
	// Threshold is the chunk RMS, in PCM16 units, counted as speech.
	Threshold  float64
	SegmentGap time.Duration
	Endpoint   time.Duration
	Asleep     time.Duration
}

// Endpointer segments a PCM16 stream by energy, measuring silence in audio
// time. It emits one endpoint or asleep event per stretch of silence.
type Endpointer struct {
	cfg        EndpointConfig
	segmentGap int
	endpoint   int
	asleep     int

	segment  []byte
	speaking bool
	heard    bool
	fired    bool
	silence  int
}

func NewEndpointer(cfg EndpointConfig) *Endpointer {
	return &Endpointer{
		cfg:        cfg,
		segmentGap: pcm.Samples(cfg.SegmentGap, cfg.SampleRate),
		endpoint:   pcm.Samples(cfg.Endpoint, cfg.SampleRate),
		asleep:     pcm.Samples(cfg.Asleep, cfg.SampleRate),
	}
}

// Feed consumes one chunk of PCM16 LE audio.
func (e *Endpointer) Feed(chunk []byte) []Event {
	samples := pcm.Decode(chunk)
	if len(samples) == 0 {
		return nil
	}

	if pcm.RMS(samples) >= e.cfg.Threshold {
		e.segment = append(e.segment, chunk...)
		e.speaking = true
		e.heard = true
		e.fired = false
		e.silence = 0
		return nil
	}

	var events []Event
	e.silence += len(samples)
	if e.speaking {
		e.segment = append(e.segment, chunk...)
		if e.silence >= e.segmentGap {
			events = append(events, Event{Kind: EventSegment, PCM: e.segment})
			e.segment = nil
			e.speaking = false
		}
	}
	if e.fired {
		return events
	}
	switch {
	case e.heard && e.silence >= e.endpoint:
		events = append(events, e.flush()...)
		events = append(events, Event{Kind: EventEndpoint})
		e.fired = true
		e.heard = false
	case !e.heard && e.silence >= e.asleep:
		events = append(events, Event{Kind: EventAsleep})
		e.fired = true
	}
	return events
}

// Flush returns any speech still buffered as a segment.
func (e *Endpointer) Flush() []Event {
	return e.flush()
}

func (e *Endpointer) flush() []Event {
	if len(e.segment) == 0 {
		return nil
	}
	seg := e.segment
	e.segment = nil
	e.speaking = false
	return []Event{{Kind: EventSegment, PCM: seg}}
}
