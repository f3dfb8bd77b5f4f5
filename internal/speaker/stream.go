package speaker

import "sync"

// softLimit is the buffered length past which a space also ends a clause.
const softLimit = 200

// Stream splits incrementally arriving text into clauses and queues each one
// on the speaker as soon as it is complete.
type Stream struct {
	speaker    *Speaker
	epoch      uint64
	onComplete func()

	mu      sync.Mutex
	buf     []rune
	flushed bool
	ended   bool
}

// SpeakStream opens a stream. onStreamComplete runs once the final clause has
// played. A ShutUp after this call stops the stream for good.
func (s *Speaker) SpeakStream(onStreamComplete func()) *Stream {
	return &Stream{
		speaker:    s,
		epoch:      s.currentEpoch(),
		onComplete: onStreamComplete,
	}
}

// Fragment appends text. At most one clause is emitted per fragment, ending
// at the first '.', '?' or '!', or at the first space once the buffer plus
// the fragment offset passes softLimit.
func (st *Stream) Fragment(text string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.ended {
		return
	}

	runes := []rune(text)
	for i, ch := range runes {
		if !isBoundary(ch) && !(len(st.buf)+i > softLimit && ch == ' ') {
			continue
		}
		clause := make([]rune, 0, len(st.buf)+i+1)
		clause = append(clause, st.buf...)
		clause = append(clause, runes[:i+1]...)
		st.buf = append([]rune(nil), runes[i+1:]...)

		join := st.flushed
		st.flushed = true
		if !st.speaker.stopped(st.epoch) {
			st.speaker.Speak(string(clause), join, nil)
		}
		return
	}
	st.buf = append(st.buf, runes...)
}

// End flushes whatever is buffered, even nothing, and attaches the stream
// completion to it. A stopped stream ends silently.
func (st *Stream) End() {
	st.mu.Lock()
	if st.ended {
		st.mu.Unlock()
		return
	}
	st.ended = true
	rest := string(st.buf)
	st.buf = nil
	join := st.flushed
	st.mu.Unlock()

	if st.speaker.stopped(st.epoch) {
		return
	}
	st.speaker.Speak(rest, join, st.onComplete)
}

// Stopped reports whether the speaker was shut up since the stream opened.
func (st *Stream) Stopped() bool {
	return st.speaker.stopped(st.epoch)
}

// Pending returns the text buffered but not yet spoken.
func (st *Stream) Pending() string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return string(st.buf)
}

func isBoundary(ch rune) bool {
	return ch == '.' || ch == '?' || ch == '!'
}
