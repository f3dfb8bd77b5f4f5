package orchestrator

import "sync"

type eventKind int

const (
	cmdStart eventKind = iota
	cmdStop
	evSpeechDone
	evTranscript
	evTimeout
	evReplyFragment
	evReplyDone
	evFailure
	evTurnTimeout
)

var eventNames = [...]string{
	cmdStart:        "start",
	cmdStop:         "stop",
	evSpeechDone:    "speech_done",
	evTranscript:    "transcript",
	evTimeout:       "timeout",
	evReplyFragment: "reply_fragment",
	evReplyDone:     "reply_done",
	evFailure:       "failure",
	evTurnTimeout:   "turn_timeout",
}

func (k eventKind) String() string {
	if int(k) < len(eventNames) {
		return eventNames[k]
	}
	return "unknown"
}

type event struct {
	kind        eventKind
	gen         uint64
	text        string
	asleep      bool
	err         error
	fromSpeaker bool
	reply       chan error
}

// mailbox is an unbounded FIFO. post never blocks.
type mailbox struct {
	mu    sync.Mutex
	items []event
	wake  chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{wake: make(chan struct{}, 1)}
}

func (m *mailbox) post(ev event) {
	m.mu.Lock()
	m.items = append(m.items, ev)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) take() []event {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}
