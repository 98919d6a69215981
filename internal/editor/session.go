// Package editor coordinates the rich and source views of one document for
// one editing client.
//
// The rich view edits canonical content directly. The source view edits a
// local Markdown buffer that is converted and written back after a short
// debounce. A Session keeps the two consistent with the canonical content
// held by the realtime hub without echo loops and without writing content
// that did not change.
package editor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"inkwell/api/internal/logging"
	"inkwell/api/internal/metrics"
	"inkwell/api/internal/realtime"
)

type Mode string

const (
	ModeRich   Mode = "rich"
	ModeSource Mode = "source"
)

const (
	DefaultDebounce  = 80 * time.Millisecond
	DefaultNoticeTTL = 3 * time.Second
)

var (
	ErrSessionClosed = errors.New("editor session closed")
	ErrNotSourceMode = errors.New("source edits require source mode")
	ErrUnknownMode   = errors.New("unknown editor mode")
)

// Converter translates between the canonical rich form and source text.
type Converter interface {
	RichToSource(rich string) (string, error)
	SourceToRich(source string) (string, error)
}

// Canonical is the shared owner of a document's canonical content.
type Canonical interface {
	Content(ctx context.Context, documentID string) (string, error)
	Replace(ctx context.Context, documentID, content, origin string) error
	Subscribe(documentID string, fn func(realtime.Change)) func()
}

type Options struct {
	// ID identifies this session as the origin of its writes.
	ID         string
	Debounce   time.Duration
	NoticeTTL  time.Duration
	Scheduler  Scheduler
	Now        func() time.Time
	Equivalent func(a, b string) bool
	// Listener receives state and notice events. It is called without the
	// session lock held and may call back into the session.
	Listener func(Event)
	Logger   *zap.Logger
}

// Session is the view state of one client editing one document.
type Session struct {
	id         string
	documentID string
	conv       Converter
	canonical  Canonical
	equivalent func(a, b string) bool
	debounce   time.Duration
	noticeTTL  time.Duration
	scheduler  Scheduler
	now        func() time.Time
	listener   func(Event)
	logger     *zap.Logger

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()

	// writeMu is held for the whole convert-and-write of a flush or toggle,
	// so at most one conversion is in flight.
	writeMu sync.Mutex

	mu            sync.Mutex
	mode          Mode
	buffer        string
	baseline      string
	applying      bool
	inflight      string
	remoteWhileIO bool
	generation    uint64
	timer         Timer
	notices       []Notice
	closed        bool
}

// New opens a session in rich mode and subscribes it to canonical changes.
func New(documentID string, conv Converter, canonical Canonical, opts Options) *Session {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.NoticeTTL <= 0 {
		opts.NoticeTTL = DefaultNoticeTTL
	}
	if opts.Scheduler == nil {
		opts.Scheduler = realScheduler{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Equivalent == nil {
		opts.Equivalent = func(a, b string) bool { return a == b }
	}
	if opts.Logger == nil {
		opts.Logger = logging.L()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:         opts.ID,
		documentID: documentID,
		conv:       conv,
		canonical:  canonical,
		equivalent: opts.Equivalent,
		debounce:   opts.Debounce,
		noticeTTL:  opts.NoticeTTL,
		scheduler:  opts.Scheduler,
		now:        opts.Now,
		listener:   opts.Listener,
		logger:     opts.Logger.With(zap.String("document_id", documentID), zap.String("session_id", opts.ID)),
		ctx:        ctx,
		cancel:     cancel,
		mode:       ModeRich,
	}
	s.unsubscribe = canonical.Subscribe(documentID, s.onCanonicalChange)
	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Source returns the source buffer. It is empty in rich mode.
func (s *Session) Source() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer
}

// Snapshot returns the current view state.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// Toggle switches to mode. Switching to the current mode does nothing. A
// conversion failure leaves the session in its current mode with a notice.
func (s *Session) Toggle(ctx context.Context, mode Mode) error {
	switch mode {
	case ModeSource:
		return s.toSource(ctx)
	case ModeRich:
		return s.toRich(ctx)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
}

func (s *Session) toSource(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.mode == ModeSource {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	content, err := s.canonical.Content(ctx, s.documentID)
	if err != nil {
		return fmt.Errorf("load canonical content: %w", err)
	}
	source, err := s.conv.RichToSource(content)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if err != nil {
		events := s.noticeLocked(NoticeError, "Could not open the source view: "+err.Error(), "")
		s.mu.Unlock()
		s.emit(events)
		return fmt.Errorf("convert to source: %w", err)
	}
	s.mode = ModeSource
	s.buffer = source
	s.baseline = source
	s.generation++
	events := []Event{s.stateEventLocked()}
	s.mu.Unlock()
	s.emit(events)
	return nil
}

func (s *Session) toRich(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.mode == ModeRich {
		s.mu.Unlock()
		return nil
	}
	s.stopTimerLocked()
	s.generation++

	if s.buffer == s.baseline {
		s.enterRichLocked()
		events := []Event{s.stateEventLocked()}
		s.mu.Unlock()
		s.emit(events)
		return nil
	}

	snapshot := s.buffer
	rich, err := s.conv.SourceToRich(snapshot)
	if err != nil {
		events := s.noticeLocked(NoticeError, "Could not apply the source view: "+err.Error(), "")
		s.mu.Unlock()
		s.emit(events)
		return fmt.Errorf("convert to rich: %w", err)
	}
	s.mu.Unlock()

	if _, err := s.write(ctx, snapshot, rich); err != nil {
		s.mu.Lock()
		events := s.noticeLocked(NoticeError, "Could not save the source view: "+err.Error(), "")
		s.mu.Unlock()
		s.emit(events)
		return err
	}

	s.mu.Lock()
	s.enterRichLocked()
	events := []Event{s.stateEventLocked()}
	s.mu.Unlock()
	s.emit(events)
	return nil
}

func (s *Session) enterRichLocked() {
	s.mode = ModeRich
	s.buffer = ""
	s.baseline = ""
}

// Edit replaces the source buffer and schedules a flush. A newer edit
// replaces any flush still pending.
func (s *Session) Edit(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.mode != ModeSource {
		return ErrNotSourceMode
	}
	s.buffer = text
	s.generation++
	s.scheduleLocked(s.generation)
	return nil
}

// Close stops the session. Later calls return ErrSessionClosed and timers
// that still fire do nothing.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.stopTimerLocked()
	s.mu.Unlock()

	s.unsubscribe()
	s.cancel()
	return nil
}

func (s *Session) scheduleLocked(generation uint64) {
	s.stopTimerLocked()
	s.timer = s.scheduler.AfterFunc(s.debounce, func() { s.flush(generation) })
}

func (s *Session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// flush writes the buffer as it was at generation. A newer generation
// means a later edit owns the write.
func (s *Session) flush(generation uint64) {
	if !s.writeMu.TryLock() {
		s.mu.Lock()
		if !s.closed && s.generation == generation {
			s.scheduleLocked(generation)
		}
		s.mu.Unlock()
		return
	}
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.closed || s.generation != generation || s.mode != ModeSource {
		s.mu.Unlock()
		metrics.RecordFlush(metrics.FlushStale)
		return
	}
	s.timer = nil
	snapshot := s.buffer
	rich, err := s.conv.SourceToRich(snapshot)
	if err != nil {
		events := s.noticeLocked(NoticeError, "Source could not be converted; the document was not changed: "+err.Error(), "")
		s.mu.Unlock()
		metrics.RecordFlush(metrics.FlushFailed)
		s.logger.Debug("source conversion failed", zap.Error(err))
		s.emit(events)
		return
	}
	s.mu.Unlock()

	written, err := s.write(s.ctx, snapshot, rich)
	switch {
	case err != nil:
		metrics.RecordFlush(metrics.FlushFailed)
		s.logger.Warn("write source view", zap.Error(err))
		s.mu.Lock()
		events := s.noticeLocked(NoticeError, "Could not save the source view: "+err.Error(), "")
		s.mu.Unlock()
		s.emit(events)
	case written:
		metrics.RecordFlush(metrics.FlushWritten)
	default:
		metrics.RecordFlush(metrics.FlushSkipped)
	}
}

// write stores rich as canonical content unless it is equivalent to what is
// already there, then records snapshot as the synced source. Callers hold
// writeMu and not mu.
func (s *Session) write(ctx context.Context, snapshot, rich string) (bool, error) {
	current, err := s.canonical.Content(ctx, s.documentID)
	if err != nil {
		return false, fmt.Errorf("load canonical content: %w", err)
	}

	if s.equivalent(rich, current) {
		s.mu.Lock()
		if !s.closed {
			s.baseline = snapshot
		}
		s.mu.Unlock()
		return false, nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, ErrSessionClosed
	}
	s.applying = true
	s.inflight = rich
	s.remoteWhileIO = false
	s.mu.Unlock()

	err = s.canonical.Replace(ctx, s.documentID, rich, s.id)

	s.mu.Lock()
	s.applying = false
	s.inflight = ""
	remote := s.remoteWhileIO
	s.remoteWhileIO = false
	if err != nil {
		s.mu.Unlock()
		return false, fmt.Errorf("replace canonical content: %w", err)
	}
	s.baseline = snapshot
	s.mu.Unlock()

	if remote {
		s.resolveConflict(ctx, rich)
	}
	return true, nil
}

// resolveConflict runs after a write during which someone else changed the
// document. The hub's content wins; unsynced local text is handed back in a
// conflict notice.
func (s *Session) resolveConflict(ctx context.Context, written string) {
	current, err := s.canonical.Content(ctx, s.documentID)
	if err != nil {
		s.logger.Warn("reload canonical content after conflict", zap.Error(err))
		return
	}
	if s.equivalent(current, written) {
		return
	}
	source, err := s.conv.RichToSource(current)

	s.mu.Lock()
	if s.closed || s.mode != ModeSource {
		s.mu.Unlock()
		return
	}
	if err != nil {
		events := s.noticeLocked(NoticeError, "Could not show a remote change: "+err.Error(), "")
		s.mu.Unlock()
		s.emit(events)
		return
	}
	discarded := s.buffer
	s.stopTimerLocked()
	s.generation++
	s.buffer = source
	s.baseline = source
	events := s.noticeLocked(NoticeConflict, "The document changed while your edit was being saved. Your text was replaced with the latest version.", discarded)
	events = append(events, s.stateEventLocked())
	s.mu.Unlock()
	s.emit(events)
}

func (s *Session) onCanonicalChange(change realtime.Change) {
	s.mu.Lock()
	if s.closed || s.mode != ModeSource {
		s.mu.Unlock()
		return
	}
	if change.Origin != "" && change.Origin == s.id {
		s.mu.Unlock()
		return
	}
	if s.applying {
		if change.Content != s.inflight {
			s.remoteWhileIO = true
		}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	source, err := s.conv.RichToSource(change.Content)

	s.mu.Lock()
	if s.closed || s.mode != ModeSource {
		s.mu.Unlock()
		return
	}
	if s.applying {
		s.remoteWhileIO = true
		s.mu.Unlock()
		return
	}
	if err != nil {
		events := s.noticeLocked(NoticeError, "Could not show a remote change: "+err.Error(), "")
		s.mu.Unlock()
		s.emit(events)
		return
	}
	var events []Event
	if s.buffer != s.baseline && s.buffer != source {
		events = s.noticeLocked(NoticeConflict, "The document was changed elsewhere. Your unsaved text was replaced with the latest version.", s.buffer)
	}
	s.stopTimerLocked()
	s.generation++
	s.buffer = source
	s.baseline = source
	events = append(events, s.stateEventLocked())
	s.mu.Unlock()
	s.emit(events)
}

func (s *Session) emit(events []Event) {
	if s.listener == nil {
		return
	}
	for _, event := range events {
		s.listener(event)
	}
}
