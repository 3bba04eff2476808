// Package scanner tails the agent's on-disk session journals and feeds the
// converted events back into the hub. Journals live under
// $AGENT_HOME/sessions/YYYY/MM/DD/*.jsonl, one JSON envelope per line.
package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/happyhq/hub/internal/agent/events"
	"github.com/happyhq/hub/internal/common/logger"
	"go.uber.org/zap"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultStartWindow  = 2 * time.Minute
)

// Callbacks receive scanner output. All fields are optional.
type Callbacks struct {
	// OnEvent delivers one converted journal event for a matched file.
	OnEvent func(sessionID string, ev events.AgentEvent)

	// OnSessionFound announces the first observed session id.
	OnSessionFound func(sessionID string)

	// OnNewSession fires when a different session id appears in a matched
	// file; the scanner switches its active binding to it.
	OnNewSession func(sessionID string)

	// OnSessionMatchFailed fires when a file cannot be attributed to the
	// session under the configured filters.
	OnSessionMatchFailed func(path string)
}

// Options configure a scanner run.
type Options struct {
	// Root is the journals directory, typically {agent home}/sessions.
	Root string

	// ActiveSessionID restricts emission to files bound to this id.
	ActiveSessionID string

	// Cwd is required when no session id is known yet: only files whose
	// session_meta cwd matches are considered.
	Cwd string

	// StartedAt anchors the start window; zero means time.Now().
	StartedAt time.Time

	StartWindow  time.Duration
	PollInterval time.Duration
}

type fileState struct {
	offset    int64
	sessionID string
	firstSeen time.Time // mtime when the scanner first saw the file
	preexist  bool      // existed before the scanner started
	cwd       string
	rejected  bool
}

// Scanner tails journal files with a poll interval plus OS watch events.
type Scanner struct {
	opts      Options
	callbacks Callbacks
	logger    *logger.Logger

	mu     sync.Mutex
	files  map[string]*fileState
	active string
	found  bool

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a scanner; Start begins tailing.
func New(opts Options, callbacks Callbacks, log *logger.Logger) *Scanner {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.StartWindow <= 0 {
		opts.StartWindow = DefaultStartWindow
	}
	if opts.StartedAt.IsZero() {
		opts.StartedAt = time.Now()
	}
	return &Scanner{
		opts:      opts,
		callbacks: callbacks,
		logger:    log.WithFields(zap.String("component", "scanner")),
		files:     make(map[string]*fileState),
		active:    opts.ActiveSessionID,
		done:      make(chan struct{}),
	}
}

// Start snapshots existing files (their current contents are historical),
// installs watches and starts the poll loop.
func (s *Scanner) Start(ctx context.Context) error {
	s.snapshot()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("file watcher unavailable, polling only", zap.Error(err))
	} else {
		s.watcher = watcher
		s.watchDirs()
	}

	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
	return nil
}

// Stop terminates the scanner and releases the watcher.
func (s *Scanner) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

// SetActiveSession switches the binding filter to the given id.
func (s *Scanner) SetActiveSession(id string) {
	s.mu.Lock()
	s.active = id
	s.mu.Unlock()
}

func (s *Scanner) run(ctx context.Context) {
	defer close(s.done)
	defer func() {
		if s.watcher != nil {
			_ = s.watcher.Close()
		}
	}()

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	var watchCh chan fsnotify.Event
	if s.watcher != nil {
		watchCh = make(chan fsnotify.Event)
		go func() {
			for ev := range s.watcher.Events {
				select {
				case watchCh <- ev:
				case <-ctx.Done():
					return
				}
			}
		}()
		go func() {
			for err := range s.watcher.Errors {
				s.logger.Debug("watcher error", zap.Error(err))
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scan()
		case ev := <-watchCh:
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				s.scan()
				s.watchDirs()
			}
		}
	}
}

// snapshot records every existing journal with its size as the processed
// offset so pre-existing lines are never re-emitted.
func (s *Scanner) snapshot() {
	for _, path := range s.listJournals() {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		s.mu.Lock()
		s.files[path] = &fileState{
			offset:    info.Size(),
			firstSeen: info.ModTime(),
			preexist:  true,
		}
		s.mu.Unlock()
	}
}

func (s *Scanner) watchDirs() {
	if s.watcher == nil {
		return
	}
	_ = filepath.WalkDir(s.opts.Root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			_ = s.watcher.Add(path)
		}
		return nil
	})
}

// listJournals enumerates *.jsonl files sorted by mtime descending.
func (s *Scanner) listJournals() []string {
	type entry struct {
		path  string
		mtime time.Time
	}
	var found []entry
	_ = filepath.WalkDir(s.opts.Root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".jsonl") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		found = append(found, entry{path, info.ModTime()})
		return nil
	})
	sort.Slice(found, func(i, j int) bool { return found[i].mtime.After(found[j].mtime) })

	paths := make([]string, len(found))
	for i, e := range found {
		paths[i] = e.path
	}
	return paths
}

func (s *Scanner) scan() {
	for _, path := range s.listJournals() {
		s.scanFile(path)
	}
}

func (s *Scanner) scanFile(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}

	s.mu.Lock()
	state, known := s.files[path]
	if !known {
		state = &fileState{firstSeen: info.ModTime()}
		s.files[path] = state
	}
	offset := state.offset
	s.mu.Unlock()

	if info.Size() <= offset {
		return
	}

	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()
	if _, err := f.Seek(offset, 0); err != nil {
		return
	}

	buf := make([]byte, info.Size()-offset)
	n, _ := f.Read(buf)
	buf = buf[:n]

	// Only complete lines count as processed; a partial tail is retried
	// on the next scan.
	consumed := int64(0)
	for {
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			break
		}
		line := buf[:idx]
		buf = buf[idx+1:]
		consumed += int64(idx + 1)
		s.processLine(path, state, line)
	}

	s.mu.Lock()
	state.offset = offset + consumed
	s.mu.Unlock()
}

func (s *Scanner) processLine(path string, state *fileState, line []byte) {
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}
	envelope, ok := events.ParseJournalLine(line)
	if !ok {
		return
	}

	evs := events.ConvertJournal(envelope)

	if envelope.Type == "session_meta" {
		s.bindSessionMeta(path, state, envelope, evs)
		return
	}

	if !s.eligible(path, state) {
		return
	}

	s.mu.Lock()
	sessionID := state.sessionID
	if sessionID == "" {
		sessionID = s.active
	}
	s.mu.Unlock()

	for _, ev := range evs {
		if s.callbacks.OnEvent != nil {
			s.callbacks.OnEvent(sessionID, ev)
		}
	}
}

func (s *Scanner) bindSessionMeta(path string, state *fileState, envelope *events.JournalEnvelope, evs []events.AgentEvent) {
	var meta events.SessionMeta
	id := ""
	if err := unmarshalMeta(envelope, &meta); err == nil {
		id = meta.SessionID
		s.mu.Lock()
		state.cwd = meta.Cwd
		s.mu.Unlock()
	}
	if id == "" && len(evs) == 1 && evs[0].Type == events.TypeThreadStarted {
		id = evs[0].ThreadID
	}
	if id == "" {
		return
	}

	s.mu.Lock()
	prevBound := state.sessionID
	active := s.active
	firstFound := !s.found
	s.mu.Unlock()

	// Judge the file against the binding it had before this line; the new
	// id must not grant the file eligibility it did not already have.
	if !s.eligible(path, state) {
		return
	}

	s.mu.Lock()
	state.sessionID = id
	s.mu.Unlock()

	switch {
	case active == "":
		if firstFound {
			s.mu.Lock()
			s.active = id
			s.found = true
			s.mu.Unlock()
			if s.callbacks.OnSessionFound != nil {
				s.callbacks.OnSessionFound(id)
			}
		}
	case id != active && (prevBound == active || prevBound == ""):
		s.mu.Lock()
		s.active = id
		s.mu.Unlock()
		if s.callbacks.OnNewSession != nil {
			s.callbacks.OnNewSession(id)
		}
	}
}

// eligible decides whether a file's events may be emitted under the
// configured filters.
func (s *Scanner) eligible(path string, state *fileState) bool {
	s.mu.Lock()
	active := s.active
	bound := state.sessionID
	cwd := state.cwd
	firstSeen := state.firstSeen
	rejected := state.rejected
	s.mu.Unlock()

	if active != "" {
		return bound == active || strings.HasSuffix(path, "-"+active+".jsonl")
	}

	// No session id known: require a cwd match plus a start window around
	// the launcher's startup.
	if s.opts.Cwd == "" {
		s.reject(path, state, rejected)
		return false
	}
	if cwd != "" && cwd != s.opts.Cwd {
		return false
	}
	delta := firstSeen.Sub(s.opts.StartedAt)
	if delta < -s.opts.StartWindow || delta > s.opts.StartWindow {
		s.reject(path, state, rejected)
		return false
	}
	return true
}

func (s *Scanner) reject(path string, state *fileState, alreadyRejected bool) {
	if alreadyRejected {
		return
	}
	s.mu.Lock()
	state.rejected = true
	s.mu.Unlock()
	if s.callbacks.OnSessionMatchFailed != nil {
		s.callbacks.OnSessionMatchFailed(path)
	}
}

func unmarshalMeta(envelope *events.JournalEnvelope, meta *events.SessionMeta) error {
	return json.Unmarshal(envelope.Payload, meta)
}
