package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/datagate/internal/domain"
)

// DefaultFoldTimeout bounds one overflow summarization call.
const DefaultFoldTimeout = 30 * time.Second

// InMemoryStore keeps sessions in process memory. History is lost on
// restart. Each session has its own lock; the map lock is only held for
// lookups and insertions. Overflow folding runs in the background and never
// holds a session lock while the model is called.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[domain.SessionKey]*session

	idleTTL     time.Duration
	maxStored   int
	folder      Folder
	foldTimeout time.Duration
	folds       sync.WaitGroup
	logger      *slog.Logger
	now         func() time.Time
}

type session struct {
	mu           sync.Mutex
	messages     []Message
	summary      string
	tokens       int
	created      time.Time
	lastActivity time.Time
	evicted      bool
	// summaryGen changes on every summary write; a fold started against an
	// older generation is discarded.
	summaryGen uint64
}

// InMemoryOption configures an InMemoryStore.
type InMemoryOption func(*InMemoryStore)

// WithFolder folds messages that overflow the stored log into the summary.
// Without one, overflow is discarded.
func WithFolder(f Folder) InMemoryOption {
	return func(s *InMemoryStore) { s.folder = f }
}

// WithFoldTimeout bounds each Fold call. Non-positive values keep the default.
func WithFoldTimeout(d time.Duration) InMemoryOption {
	return func(s *InMemoryStore) {
		if d > 0 {
			s.foldTimeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) InMemoryOption {
	return func(s *InMemoryStore) { s.now = now }
}

// NewInMemoryStore creates an empty store. idleTTL <= 0 disables eviction;
// maxStored <= 0 leaves the stored log unbounded.
func NewInMemoryStore(idleTTL time.Duration, maxStored int, logger *slog.Logger, opts ...InMemoryOption) *InMemoryStore {
	s := &InMemoryStore{
		sessions:    make(map[domain.SessionKey]*session),
		idleTTL:     idleTTL,
		maxStored:   maxStored,
		foldTimeout: DefaultFoldTimeout,
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemoryStore) expired(sess *session, now time.Time) bool {
	return s.idleTTL > 0 && now.Sub(sess.lastActivity) > s.idleTTL
}

// lookup returns the live session for key, or nil.
func (s *InMemoryStore) lookup(key domain.SessionKey) *session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[key]
}

// acquire returns the session for key locked, creating it when missing or
// expired. The caller must unlock it.
func (s *InMemoryStore) acquire(key domain.SessionKey) *session {
	for {
		sess := s.lookup(key)
		if sess == nil {
			s.mu.Lock()
			sess = s.sessions[key]
			if sess == nil {
				now := s.now()
				sess = &session{created: now, lastActivity: now}
				s.sessions[key] = sess
			}
			s.mu.Unlock()
		}

		sess.mu.Lock()
		if sess.evicted {
			sess.mu.Unlock()
			continue
		}
		if s.expired(sess, s.now()) {
			s.evictLocked(key, sess)
			sess.mu.Unlock()
			continue
		}
		return sess
	}
}

// view returns the live session for key locked, or nil when there is none.
// Expired sessions are evicted on the way.
func (s *InMemoryStore) view(key domain.SessionKey) *session {
	sess := s.lookup(key)
	if sess == nil {
		return nil
	}
	sess.mu.Lock()
	if sess.evicted {
		sess.mu.Unlock()
		return nil
	}
	if s.expired(sess, s.now()) {
		s.evictLocked(key, sess)
		sess.mu.Unlock()
		return nil
	}
	return sess
}

// evictLocked removes sess from the map. sess.mu must be held.
func (s *InMemoryStore) evictLocked(key domain.SessionKey, sess *session) {
	sess.evicted = true
	s.mu.Lock()
	if s.sessions[key] == sess {
		delete(s.sessions, key)
	}
	s.mu.Unlock()
}

func (s *InMemoryStore) Append(ctx context.Context, key domain.SessionKey, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	sess := s.acquire(key)

	now := s.now()
	for _, m := range msgs {
		m = m.clone()
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		sess.messages = append(sess.messages, m)
		sess.tokens += EstimateMessageTokens(m)
	}
	sess.lastActivity = now

	var dropped []Message
	if s.maxStored > 0 && len(sess.messages) > s.maxStored {
		overflow := len(sess.messages) - s.maxStored
		dropped = cloneMessages(sess.messages[:overflow])
		sess.tokens -= estimateAll(dropped)
		sess.messages = append([]Message(nil), sess.messages[overflow:]...)
	}
	base, gen := sess.summary, sess.summaryGen
	sess.mu.Unlock()

	if len(dropped) > 0 && s.folder != nil {
		s.folds.Add(1)
		go func() {
			defer s.folds.Done()
			s.fold(context.WithoutCancel(ctx), key, sess, base, gen, dropped)
		}()
	}
	return nil
}

// fold summarizes dropped into the session summary. The result is applied
// only if nothing else wrote the summary in the meantime.
func (s *InMemoryStore) fold(ctx context.Context, key domain.SessionKey, sess *session, base string, gen uint64, dropped []Message) {
	ctx, cancel := context.WithTimeout(ctx, s.foldTimeout)
	defer cancel()

	summary, err := s.folder.Fold(ctx, base, dropped)
	if err != nil {
		s.logger.WarnContext(ctx, "folding overflow into summary failed, keeping previous summary",
			slog.String("session", key.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.evicted || sess.summaryGen != gen {
		s.logger.DebugContext(ctx, "summary changed while folding, discarding fold",
			slog.String("session", key.String()),
			slog.Int("dropped", len(dropped)),
		)
		return
	}
	sess.summary = summary
	sess.summaryGen++
}

// Drain waits for in-flight overflow folds.
func (s *InMemoryStore) Drain() {
	s.folds.Wait()
}

func (s *InMemoryStore) History(_ context.Context, key domain.SessionKey, max int) ([]Message, error) {
	sess := s.view(key)
	if sess == nil {
		return []Message{}, nil
	}
	defer sess.mu.Unlock()

	hist := sess.messages
	if max > 0 && len(hist) > max {
		hist = hist[len(hist)-max:]
	}
	return cloneMessages(hist), nil
}

func (s *InMemoryStore) Summary(_ context.Context, key domain.SessionKey) (string, error) {
	sess := s.view(key)
	if sess == nil {
		return "", nil
	}
	defer sess.mu.Unlock()
	return sess.summary, nil
}

func (s *InMemoryStore) SetSummary(_ context.Context, key domain.SessionKey, summary string) error {
	sess := s.acquire(key)
	defer sess.mu.Unlock()
	sess.summary = summary
	sess.summaryGen++
	sess.lastActivity = s.now()
	return nil
}

func (s *InMemoryStore) Clear(_ context.Context, key domain.SessionKey) error {
	sess := s.lookup(key)
	if sess == nil {
		return nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if !sess.evicted {
		s.evictLocked(key, sess)
	}
	return nil
}

func (s *InMemoryStore) Stats(_ context.Context, key domain.SessionKey) (Stats, error) {
	sess := s.view(key)
	if sess == nil {
		return Stats{}, nil
	}
	defer sess.mu.Unlock()
	return Stats{
		MessageCount:     len(sess.messages),
		ApproxTokenCount: sess.tokens,
		SessionAgeMs:     s.now().Sub(sess.created).Milliseconds(),
		LastActivity:     sess.lastActivity,
	}, nil
}

// Sweep evicts every session idle for longer than the TTL and returns the
// number removed. Sessions busy with a request are skipped.
func (s *InMemoryStore) Sweep(now time.Time) int {
	if s.idleTTL <= 0 {
		return 0
	}
	s.mu.RLock()
	candidates := make(map[domain.SessionKey]*session, len(s.sessions))
	for k, sess := range s.sessions {
		candidates[k] = sess
	}
	s.mu.RUnlock()

	removed := 0
	for key, sess := range candidates {
		if !sess.mu.TryLock() {
			continue
		}
		if !sess.evicted && s.expired(sess, now) {
			s.evictLocked(key, sess)
			removed++
		}
		sess.mu.Unlock()
	}
	return removed
}

// Len returns the number of sessions currently held.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

var _ Store = (*InMemoryStore)(nil)
