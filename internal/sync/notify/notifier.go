// Package notify tells sibling processes attached to the same data directory
// that something changed. Signals are small JSON files written to a shared
// directory and observed with fsnotify. A process never sees its own signals,
// and signals are removed shortly after being written so late joiners do not
// replay them.
package notify

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	apperrors "github.com/kimhsiao/incidentdesk/backend/internal/errors"
	"github.com/kimhsiao/incidentdesk/backend/internal/logging"
	"github.com/kimhsiao/incidentdesk/backend/internal/uuid"
)

const (
	signalExt  = ".json"
	tempPrefix = ".tmp-"
	// DefaultTTL is how long a signal file lives.
	DefaultTTL = 2 * time.Second
)

// Payload is the body of a signal.
type Payload struct {
	EntityID  string                 `json:"entityId,omitempty"`
	IDs       []string               `json:"ids,omitempty"`
	Timestamp int64                  `json:"timestamp"`
	Extra     map[string]interface{} `json:"extra,omitempty"`
}

// Message is a received signal.
type Message struct {
	Channel string  `json:"channel"`
	Origin  string  `json:"origin"`
	Payload Payload `json:"payload"`
	// WrittenAt is in Unix nanoseconds.
	WrittenAt int64 `json:"writtenAt"`
}

// Handler receives messages for a channel. Handlers run on the watcher
// goroutine and must not block.
type Handler func(Message)

// Options configures a Notifier.
type Options struct {
	// Origin identifies this process; generated when empty.
	Origin string
	TTL    time.Duration
	Now    func() time.Time
}

// Notifier broadcasts and receives cross-process signals.
type Notifier struct {
	dir    string
	origin string
	ttl    time.Duration
	now    func() time.Time

	watcher *fsnotify.Watcher

	mu     sync.RWMutex
	subs   map[string]map[uint64]Handler
	nextID uint64

	// seen collapses the create and write events of one file
	seen map[string]time.Time

	timerMu sync.Mutex
	timers  map[string]*time.Timer

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New opens the signal directory, sweeps stale signals, and starts watching.
func New(dir string, opts Options) (*Notifier, error) {
	if dir == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "signal directory is required")
	}
	if opts.Origin == "" {
		opts.Origin = uuid.New()
	}
	if strings.Contains(opts.Origin, ".") {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "origin %q must not contain '.'", opts.Origin)
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPersistence, "create signal directory", err)
	}

	n := &Notifier{
		dir:    dir,
		origin: opts.Origin,
		ttl:    opts.TTL,
		now:    opts.Now,
		subs:   make(map[string]map[uint64]Handler),
		seen:   make(map[string]time.Time),
		timers: make(map[string]*time.Timer),
		done:   make(chan struct{}),
	}
	n.sweep()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "create signal watcher", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, apperrors.Wrap(apperrors.ErrInternal, "watch signal directory", err)
	}
	n.watcher = watcher

	n.wg.Add(1)
	go n.processEvents()

	logging.Debug("Cross-context notifier started", map[string]interface{}{
		"dir":    dir,
		"origin": n.origin,
	})
	return n, nil
}

// Origin returns this notifier's origin id.
func (n *Notifier) Origin() string { return n.origin }

// Broadcast writes a signal on channel. Timestamp is filled in when zero.
func (n *Notifier) Broadcast(channel string, p Payload) error {
	if channel == "" {
		return apperrors.New(apperrors.ErrInvalid, "channel is required")
	}
	select {
	case <-n.done:
		return apperrors.New(apperrors.ErrInternal, "notifier closed")
	default:
	}

	now := n.now()
	if p.Timestamp == 0 {
		p.Timestamp = now.UnixMilli()
	}
	msg := Message{Channel: channel, Origin: n.origin, Payload: p, WrittenAt: now.UnixNano()}
	data, err := json.Marshal(msg)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "encode signal", err)
	}

	name := fmt.Sprintf("%s.%s.%d%s", sanitize(channel), n.origin, now.UnixNano(), signalExt)
	tmp, err := os.CreateTemp(n.dir, tempPrefix+"*")
	if err != nil {
		return apperrors.Wrap(apperrors.ErrPersistence, "write signal", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return apperrors.Wrap(apperrors.ErrPersistence, "write signal", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return apperrors.Wrap(apperrors.ErrPersistence, "write signal", err)
	}
	final := filepath.Join(n.dir, name)
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return apperrors.Wrap(apperrors.ErrPersistence, "publish signal", err)
	}

	n.expire(final)
	return nil
}

// expire removes path after the TTL.
func (n *Notifier) expire(path string) {
	n.timerMu.Lock()
	defer n.timerMu.Unlock()
	n.timers[path] = time.AfterFunc(n.ttl, func() {
		os.Remove(path)
		n.timerMu.Lock()
		delete(n.timers, path)
		n.timerMu.Unlock()
	})
}

// OnMessage subscribes fn to channel and returns the unsubscribe function.
func (n *Notifier) OnMessage(channel string, fn Handler) func() {
	n.mu.Lock()
	n.nextID++
	id := n.nextID
	if n.subs[channel] == nil {
		n.subs[channel] = make(map[uint64]Handler)
	}
	n.subs[channel][id] = fn
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			delete(n.subs[channel], id)
			if len(n.subs[channel]) == 0 {
				delete(n.subs, channel)
			}
		})
	}
}

// Close stops watching and removes this process's outstanding signals.
func (n *Notifier) Close() error {
	var err error
	n.closeOnce.Do(func() {
		close(n.done)
		err = n.watcher.Close()
		n.wg.Wait()

		n.timerMu.Lock()
		for path, t := range n.timers {
			t.Stop()
			os.Remove(path)
		}
		n.timers = make(map[string]*time.Timer)
		n.timerMu.Unlock()
	})
	return err
}

func (n *Notifier) processEvents() {
	defer n.wg.Done()
	for {
		select {
		case <-n.done:
			return
		case event, ok := <-n.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			n.handle(event.Name)
		case err, ok := <-n.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("Signal watcher error", map[string]interface{}{
				"dir":   n.dir,
				"error": err.Error(),
			})
		}
	}
}

func (n *Notifier) handle(path string) {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || !strings.HasSuffix(base, signalExt) {
		return
	}
	_, origin, _, ok := parseName(base)
	if !ok || origin == n.origin {
		return
	}
	if !n.markSeen(base) {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		// already expired by its writer
		return
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		logging.Warn("Ignoring malformed signal", map[string]interface{}{
			"file":  base,
			"error": err.Error(),
		})
		return
	}
	if msg.Origin == n.origin {
		return
	}
	if n.now().Sub(time.Unix(0, msg.WrittenAt)) > n.ttl {
		return
	}

	n.mu.RLock()
	handlers := make([]Handler, 0, len(n.subs[msg.Channel]))
	for _, h := range n.subs[msg.Channel] {
		handlers = append(handlers, h)
	}
	n.mu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
}

// markSeen reports whether base is new, pruning entries older than the TTL.
func (n *Notifier) markSeen(base string) bool {
	now := n.now()
	if _, dup := n.seen[base]; dup {
		return false
	}
	for k, at := range n.seen {
		if now.Sub(at) > 2*n.ttl {
			delete(n.seen, k)
		}
	}
	n.seen[base] = now
	return true
}

// sweep removes signals and temp files older than the TTL, left behind by
// processes that exited before expiring them.
func (n *Notifier) sweep() {
	entries, err := os.ReadDir(n.dir)
	if err != nil {
		return
	}
	now := n.now()
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		var written time.Time
		if _, _, nanos, ok := parseName(name); ok {
			written = time.Unix(0, nanos)
		} else if strings.HasPrefix(name, tempPrefix) {
			info, err := e.Info()
			if err != nil {
				continue
			}
			written = info.ModTime()
		} else {
			continue
		}
		if now.Sub(written) > n.ttl {
			if os.Remove(filepath.Join(n.dir, name)) == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		logging.Info("Swept stale signals", map[string]interface{}{
			"dir":     n.dir,
			"removed": removed,
		})
	}
}

// parseName splits "<channel>.<origin>.<nanos>.json".
func parseName(name string) (channel, origin string, nanos int64, ok bool) {
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, signalExt) {
		return "", "", 0, false
	}
	parts := strings.Split(strings.TrimSuffix(name, signalExt), ".")
	if len(parts) != 3 {
		return "", "", 0, false
	}
	nanos, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", "", 0, false
	}
	return parts[0], parts[1], nanos, true
}

// sanitize maps a channel key onto a file-name-safe token.
func sanitize(channel string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, channel)
}
