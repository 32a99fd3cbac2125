package session

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/RepGraphics/panel-sub000/pkg/types"
)

// Buffer capacities. Session state is ephemeral and rebuilt on reconnect, so
// these bound memory per server regardless of how long a session lives.
const (
	LogBufferSize    = 1000
	StatsHistorySize = 60
	EventHistorySize = 100
)

// BannerStatus describes the current install/transfer/restore overlay shown
// alongside the console.
type BannerStatus string

const (
	BannerNormal       BannerStatus = "normal"
	BannerInstalling   BannerStatus = "installing"
	BannerTransferring BannerStatus = "transferring"
	BannerRestoring    BannerStatus = "restoring"
	BannerError        BannerStatus = "error"
)

// Banner is the lifecycle overlay state. Progress is 0-100, or -1 when the
// operation reports no progress.
type Banner struct {
	Status   BannerStatus
	Message  string
	Progress int
}

// Stats is one normalized utilization sample from the daemon stream.
type Stats struct {
	MemoryBytes      int64            `json:"memory_bytes"`
	MemoryLimitBytes int64            `json:"memory_limit_bytes"`
	CPUAbsolute      float64          `json:"cpu_absolute"`
	DiskBytes        int64            `json:"disk_bytes"`
	Network          StatsNetwork     `json:"network"`
	Uptime           int64            `json:"uptime"`
	State            types.PowerState `json:"state"`
	At               time.Time        `json:"-"`
}

// StatsNetwork is the network counters block of a stats sample.
type StatsNetwork struct {
	RxBytes int64 `json:"rx_bytes"`
	TxBytes int64 `json:"tx_bytes"`
}

// EventRecord is one entry in the rolling recent-event buffer.
type EventRecord struct {
	Event  string
	Detail string
	At     time.Time
}

// ring is a fixed-capacity FIFO buffer. Oldest entries are overwritten once
// the capacity is reached.
type ring[T any] struct {
	buf  []T
	head int
	n    int
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	if r.n < len(r.buf) {
		r.buf[(r.head+r.n)%len(r.buf)] = v
		r.n++
		return
	}
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
}

// items returns the buffered values oldest-first.
func (r *ring[T]) items() []T {
	out := make([]T, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

func (r *ring[T]) len() int { return r.n }

// daemon console branding that gets rewritten before lines reach a client
var (
	promptRe = regexp.MustCompile(`^container@[^\s]+\s*~`)
	brandRe  = regexp.MustCompile(`\[(?:Daemon|Wings)\]`)
)

// State is the observable, in-memory view of one server's session: bounded
// log/stats/event history, the lifecycle banner, and the last reported power
// state. Never persisted.
type State struct {
	mu    sync.RWMutex
	brand string

	powerState types.PowerState
	logs       *ring[string]
	stats      *ring[Stats]
	events     *ring[EventRecord]
	banner     Banner
}

// NewState creates empty session state. brand replaces the daemon's console
// branding on decorated lines.
func NewState(brand string) *State {
	if brand == "" {
		brand = "panel"
	}
	return &State{
		brand:  brand,
		logs:   newRing[string](LogBufferSize),
		stats:  newRing[Stats](StatsHistorySize),
		events: newRing[EventRecord](EventHistorySize),
		banner: Banner{Status: BannerNormal, Progress: -1},
	}
}

// decorate rewrites daemon prompt/branding in a console line.
func (s *State) decorate(line string) string {
	line = promptRe.ReplaceAllString(line, "container@"+s.brand+"~")
	line = brandRe.ReplaceAllString(line, "["+s.brand+"]")
	return line
}

// AppendConsole decorates and appends one console line.
func (s *State) AppendConsole(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs.push(s.decorate(line))
}

// SetPowerState records the daemon-reported power state. When it changes, a
// synthetic console line is appended so the transition shows in the log.
func (s *State) SetPowerState(ps types.PowerState) (changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ps == "" || ps == s.powerState {
		return false
	}
	s.powerState = ps
	s.logs.push(s.decorate(fmt.Sprintf("[%s] server marked as %s", s.brand, ps)))
	return true
}

// PowerState returns the last daemon-reported power state.
func (s *State) PowerState() types.PowerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.powerState
}

// PushStats appends one stats sample to the rolling history.
func (s *State) PushStats(sample Stats) {
	if sample.At.IsZero() {
		sample.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.push(sample)
}

// RecordEvent appends one entry to the recent-event buffer.
func (s *State) RecordEvent(event, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events.push(EventRecord{Event: event, Detail: detail, At: time.Now()})
}

// SetBanner replaces the lifecycle banner.
func (s *State) SetBanner(status BannerStatus, message string, progress int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.banner = Banner{Status: status, Message: message, Progress: progress}
}

// Banner returns the current lifecycle banner.
func (s *State) Banner() Banner {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.banner
}

// Logs returns the buffered console lines oldest-first.
func (s *State) Logs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logs.items()
}

// StatsHistory returns the buffered stats samples oldest-first.
func (s *State) StatsHistory() []Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats.items()
}

// Events returns the recent-event buffer oldest-first.
func (s *State) Events() []EventRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.events.items()
}
