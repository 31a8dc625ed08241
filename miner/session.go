// Package miner holds the in-memory state for live tunnel sessions.
package miner

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// submitWindow bounds how far back submit timestamps count toward the
// hashrate estimate. Replies older than this are not treated as share
// outcomes either.
const submitWindow = 10 * time.Minute

// Session is one live client connection and its paired upstream
// connection. Counters are atomics so the two pumps can bump them
// without taking the session lock; everything else is guarded by mu.
type Session struct {
	IP       string
	Port     string
	PoolName string

	SharesAccepted  atomic.Int64
	SharesRejected  atomic.Int64
	BytesDownload   atomic.Int64
	BytesUpload     atomic.Int64
	PacketsSent     atomic.Int64
	PacketsReceived atomic.Int64

	ConnectedAt time.Time

	mu              sync.RWMutex
	wallet          string
	name            string
	jobID           string
	lastSeen        time.Time
	lastSubmit      time.Time
	submitTimes     []time.Time
	difficulty      float64
	currentHashrate float64
	averageHashrate float64
}

// NewSession creates session state for a freshly accepted connection.
// The miner is anonymous until its mining.authorize passes through.
func NewSession(ip, port, poolName string) *Session {
	now := time.Now()
	return &Session{
		IP:          ip,
		Port:        port,
		PoolName:    poolName,
		ConnectedAt: now,
		name:        "Unknown",
		difficulty:  1.0,
		lastSeen:    now,
	}
}

// Key returns the registry key for this session.
func (s *Session) Key() string {
	return s.IP + ":" + s.Port
}

// Touch marks activity on either direction of the session.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// Authorize records the username from mining.authorize. The wallet is
// the prefix before the first dot; the full username is kept for display.
func (s *Session) Authorize(username string) {
	wallet, _, _ := strings.Cut(username, ".")
	s.mu.Lock()
	s.wallet = wallet
	s.name = username
	s.mu.Unlock()
}

// RecordSubmit notes a mining.submit passing through, updating the job
// id (when present) and the timing state the correlator relies on.
func (s *Session) RecordSubmit(jobID string, at time.Time) {
	s.mu.Lock()
	if jobID != "" {
		s.jobID = jobID
	}
	s.lastSubmit = at
	s.submitTimes = append(s.submitTimes, at)
	s.mu.Unlock()
}

// SetJobID records a job assignment from mining.notify.
func (s *Session) SetJobID(jobID string) {
	s.mu.Lock()
	s.jobID = jobID
	s.mu.Unlock()
}

// SetDifficulty records the last difficulty the pool broadcast.
func (s *Session) SetDifficulty(diff float64) {
	s.mu.Lock()
	s.difficulty = diff
	s.mu.Unlock()
}

// PendingSubmit reports whether a reply arriving now should be treated
// as a share outcome, and if so how long ago the share was submitted.
// Authorize and subscribe acks also carry boolean results; requiring a
// recent submit keeps them out of the share counters.
func (s *Session) PendingSubmit(now time.Time) (time.Duration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastSubmit.IsZero() {
		return 0, false
	}
	elapsed := now.Sub(s.lastSubmit)
	if elapsed < 0 || elapsed > submitWindow {
		return 0, false
	}
	return elapsed, true
}

// RecalcHashrate re-estimates the hashrate after an accepted share.
// Only submits inside the window contribute; with fewer than two of
// them there is no span to divide by and the estimate drops to zero.
func (s *Session) RecalcHashrate(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-submitWindow)
	kept := s.submitTimes[:0]
	for _, t := range s.submitTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.submitTimes = kept

	if len(s.submitTimes) < 2 {
		s.currentHashrate = 0
		return
	}

	span := s.submitTimes[len(s.submitTimes)-1].Sub(s.submitTimes[0]).Seconds()
	if span > 0 {
		s.currentHashrate = float64(len(s.submitTimes)) / span * s.difficulty
	}

	if s.averageHashrate == 0 {
		s.averageHashrate = s.currentHashrate
	} else {
		s.averageHashrate = s.averageHashrate*0.9 + s.currentHashrate*0.1
	}
}

// Stats is a read-consistent copy of the mutable session fields.
type Stats struct {
	Wallet          string
	Name            string
	JobID           string
	LastSeen        time.Time
	LastSubmit      time.Time
	Difficulty      float64
	CurrentHashrate float64
	AverageHashrate float64
	SubmitsInWindow int
}

// Snapshot returns the locked fields in one read.
func (s *Session) Snapshot() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Wallet:          s.wallet,
		Name:            s.name,
		JobID:           s.jobID,
		LastSeen:        s.lastSeen,
		LastSubmit:      s.lastSubmit,
		Difficulty:      s.difficulty,
		CurrentHashrate: s.currentHashrate,
		AverageHashrate: s.averageHashrate,
		SubmitsInWindow: len(s.submitTimes),
	}
}

// FormatHashrate renders a hashrate for display, stepping through
// thousands-based units and trimming precision as the value grows.
func FormatHashrate(hashrate float64) string {
	if hashrate == 0 {
		return "0 H/s"
	}

	units := []string{"H/s", "KH/s", "MH/s", "GH/s", "TH/s", "PH/s"}
	value := hashrate
	unit := 0
	for value >= 1000 && unit < len(units)-1 {
		value /= 1000
		unit++
	}

	switch {
	case value >= 100:
		return fmt.Sprintf("%.0f %s", value, units[unit])
	case value >= 10:
		return fmt.Sprintf("%.1f %s", value, units[unit])
	default:
		return fmt.Sprintf("%.2f %s", value, units[unit])
	}
}
