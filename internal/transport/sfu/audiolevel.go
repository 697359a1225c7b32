package sfu

import (
	"sort"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// audioLevelURI is the RTP header extension carrying per-packet loudness.
const audioLevelURI = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"

const (
	// speakingLevel is the quietest level (in -dBov) that counts as
	// speech. 127 is silence.
	speakingLevel = 50
	speakerHold   = 500 * time.Millisecond
)

// audioLevel extracts the level from pkt. ok is false when the packet
// carries no audio level extension.
func audioLevel(pkt *rtp.Packet, extID uint8) (level uint8, voice bool, ok bool) {
	if extID == 0 {
		return 0, false, false
	}
	payload := pkt.GetExtension(extID)
	if len(payload) == 0 {
		return 0, false, false
	}
	var ext rtp.AudioLevelExtension
	if err := ext.Unmarshal(payload); err != nil {
		return 0, false, false
	}
	return ext.Level, ext.Voice, true
}

type speakerEntry struct {
	level     uint8
	lastHeard time.Time
}

// speakerTracker derives the active speaker set from observed audio
// levels. A participant stays active for speakerHold after their last
// loud packet.
type speakerTracker struct {
	mu      sync.Mutex
	entries map[string]*speakerEntry
	last    []string
}

func newSpeakerTracker() *speakerTracker {
	return &speakerTracker{entries: make(map[string]*speakerEntry)}
}

func (t *speakerTracker) Observe(identity string, level uint8, now time.Time) {
	if level > speakingLevel {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[identity]
	if !ok {
		e = &speakerEntry{}
		t.entries[identity] = e
	}
	e.level = level
	e.lastHeard = now
}

func (t *speakerTracker) Forget(identity string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, identity)
}

// Update returns the current speakers, loudest first, and whether the set
// differs from the previous call.
func (t *speakerTracker) Update(now time.Time) ([]string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	type active struct {
		identity string
		level    uint8
	}
	var cur []active
	for id, e := range t.entries {
		if now.Sub(e.lastHeard) > speakerHold {
			delete(t.entries, id)
			continue
		}
		cur = append(cur, active{id, e.level})
	}
	sort.Slice(cur, func(i, j int) bool {
		if cur[i].level != cur[j].level {
			return cur[i].level < cur[j].level
		}
		return cur[i].identity < cur[j].identity
	})

	ids := make([]string, len(cur))
	for i, a := range cur {
		ids[i] = a.identity
	}
	changed := !sameSet(ids, t.last)
	if changed {
		t.last = ids
	}
	return ids, changed
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]struct{}, len(a))
	for _, s := range a {
		seen[s] = struct{}{}
	}
	for _, s := range b {
		if _, ok := seen[s]; !ok {
			return false
		}
	}
	return true
}
