package decode

import (
	"maps"
	"strings"
	"sync"
)

// DefaultGain is the ADS1299 power-on PGA gain.
const DefaultGain = 24.0

// gainByCode maps the gain digit of a channel setting command to the PGA gain.
var gainByCode = map[byte]float64{
	'0': 1, '1': 2, '2': 4, '3': 6, '4': 8, '5': 12, '6': 24,
}

// channelByCode maps the channel character of a channel setting command to
// its zero-based EXG channel.
var channelByCode = map[byte]int{
	'1': 0, '2': 1, '3': 2, '4': 3, '5': 4, '6': 5, '7': 6, '8': 7,
	'Q': 8, 'W': 9, 'E': 10, 'R': 11, 'T': 12, 'Y': 13, 'U': 14, 'I': 15,
}

// channelSettingLen is the length of "x<ch><pd><gain><in><bias><srb2><srb1>X".
const channelSettingLen = 9

// GainSnapshot is the gain table before an Apply.
type GainSnapshot map[int]float64

// GainTracker follows the per-channel PGA gain set by configuration commands.
// The acquisition goroutine reads it while Config writes it.
type GainTracker struct {
	mu       sync.RWMutex
	channels int
	gains    map[int]float64
}

// NewGainTracker tracks channels channels at DefaultGain.
func NewGainTracker(channels int) *GainTracker {
	gt := &GainTracker{channels: channels, gains: make(map[int]float64, channels)}
	gt.resetLocked()
	return gt
}

func (gt *GainTracker) resetLocked() {
	for ch := range gt.channels {
		gt.gains[ch] = DefaultGain
	}
}

// Gain returns the current gain of channel ch.
func (gt *GainTracker) Gain(ch int) float64 {
	gt.mu.RLock()
	defer gt.mu.RUnlock()
	if g, ok := gt.gains[ch]; ok {
		return g
	}
	return DefaultGain
}

// Scales fills dst with the microvolt scale of the first len(dst) channels
// starting at first, under one lock.
func (gt *GainTracker) Scales(dst []float64, first int) {
	gt.mu.RLock()
	defer gt.mu.RUnlock()
	for i := range dst {
		g, ok := gt.gains[first+i]
		if !ok {
			g = DefaultGain
		}
		dst[i] = ADS1299Scale(g)
	}
}

// Apply updates the table from every channel setting and reset in cmd and
// returns the previous table. changed is false when cmd touches no gain.
func (gt *GainTracker) Apply(cmd string) (prev GainSnapshot, changed bool) {
	gt.mu.Lock()
	defer gt.mu.Unlock()

	prev = maps.Clone(gt.gains)
	for i := 0; i < len(cmd); i++ {
		switch cmd[i] {
		case 'd':
			gt.resetLocked()
			changed = true
		case 'x':
			if i+channelSettingLen > len(cmd) || cmd[i+channelSettingLen-1] != 'X' {
				continue
			}
			ch, okCh := channelByCode[cmd[i+1]]
			gain, okGain := gainByCode[cmd[i+3]]
			if okCh && okGain && ch < gt.channels {
				gt.gains[ch] = gain
				changed = true
			}
			i += channelSettingLen - 1
		}
	}
	return prev, changed
}

// Revert restores a table returned by Apply.
func (gt *GainTracker) Revert(prev GainSnapshot) {
	gt.mu.Lock()
	defer gt.mu.Unlock()
	gt.gains = maps.Clone(prev)
}

// IsChannelSetting reports whether cmd contains a gain-relevant command.
func IsChannelSetting(cmd string) bool {
	return strings.ContainsAny(cmd, "xd")
}
