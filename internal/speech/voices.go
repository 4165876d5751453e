package speech

import (
	"bufio"
	"regexp"
	"strings"
)

// VoiceQuery selects a local voice whose name contains every term. An empty
// query selects the first available voice.
type VoiceQuery struct {
	Terms []string
}

// MapVoice maps a remote voice identifier to a best-effort local voice query.
// The mapping is lossy by nature; unknown identifiers yield an empty query.
func MapVoice(id string) VoiceQuery {
	switch strings.ToLower(strings.TrimSpace(id)) {
	case "alloy":
		return VoiceQuery{Terms: []string{"Google", "Female"}}
	case "echo":
		return VoiceQuery{Terms: []string{"Google", "Male"}}
	case "fable":
		return VoiceQuery{Terms: []string{"US Female"}}
	case "onyx":
		return VoiceQuery{Terms: []string{"US Male"}}
	case "nova", "shimmer":
		return VoiceQuery{Terms: []string{"Female"}}
	default:
		return VoiceQuery{}
	}
}

// Matches reports whether name contains every term, ignoring case.
func (q VoiceQuery) Matches(name string) bool {
	lower := strings.ToLower(name)
	for _, term := range q.Terms {
		if !strings.Contains(lower, strings.ToLower(term)) {
			return false
		}
	}
	return true
}

// SelectVoice returns the first voice matching q, falling back to the first
// voice. It returns "" only when voices is empty.
func SelectVoice(voices []string, q VoiceQuery) string {
	if len(voices) == 0 {
		return ""
	}
	if len(q.Terms) > 0 {
		for _, v := range voices {
			if q.Matches(v) {
				return v
			}
		}
	}
	return voices[0]
}

var sayVoiceLine = regexp.MustCompile(`^(.+?)\s+[a-z]{2,3}[_-][A-Za-z0-9]+\s+#`)

// parseSayVoices parses `say -v ?` output.
func parseSayVoices(out string) []string {
	var voices []string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		m := sayVoiceLine.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		voices = append(voices, strings.TrimSpace(m[1]))
	}
	return voices
}

// parseESpeakVoices parses `espeak-ng --voices` output, returning the
// VoiceName column.
func parseESpeakVoices(out string) []string {
	var voices []string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 || fields[0] == "Pty" {
			continue
		}
		voices = append(voices, fields[3])
	}
	return voices
}
