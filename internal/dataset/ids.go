package dataset

import (
	"strings"
	"unicode"
)

const (
	bidsSubjectPrefix = "sub-"
	bidsSessionPrefix = "ses-"
)

// BIDSParticipantID converts a manifest participant id into a BIDS subject
// label. BIDS labels may only contain letters and digits, so everything else
// is dropped: "MNI_01" becomes "sub-MNI01".
func BIDSParticipantID(participantID string) string {
	trimmed := strings.TrimPrefix(strings.TrimSpace(participantID), bidsSubjectPrefix)
	var b strings.Builder
	b.Grow(len(bidsSubjectPrefix) + len(trimmed))
	b.WriteString(bidsSubjectPrefix)
	for _, r := range trimmed {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ParticipantLabel returns the BIDS subject label without its prefix.
func ParticipantLabel(participantID string) string {
	return strings.TrimPrefix(BIDSParticipantID(participantID), bidsSubjectPrefix)
}

// NormalizeSession strips an optional "ses-" prefix so "ses-01" and "01"
// refer to the same session.
func NormalizeSession(sessionID string) string {
	return strings.TrimPrefix(strings.TrimSpace(sessionID), bidsSessionPrefix)
}

// BIDSSessionID returns the BIDS session label for sessionID.
func BIDSSessionID(sessionID string) string {
	normalized := NormalizeSession(sessionID)
	if normalized == "" {
		return ""
	}
	return bidsSessionPrefix + normalized
}
