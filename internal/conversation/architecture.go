package conversation

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Architecture identifies which runner protocol and transcript format a
// session uses. It is immutable for the lifetime of a session and selects the
// transcript converter branch.
type Architecture string

const (
	// ArchitectureClaude is the SDK-style architecture: UUID session IDs and
	// per-thread line-delimited JSON transcripts.
	ArchitectureClaude Architecture = "claude"

	// ArchitectureOpenCode is the part-based architecture: ses_-prefixed
	// session IDs and a single JSON export document per transcript.
	ArchitectureOpenCode Architecture = "opencode"
)

// Valid reports whether the architecture tag is known.
func (a Architecture) Valid() bool {
	return a == ArchitectureClaude || a == ArchitectureOpenCode
}

// ParseArchitecture validates an architecture tag.
func ParseArchitecture(s string) (Architecture, error) {
	a := Architecture(s)
	if !a.Valid() {
		return "", fmt.Errorf("unknown architecture %q", s)
	}
	return a, nil
}

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewSessionID generates a session identifier in the lexical form required by
// the architecture: a UUID for claude, ses_<12-hex-ms>_<11-base36> for
// opencode.
func NewSessionID(arch Architecture) string {
	switch arch {
	case ArchitectureOpenCode:
		ms := time.Now().UnixMilli()
		hex := strconv.FormatInt(ms, 16)
		if len(hex) < 12 {
			hex = strings.Repeat("0", 12-len(hex)) + hex
		}
		var sb strings.Builder
		for i := 0; i < 11; i++ {
			sb.WriteByte(base36Alphabet[rand.Intn(len(base36Alphabet))])
		}
		return fmt.Sprintf("ses_%s_%s", hex, sb.String())
	default:
		return uuid.New().String()
	}
}
