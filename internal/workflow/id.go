package workflow

import (
	"crypto/rand"
	"strings"
	"time"
)

// DefaultIDPrefix is used when NewEventID is called with an empty prefix.
const DefaultIDPrefix = "EVT"

// idSuffixAlphabet is restricted to uppercase letters and digits so the
// generated id always satisfies the inbound adapter's extraction regex
// ([A-Z0-9-]+ after uppercasing) without ambiguity around underscores.
const idSuffixAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// idSuffixLen of 10 symbols from a 36-symbol alphabet yields log2(36^10)
// ≈ 51.7 bits of entropy, satisfying the ≥48 bit requirement.
const idSuffixLen = 10

// NewEventID generates an id of the form <PREFIX>-<YYYYMMDDhhmmss>-<suffix>:
// printable without escaping, sortable by creation instant at second
// resolution, and safe to embed in e-mail subjects and bodies.
func NewEventID(prefix string) (string, error) {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if prefix == "" {
		prefix = DefaultIDPrefix
	}
	suffix, err := randomSuffix()
	if err != nil {
		return "", err
	}
	timestamp := time.Now().UTC().Format("20060102150405")
	return prefix + "-" + timestamp + "-" + suffix, nil
}

func randomSuffix() (string, error) {
	buf := make([]byte, idSuffixLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, idSuffixLen)
	for i, b := range buf {
		out[i] = idSuffixAlphabet[int(b)%len(idSuffixAlphabet)]
	}
	return string(out), nil
}
