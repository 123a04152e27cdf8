package main

import (
	"crypto/rand"
	"encoding/hex"
	"math"
	"time"
)

const (
	answerBasePoints = 1000
	inviteCodeLength = 6
)

// inviteCodeAlphabet omits easily-confused glyphs (0/O, 1/I/L) since the
// code is typed by hand from a shared screen.
const inviteCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// newInviteCode returns a short human-typeable join code. Uniqueness among
// active sessions is the registry's job, not this function's.
func newInviteCode() string {
	buf := make([]byte, inviteCodeLength)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand failure: " + err.Error())
	}

	out := make([]byte, inviteCodeLength)
	for i := range out {
		out[i] = inviteCodeAlphabet[int(buf[i])%len(inviteCodeAlphabet)]
	}

	return string(out)
}

// newID returns a crypto-random hex identifier, used for connection ids
// and browser client ids.
func newID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand failure: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

// timeToPoints maps answer latency to a provisional point value: full
// base points for an instant answer, decaying linearly to half at the
// question's full time budget. Answers past the budget score nothing.
// The value is rounded once, when the round settles.
func timeToPoints(startedAt time.Time, budgetSeconds int, now time.Time) float64 {
	if budgetSeconds <= 0 {
		return 0
	}

	elapsed := now.Sub(startedAt).Seconds()
	budget := float64(budgetSeconds)

	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > budget {
		return 0
	}

	return answerBasePoints * (1 - elapsed/(2*budget))
}

func roundPoints(points float64) int {
	return int(math.Round(points))
}
