// Package fairness re-derives provably-fair game outcomes from committed seeds.
package fairness

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
)

const (
	// LimboMaxPayout is returned when the unit float reaches 1.
	LimboMaxPayout = 1_000_000.0
	// DefaultHouseEdge applies when callers pass a non-positive edge.
	DefaultHouseEdge = 0.01
	// DefaultEpsilon bounds derived-result comparisons.
	DefaultEpsilon = 0.01

	maxUint32 = float64(math.MaxUint32)
)

// Game identifies the result mapping applied to a unit float.
type Game string

const (
	GameDice   Game = "dice"
	GameLimbo  Game = "limbo"
	GamePlinko Game = "plinko"
	// GameRaw compares the unit float itself.
	GameRaw Game = "raw"
)

// Mode records which evidence a verification relied on.
type Mode string

const (
	// ModeHash is a byte comparison of the reported digest.
	ModeHash Mode = "hash"
	// ModeDerived compares a derived game result within epsilon. Weaker evidence.
	ModeDerived Mode = "derived"
)

var errShortDigest = errors.New("digest shorter than 4 bytes")

// GenerateOutcomeHash returns hex(HMAC-SHA256(committedSeed, subjectID+clientSeed)).
func GenerateOutcomeHash(committedSeed, subjectID, clientSeed string) string {
	return hex.EncodeToString(digest(committedSeed, subjectID, clientSeed))
}

func digest(committedSeed, subjectID, clientSeed string) []byte {
	mac := hmac.New(sha256.New, []byte(committedSeed))
	mac.Write([]byte(subjectID))
	mac.Write([]byte(clientSeed))
	return mac.Sum(nil)
}

// HashToUnitFloat maps the first four digest bytes (big-endian) onto [0,1].
func HashToUnitFloat(hexDigest string) (float64, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(hexDigest))
	if err != nil {
		return 0, fmt.Errorf("decode digest: %w", err)
	}
	if len(raw) < 4 {
		return 0, errShortDigest
	}
	return float64(binary.BigEndian.Uint32(raw[:4])) / maxUint32, nil
}

// DiceResult maps f to a roll in [0.00, 100.00].
func DiceResult(f float64) float64 {
	f = clampUnit(f)
	roll := math.Floor(f*10001) / 100
	if roll > 100 {
		return 100
	}
	return roll
}

// LimboResult maps f to a crash multiplier, capped at LimboMaxPayout.
func LimboResult(f, houseEdge float64) float64 {
	if houseEdge <= 0 || houseEdge >= 1 {
		houseEdge = DefaultHouseEdge
	}
	f = clampUnit(f)
	if f >= 1 {
		return LimboMaxPayout
	}
	result := math.Floor(((1-houseEdge)/(1-f))*100) / 100
	if result > LimboMaxPayout {
		return LimboMaxPayout
	}
	return result
}

// PlinkoPath derives one direction per row (0 left, 1 right) from successive
// digest bytes. Rows beyond the digest length read from a SHA-256 chain
// seeded by the digest itself.
func PlinkoPath(hexDigest string, rows int) ([]int, error) {
	if rows <= 0 {
		return nil, fmt.Errorf("rows must be positive, got %d", rows)
	}
	raw, err := hex.DecodeString(strings.TrimSpace(hexDigest))
	if err != nil {
		return nil, fmt.Errorf("decode digest: %w", err)
	}
	if len(raw) == 0 {
		return nil, errors.New("empty digest")
	}

	entropy := append([]byte(nil), raw...)
	block := raw
	for len(entropy) < rows {
		next := sha256.Sum256(block)
		block = next[:]
		entropy = append(entropy, block...)
	}

	path := make([]int, rows)
	for i := 0; i < rows; i++ {
		path[i] = int(entropy[i] % 2)
	}
	return path, nil
}

// Verify recomputes the digest and compares it in constant time.
func Verify(reportedHash, committedSeed, subjectID, clientSeed string) bool {
	reported, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(reportedHash)))
	if err != nil {
		return false
	}
	expected := digest(committedSeed, subjectID, clientSeed)
	return subtle.ConstantTimeCompare(reported, expected) == 1
}

// Verification is the outcome of one check.
type Verification struct {
	Mode     Mode    `json:"mode"`
	Valid    bool    `json:"valid"`
	Hash     string  `json:"hash"`
	Expected float64 `json:"expected"`
	Observed float64 `json:"observed"`
}

// VerifyObserved compares an observed game result against the one derived
// from the seed pair. Used when the house does not expose the raw digest.
func VerifyObserved(observed float64, committedSeed, subjectID, clientSeed string, game Game, houseEdge, epsilon float64) (Verification, error) {
	if epsilon <= 0 {
		epsilon = DefaultEpsilon
	}
	hash := GenerateOutcomeHash(committedSeed, subjectID, clientSeed)
	f, err := HashToUnitFloat(hash)
	if err != nil {
		return Verification{}, err
	}

	var expected float64
	switch game {
	case GameDice:
		expected = DiceResult(f)
	case GameLimbo:
		expected = LimboResult(f, houseEdge)
	case GameRaw, "":
		expected = f
	default:
		return Verification{}, fmt.Errorf("game %q has no scalar result", game)
	}

	return Verification{
		Mode:     ModeDerived,
		Valid:    math.Abs(expected-observed) <= epsilon,
		Hash:     hash,
		Expected: expected,
		Observed: observed,
	}, nil
}

func clampUnit(f float64) float64 {
	if math.IsNaN(f) || f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
