// Package pair parses and validates the asset-pair identifier that keys
// oracle lookups and names the two ledgers a lending pool works with.
package pair

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// pairRegex matches: {COLLATERAL}-{BORROWED}
// Example: LEND-BORROW
var pairRegex = regexp.MustCompile(`^([A-Z][A-Z0-9]{0,15})-([A-Z][A-Z0-9]{0,15})$`)

var (
	ErrInvalidPair = errors.New("pair: invalid pair identifier")
	ErrSameAsset   = errors.New("pair: collateral and borrowed asset must differ")
)

// Pair identifies the collateral and borrowed assets of a pool.
type Pair struct {
	ID         string `json:"id"`
	Collateral string `json:"collateral"`
	Borrowed   string `json:"borrowed"`
}

// Parse parses and validates a pair identifier.
// Format: {COLLATERAL}-{BORROWED}, upper-case symbols.
func Parse(id string) (Pair, error) {
	id = strings.TrimSpace(id)
	matches := pairRegex.FindStringSubmatch(id)
	if matches == nil {
		return Pair{}, fmt.Errorf("%w: %q (expected {COLLATERAL}-{BORROWED})", ErrInvalidPair, id)
	}
	if matches[1] == matches[2] {
		return Pair{}, fmt.Errorf("%w: %s", ErrSameAsset, id)
	}
	return Pair{
		ID:         id,
		Collateral: matches[1],
		Borrowed:   matches[2],
	}, nil
}

// MustParse is Parse for identifiers known at compile time.
func MustParse(id string) Pair {
	p, err := Parse(id)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Pair) String() string { return p.ID }
