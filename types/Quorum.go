package types

import (
	"fmt"
	"strconv"
	"strings"
)

type quorumKind uint8

const (
	quorumOne quorumKind = iota
	quorumMajority
	quorumAll
	quorumN
)

// Quorum - The minimum number of independent peer confirmations a query needs
// before it is considered successful.
type Quorum struct {
	kind quorumKind
	n    int
}

func QuorumOne() Quorum      { return Quorum{kind: quorumOne} }
func QuorumMajority() Quorum { return Quorum{kind: quorumMajority} }
func QuorumAll() Quorum      { return Quorum{kind: quorumAll} }

// QuorumN - Requires exactly n confirmations. Values below 1 are treated as 1.
func QuorumN(n int) Quorum {
	if n < 1 {
		n = 1
	}
	return Quorum{kind: quorumN, n: n}
}

// Required - Returns the number of confirmations needed out of total candidates.
func (q Quorum) Required(total int) int {
	switch q.kind {
	case quorumMajority:
		return total/2 + 1
	case quorumAll:
		if total < 1 {
			return 1
		}
		return total
	case quorumN:
		return q.n
	default:
		return 1
	}
}

func (q Quorum) String() string {
	switch q.kind {
	case quorumMajority:
		return "majority"
	case quorumAll:
		return "all"
	case quorumN:
		return strconv.Itoa(q.n)
	default:
		return "one"
	}
}

// ParseQuorum - Parses "one", "majority", "all" or a positive integer.
func ParseQuorum(s string) (Quorum, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "one", "1":
		return QuorumOne(), nil
	case "majority":
		return QuorumMajority(), nil
	case "all":
		return QuorumAll(), nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return Quorum{}, fmt.Errorf("invalid quorum %q: want one, majority, all or a positive integer", s)
	}
	return QuorumN(n), nil
}
