// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigkmeans

// Drift returns the total distance between corresponding centroids
// of old and new.
func Drift(s Strategy, old, new Centroids) float64 {
	var drift float64
	for j := 0; j < old.K(); j++ {
		drift += s.Distance(old.Records, j, new.Records, j)
	}
	return drift
}

// Decision is the outcome of the convergence gate for one round.
// It is broadcast to every worker, and all workers act on it
// identically.
type Decision int

const (
	// Continue indicates that another round is needed.
	Continue Decision = iota
	// Converged indicates that the centroids have stabilized.
	Converged
	// Exhausted indicates that the round limit was reached before
	// the centroids stabilized.
	Exhausted
)

func (d Decision) String() string {
	switch d {
	case Continue:
		return "continue"
	case Converged:
		return "converged"
	case Exhausted:
		return "exhausted"
	default:
		return "invalid"
	}
}

// Gate decides the outcome of a round (numbered from 1) with the
// given drift. A maxRounds of 0 imposes no limit.
func Gate(drift, threshold float64, round, maxRounds int) Decision {
	switch {
	case drift <= threshold:
		return Converged
	case maxRounds > 0 && round >= maxRounds:
		return Exhausted
	default:
		return Continue
	}
}
