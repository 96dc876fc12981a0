// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigkmeans

import (
	"fmt"
	"strings"
	"time"

	"github.com/grailbio/base/errors"
)

// Metric names.
const (
	MetricEuclidean = "euclidean"
	MetricHamming   = "hamming"
)

var metricAliases = map[string]string{
	MetricEuclidean: MetricEuclidean,
	"2d":            MetricEuclidean,
	"vector":        MetricEuclidean,
	MetricHamming:   MetricHamming,
	"dna":           MetricHamming,
	"sequence":      MetricHamming,
}

// Config describes a clustering job. The same Config must be supplied
// to every worker of a group.
type Config struct {
	// Metric selects the strategy: MetricEuclidean or MetricHamming.
	Metric string
	// K is the number of clusters.
	K int
	// D is the record width: the dimension of vectors or the length
	// of sequences.
	D int
	// Alphabet is the sequence alphabet used by MetricHamming. It
	// defaults to DefaultAlphabet.
	Alphabet string
	// Threshold is the total centroid drift at or below which a run
	// is considered converged. Zero selects the strategy's default.
	Threshold float64
	// MaxRounds bounds the number of rounds. Zero means unbounded.
	MaxRounds int
	// Records is the expected number of records in the dataset. If
	// nonzero, a dataset of any other size is rejected.
	Records int
	// CollectiveTimeout bounds each collective operation. Zero means
	// no timeout.
	CollectiveTimeout time.Duration
}

// Validate checks the configuration, returning an errors.Invalid
// error describing the first problem found.
func (c Config) Validate() error {
	if _, ok := metricAliases[strings.ToLower(c.Metric)]; !ok {
		return errors.E(errors.Invalid, fmt.Sprintf("bigkmeans: unknown metric %q", c.Metric))
	}
	switch {
	case c.K <= 0:
		return errors.E(errors.Invalid, fmt.Sprintf("bigkmeans: invalid cluster count %d", c.K))
	case c.D <= 0:
		return errors.E(errors.Invalid, fmt.Sprintf("bigkmeans: invalid record width %d", c.D))
	case c.Threshold < 0:
		return errors.E(errors.Invalid, fmt.Sprintf("bigkmeans: invalid threshold %v", c.Threshold))
	case c.MaxRounds < 0:
		return errors.E(errors.Invalid, fmt.Sprintf("bigkmeans: invalid round limit %d", c.MaxRounds))
	case c.Records < 0:
		return errors.E(errors.Invalid, fmt.Sprintf("bigkmeans: invalid record count %d", c.Records))
	case c.Records > 0 && c.Records < c.K:
		return errors.E(errors.Invalid, fmt.Sprintf("bigkmeans: %d records cannot form %d clusters", c.Records, c.K))
	case c.CollectiveTimeout < 0:
		return errors.E(errors.Invalid, fmt.Sprintf("bigkmeans: invalid collective timeout %s", c.CollectiveTimeout))
	}
	_, err := c.Strategy()
	return err
}

// Strategy returns the strategy selected by the configuration.
func (c Config) Strategy() (Strategy, error) {
	switch metricAliases[strings.ToLower(c.Metric)] {
	case MetricEuclidean:
		return Euclidean, nil
	case MetricHamming:
		alphabet := c.Alphabet
		if alphabet == "" {
			alphabet = DefaultAlphabet
		}
		return NewHamming(alphabet)
	default:
		return nil, errors.E(errors.Invalid, fmt.Sprintf("bigkmeans: unknown metric %q", c.Metric))
	}
}

// threshold returns the effective convergence threshold.
func (c Config) threshold(s Strategy) float64 {
	if c.Threshold > 0 {
		return c.Threshold
	}
	return s.DefaultThreshold()
}
