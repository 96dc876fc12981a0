// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigkmeans

import "fmt"

// Centroids is a set of cluster centroids at a given version. Version
// 0 is the seeded set; each round of refinement produces a new set
// with the next version. Centroid sets are never modified once they
// are handed to a stage: a round produces a new value instead.
type Centroids struct {
	Version int
	Records
}

// NewCentroids returns the version-0 centroid set made from a copy
// of seeds.
func NewCentroids(seeds Records) Centroids {
	return Centroids{Records: seeds.Copy()}
}

// K returns the number of clusters.
func (c Centroids) K() int { return c.Len() }

// Fingerprint returns a hash of the centroid values. Fingerprints
// are equal across workers exactly when they hold the same centroids.
func (c Centroids) Fingerprint() uint64 {
	return c.payload().Sum()
}

func (c Centroids) String() string {
	return fmt.Sprintf("v%d%s", c.Version, c.Records)
}
