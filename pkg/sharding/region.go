// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

package sharding

import (
	"fmt"
	"sort"
)

// RegionDistribution maps region name to its percentage of the shard space.
// Percentages must sum to exactly 100.
type RegionDistribution map[string]int

// Validate checks the distribution invariants.
func (d RegionDistribution) Validate() error {
	if len(d) == 0 {
		return fmt.Errorf("region distribution is empty")
	}
	sum := 0
	for region, pct := range d {
		if pct < 0 || pct > 100 {
			return fmt.Errorf("region %s has invalid percentage %d", region, pct)
		}
		sum += pct
	}
	if sum != 100 {
		return fmt.Errorf("region percentages must sum to 100, got %d", sum)
	}
	return nil
}

// regionRange is a contiguous run of shard indexes owned by one region.
type regionRange struct {
	region string
	start  int // inclusive
	end    int // exclusive
}

// AssignShards splits [0, shardCount) into contiguous ranges proportional to
// the distribution. Every region with a nonzero percentage receives at least
// one shard; assignment is deterministic (regions ordered by name).
func (d RegionDistribution) AssignShards(shardCount int) ([]regionRange, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	regions := make([]string, 0, len(d))
	active := 0
	for region, pct := range d {
		regions = append(regions, region)
		if pct > 0 {
			active++
		}
	}
	sort.Strings(regions)

	if shardCount < active {
		return nil, fmt.Errorf("%d shards cannot cover %d nonzero regions", shardCount, active)
	}

	// Floor allocation with a one-shard minimum, then hand out the
	// remainder in largest-remainder order.
	counts := make(map[string]int, len(regions))
	remainders := make(map[string]int, len(regions))
	assigned := 0
	for _, region := range regions {
		pct := d[region]
		if pct == 0 {
			continue
		}
		n := pct * shardCount / 100
		remainders[region] = pct*shardCount - n*100
		if n < 1 {
			n = 1
			remainders[region] = 0
		}
		counts[region] = n
		assigned += n
	}

	order := make([]string, 0, len(counts))
	for region := range counts {
		order = append(order, region)
	}
	sort.Slice(order, func(i, j int) bool {
		if remainders[order[i]] != remainders[order[j]] {
			return remainders[order[i]] > remainders[order[j]]
		}
		return order[i] < order[j]
	})
	for i := 0; assigned < shardCount; i = (i + 1) % len(order) {
		counts[order[i]]++
		assigned++
	}
	// The one-shard minimum can overshoot when shards are scarce; shrink the
	// largest regions back down, never below one.
	for assigned > shardCount {
		largest := ""
		for _, region := range order {
			if counts[region] > 1 && (largest == "" || counts[region] > counts[largest]) {
				largest = region
			}
		}
		counts[largest]--
		assigned--
	}

	ranges := make([]regionRange, 0, len(counts))
	next := 0
	for _, region := range regions {
		n, ok := counts[region]
		if !ok {
			continue
		}
		ranges = append(ranges, regionRange{region: region, start: next, end: next + n})
		next += n
	}
	return ranges, nil
}

// RegionFor maps a shard index to its owning region under the distribution.
func (d RegionDistribution) RegionFor(shard, shardCount int) (string, error) {
	ranges, err := d.AssignShards(shardCount)
	if err != nil {
		return "", err
	}
	for _, r := range ranges {
		if shard >= r.start && shard < r.end {
			return r.region, nil
		}
	}
	return "", fmt.Errorf("shard %d out of range [0,%d)", shard, shardCount)
}
