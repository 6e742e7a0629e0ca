// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

package sharding

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
)

// Sharded identifier wire formats. These are load-bearing: the embedded
// generation and shard are the routing key for every read after mint.
//
//	session id:    g{gen}_s{shard}_{uuid}
//	refresh jti:   rt{gen}_{shard}_{family}_{seq}

// FormatSessionID builds a sharded session identifier.
func FormatSessionID(gen, shard int, random string) string {
	return fmt.Sprintf("g%d_s%d_%s", gen, shard, random)
}

// ParseSessionID extracts the embedded generation and shard. ok is false for
// legacy identifiers without the sharded prefix.
func ParseSessionID(id string) (gen, shard int, ok bool) {
	parts := strings.SplitN(id, "_", 3)
	if len(parts) != 3 || !strings.HasPrefix(parts[0], "g") || !strings.HasPrefix(parts[1], "s") {
		return 0, 0, false
	}
	gen, err := strconv.Atoi(parts[0][1:])
	if err != nil || gen < 1 {
		return 0, 0, false
	}
	shard, err = strconv.Atoi(parts[1][1:])
	if err != nil || shard < 0 {
		return 0, 0, false
	}
	return gen, shard, true
}

// FormatRefreshJTI builds a sharded refresh-token identifier.
func FormatRefreshJTI(gen, shard int, family string, seq int) string {
	return fmt.Sprintf("rt%d_%d_%s_%d", gen, shard, family, seq)
}

// ParseRefreshJTI extracts the embedded routing and family fields from a
// refresh jti. ok is false for identifiers not in the sharded form.
func ParseRefreshJTI(jti string) (gen, shard int, family string, seq int, ok bool) {
	if !strings.HasPrefix(jti, "rt") {
		return 0, 0, "", 0, false
	}
	parts := strings.Split(jti[2:], "_")
	if len(parts) < 4 {
		return 0, 0, "", 0, false
	}
	gen, err := strconv.Atoi(parts[0])
	if err != nil || gen < 1 {
		return 0, 0, "", 0, false
	}
	shard, err = strconv.Atoi(parts[1])
	if err != nil || shard < 0 {
		return 0, 0, "", 0, false
	}
	seq, err = strconv.Atoi(parts[len(parts)-1])
	if err != nil || seq < 0 {
		return 0, 0, "", 0, false
	}
	family = strings.Join(parts[2:len(parts)-1], "_")
	if family == "" {
		return 0, 0, "", 0, false
	}
	return gen, shard, family, seq, true
}

// LegacyShard hashes an identifier without embedded routing into the fixed
// legacy shard space.
func LegacyShard(id string, shardCount int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return int(h.Sum32() % uint32(shardCount)) // #nosec G115 - shardCount is bounded
}

// Instance names the actor that owns (domain, gen, shard).
func Instance(domain Domain, gen, shard int) string {
	return fmt.Sprintf("%s-g%d-s%d", domain, gen, shard)
}

// legacyInstance names the actor owning a legacy identifier's shard.
// Generation zero is reserved for the pre-generation keyspace.
func legacyInstance(domain Domain, id string) string {
	return Instance(domain, 0, LegacyShard(id, LegacyShardCount))
}
