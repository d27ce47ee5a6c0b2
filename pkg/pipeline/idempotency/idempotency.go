// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package idempotency computes the deterministic fingerprint spec.md §4.3
// defines for a stage: a SHA-256 over its input file hashes, its
// processor's version, and its canonicalized parameters. ComputeKey is a
// pure function, independently testable without touching the filesystem.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// MissingInput is the literal hash value substituted for an input file that
// does not exist on disk (spec.md §4.3).
const MissingInput = "missing"

// HashFile returns the hex SHA-256 of path's contents, or MissingInput if
// the file does not exist.
func HashFile(path string) (string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is a configured stage input
	if err != nil {
		if os.IsNotExist(err) {
			return MissingInput, nil
		}
		return "", fmt.Errorf("hash input %s: %w", path, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// CanonicalParams serializes params as JSON with keys sorted, so the same
// logical parameter set always produces byte-identical output regardless of
// map iteration order.
func CanonicalParams(params map[string]any) (string, error) {
	if params == nil {
		params = map[string]any{}
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]byte, 0, 256)
	ordered = append(ordered, '{')
	for i, k := range keys {
		if i > 0 {
			ordered = append(ordered, ',')
		}
		keyJSON, err := json.Marshal(k)
		if err != nil {
			return "", fmt.Errorf("marshal param key %q: %w", k, err)
		}
		valJSON, err := json.Marshal(params[k])
		if err != nil {
			return "", fmt.Errorf("marshal param %q: %w", k, err)
		}
		ordered = append(ordered, keyJSON...)
		ordered = append(ordered, ':')
		ordered = append(ordered, valJSON...)
	}
	ordered = append(ordered, '}')
	return string(ordered), nil
}

// ComputeKey computes SHA256(H(input1) || ... || H(inputN) || version ||
// canonicalParams), components joined with "|" before hashing, as specified
// in spec.md §4.3. inputHashes must already be in stage-declaration order.
func ComputeKey(inputHashes []string, processorVersion, canonicalParams string) string {
	parts := make([]string, 0, len(inputHashes)+2)
	parts = append(parts, inputHashes...)
	parts = append(parts, processorVersion, canonicalParams)
	joined := strings.Join(parts, "|")

	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])
}
