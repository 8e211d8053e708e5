package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys are the valid dotted keys in the config file.
var knownKeys = map[string]bool{
	"user_id":                   true,
	"conversion.steps_per_coin": true,
	"sync.flush_debounce":       true,
	"sync.flush_timeout":        true,
	"sync.failure_threshold":    true,
	"sync.shutdown_timeout":     true,
	"sensor.counter_file":       true,
	"store.backend":             true,
	"store.sqlite_path":         true,
	"store.postgres_url":        true,
	"store.max_retries":         true,
	"store.state_path":          true,
	"push.redis_addr":           true,
	"push.redis_password":       true,
	"push.channel":              true,
	"lifecycle.source":          true,
	"lifecycle.websocket_url":   true,
	"api.listen":                true,
	"logging.log_level":         true,
	"logging.log_format":        true,
}

// knownKeysList is the sorted slice form of knownKeys, sorted for
// deterministic suggestions when two candidates tie.
var knownKeysList = func() []string {
	keys := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	for _, key := range md.Undecoded() {
		errs = append(errs, unknownKeyError(key.String()))
	}

	return errors.Join(errs...)
}

// unknownKeyError suggests the closest known key. A misplaced leaf (for
// example "flush_debounce" at top level) is matched against leaf names too.
func unknownKeyError(keyStr string) error {
	if suggestion := closestMatch(keyStr, knownKeysList); suggestion != "" {
		return fmt.Errorf("unknown config key %q: did you mean %q?", keyStr, suggestion)
	}

	leaf := keyStr[strings.LastIndex(keyStr, ".")+1:]
	for _, k := range knownKeysList {
		if strings.HasSuffix(k, "."+leaf) {
			return fmt.Errorf("unknown config key %q: did you mean %q?", keyStr, k)
		}
	}

	return fmt.Errorf("unknown config key %q", keyStr)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
