// Package identity derives deterministic subject identifiers from external
// references.
//
// Subjects are typed entities (kind, id) where the id is a stable string.
// The same external reference must always map to the same id, no matter
// which capture source produced it, so every function in this package is
// pure, total, and deterministic: no I/O, no clock reads, no panics.
//
// Key functions:
//   - NormalizeURL: collapses equivalent URL spellings into one canonical form
//   - LinkID: canonical id for a captured URL (format: "link:<16 hex chars>")
//   - SensorID: canonical id for a sensor location (format: "sensor:<slug>")
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

const (
	twoURLParts = 2

	// hashPrefixLen is the number of hex characters kept from the SHA-256
	// digest when building link ids. 16 hex chars (64 bits) keeps ids short
	// enough for logs and URLs while making accidental collisions across a
	// personal corpus vanishingly unlikely.
	hashPrefixLen = 16
)

// Subject kind prefixes. Stored and transported as plain strings.
const (
	KindLink       = "link"
	KindSensor     = "sensor"
	KindTodo       = "todo"
	KindAnnotation = "annotation"
)

// NormalizeURL normalizes a URL so that equivalent spellings produce the same
// canonical form.
//
// Normalization rules:
//  1. Scheme and host are lowercased (path, query, and fragment case is
//     significant and preserved).
//  2. Default ports are removed (http://host:80 → http://host,
//     https://host:443 → https://host).
//  3. The fragment is dropped (it never reaches the server).
//  4. Query parameters are sorted lexicographically by their raw key=value
//     text, so ?b=2&a=1 and ?a=1&b=2 collapse to the same form.
//  5. A trailing slash is removed unless the path is the bare root,
//     so /posts/ and /posts collapse but https://host/ is left alone.
//
// Malformed input (anything without a "://" separator, or with an empty
// scheme) is returned unchanged. Callers decide whether to reject it; the
// function itself never fails.
//
// Implementation note:
// The URL is parsed manually instead of using net/url.Parse() + String() to
// avoid automatic percent-encoding of characters that appear raw in captured
// URLs (e.g. | → %7C). Canonical ids are computed over the exact byte form,
// so re-encoding would split identities for the same page.
//
// NormalizeURL is idempotent: NormalizeURL(NormalizeURL(u)) == NormalizeURL(u).
func NormalizeURL(raw string) string {
	if !strings.Contains(raw, "://") {
		return raw
	}

	parts := strings.SplitN(raw, "://", twoURLParts)
	if len(parts) != twoURLParts || parts[0] == "" {
		return raw
	}

	scheme := strings.ToLower(parts[0])
	rest := parts[1]

	// Drop the fragment before anything else.
	rest, _, _ = strings.Cut(rest, "#")

	// Split the authority (userinfo@host:port) from the path and query.
	authority := rest
	tail := ""

	if end := strings.IndexAny(rest, "/?"); end >= 0 {
		authority = rest[:end]
		tail = rest[end:]
	}

	authority = normalizeAuthority(scheme, authority)

	path, query, hasQuery := strings.Cut(tail, "?")

	if hasQuery && strings.Contains(query, "&") {
		segments := strings.Split(query, "&")
		sort.Strings(segments)
		query = strings.Join(segments, "&")
	}

	if len(path) > 1 && strings.HasSuffix(path, "/") {
		path = strings.TrimSuffix(path, "/")
	}

	normalized := scheme + "://" + authority + path
	if hasQuery {
		normalized += "?" + query
	}

	return normalized
}

// normalizeAuthority lowercases the host portion of an authority and strips
// the scheme's default port. Userinfo (anything before the last "@") is
// preserved as-is because credentials are case-sensitive.
func normalizeAuthority(scheme, authority string) string {
	if at := strings.LastIndex(authority, "@"); at >= 0 {
		authority = authority[:at+1] + strings.ToLower(authority[at+1:])
	} else {
		authority = strings.ToLower(authority)
	}

	defaults := map[string]string{
		"http":  ":80",
		"https": ":443",
		"ws":    ":80",
		"wss":   ":443",
		"ftp":   ":21",
	}

	if port, ok := defaults[scheme]; ok {
		authority = strings.TrimSuffix(authority, port)
	}

	return authority
}

// LinkID derives the canonical subject id for a captured URL.
//
// Formula: "link:" + first 16 hex chars of SHA-256(NormalizeURL(rawURL))
//
// The raw URL is normalized first, so LinkID(u) == LinkID(NormalizeURL(u))
// for every input. Two spellings of the same page always land on the same
// subject, which is what lets re-captures dedupe instead of forking state.
func LinkID(rawURL string) string {
	return KindLink + ":" + HashPrefix(NormalizeURL(rawURL))
}

// SensorID derives the canonical subject id for a sensor location,
// e.g. SensorID("Living Room") → "sensor:living-room".
func SensorID(location string) string {
	return KindSensor + ":" + Slug(location)
}

// SubjectID dispatches to the kind-specific identity function. Kinds without
// a derivation rule (todos, annotations) use the caller-supplied reference
// verbatim; those ids are minted by the capturing application and are stable
// by contract.
func SubjectID(kind, reference string) string {
	switch kind {
	case KindLink:
		return LinkID(reference)
	case KindSensor:
		return SensorID(reference)
	default:
		return kind + ":" + reference
	}
}

// Slug converts free-form text into a lowercase identifier segment: runs of
// non-alphanumeric characters collapse into a single dash and edge dashes are
// trimmed. Slug("Living Room (2nd floor)") → "living-room-2nd-floor".
func Slug(text string) string {
	var b strings.Builder

	b.Grow(len(text))

	pendingDash := false

	for _, r := range strings.ToLower(text) {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if !isAlnum {
			pendingDash = b.Len() > 0

			continue
		}

		if pendingDash {
			b.WriteByte('-')

			pendingDash = false
		}

		b.WriteRune(r)
	}

	return b.String()
}

// HashPrefix computes the first 16 hex characters of the SHA-256 digest of
// the input. This is the shared building block for link ids and for
// deterministic event ids derived from a subject plus a discriminator.
func HashPrefix(input string) string {
	hash := sha256.Sum256([]byte(input))

	return hex.EncodeToString(hash[:])[:hashPrefixLen]
}
