package anchor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/gowebpki/jcs"

	"golang.org/x/exp/maps"
)

// fingerprints are sha256 hex digests over canonical JSON bytes.
// the merkle aggregation concatenates hex strings and duplicates the
// last leaf on odd counts. this matches the deployed service and must
// not be changed without a protocol version bump.

// HashHex returns the lower-case sha256 hex digest of data.
// Empty input returns the empty string, not the digest of zero bytes.
// Callers treat "" as "nothing to fingerprint".
func HashHex(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	digest := sha256.Sum256(data)
	return hex.EncodeToString(digest[:])
}

func HashHexString(data string) string {
	return HashHex([]byte(data))
}

// CanonicalElement is the fixed field set an element fingerprint is
// computed over. The sub-hash fields are themselves fingerprints of the
// element's geometry, parameter map, and location, merged in only when
// present. An absent field is omitted from the canonical form, so an
// element without a location hashes differently from one whose location
// hash is the empty string.
type CanonicalElement struct {
	UniqueId string
	Category string
	TypeName string
	Name     string

	GeometryHash  string
	ParameterHash string
	LocationHash  string
}

func (self *CanonicalElement) canonicalMap() map[string]string {
	m := map[string]string{
		"unique_id": self.UniqueId,
		"category":  self.Category,
		"type_name": self.TypeName,
		"name":      self.Name,
	}
	if self.GeometryHash != "" {
		m["geometry"] = self.GeometryHash
	}
	if self.ParameterHash != "" {
		m["parameters"] = self.ParameterHash
	}
	if self.LocationHash != "" {
		m["location"] = self.LocationHash
	}
	return m
}

// CanonicalBytes returns the RFC 8785 canonical JSON encoding of the
// populated fields.
func (self *CanonicalElement) CanonicalBytes() ([]byte, error) {
	raw, err := json.Marshal(self.canonicalMap())
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

// Fingerprint returns the element fingerprint used for change detection
// and tamper evidence.
func (self *CanonicalElement) Fingerprint() (string, error) {
	canonical, err := self.CanonicalBytes()
	if err != nil {
		return "", err
	}
	return HashHex(canonical), nil
}

// ParameterFingerprint hashes a parameter map from a sorted-by-key
// snapshot, so maps with identical content fingerprint identically
// regardless of insertion order.
func ParameterFingerprint(parameters map[string]any) (string, error) {
	if len(parameters) == 0 {
		return "", nil
	}
	keys := maps.Keys(parameters)
	sort.Strings(keys)
	snapshot := make(map[string]any, len(parameters))
	for _, key := range keys {
		snapshot[key] = parameters[key]
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	return HashHex(canonical), nil
}

// MerkleRoot aggregates an ordered sequence of hex fingerprints into a
// single root. Pairs are combined left to right by hashing the
// concatenation of the two hex strings; an odd trailing leaf is paired
// with itself. A single leaf is returned unchanged. The root depends on
// leaf order; batch callers sort leaves first (see SortedLeaves).
func MerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	level := leaves
	for 1 < len(level) {
		nextLevel := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			nextLevel = append(nextLevel, HashHexString(left+right))
		}
		level = nextLevel
	}
	return level[0]
}

// SortedLeaves returns a lexicographically sorted copy of leaves.
// This is the ordering convention for batch roots, so roots are
// reproducible across clients that discover leaves in different orders.
func SortedLeaves(leaves []string) []string {
	sorted := make([]string, len(leaves))
	copy(sorted, leaves)
	sort.Strings(sorted)
	return sorted
}
