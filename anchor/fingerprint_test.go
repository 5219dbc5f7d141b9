package anchor

import (
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"testing"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func sha256Hex(data string) string {
	digest := sha256.Sum256([]byte(data))
	return hex.EncodeToString(digest[:])
}

func TestHashHex(t *testing.T) {
	assert.Equal(t, HashHex([]byte{}), "")
	assert.Equal(t, HashHex(nil), "")

	a := HashHex([]byte("hello"))
	b := HashHex([]byte("hello"))
	assert.Equal(t, a, b)
	assert.Equal(t, len(a), 64)
	assert.Equal(t, a, sha256Hex("hello"))

	c := HashHex([]byte("hello2"))
	assert.Equal(t, a == c, false)
}

func TestMerkleRootEmpty(t *testing.T) {
	assert.Equal(t, MerkleRoot([]string{}), "")
	assert.Equal(t, MerkleRoot(nil), "")
}

func TestMerkleRootSingleLeaf(t *testing.T) {
	// a single leaf is the root unchanged, not re-hashed
	leaf := sha256Hex("leaf")
	assert.Equal(t, MerkleRoot([]string{leaf}), leaf)
}

func TestMerkleRootOddLeaves(t *testing.T) {
	// the odd trailing leaf pairs with itself, and pairs combine by
	// concatenating hex strings
	leaves := []string{"1111", "2222", "3333"}
	level2 := []string{
		sha256Hex("11112222"),
		sha256Hex("33333333"),
	}
	expected := sha256Hex(level2[0] + level2[1])
	assert.Equal(t, MerkleRoot(leaves), expected)
}

func TestMerkleRootEvenLeaves(t *testing.T) {
	leaves := []string{"aaaa", "bbbb", "cccc", "dddd"}
	level2 := []string{
		sha256Hex("aaaabbbb"),
		sha256Hex("ccccdddd"),
	}
	expected := sha256Hex(level2[0] + level2[1])
	assert.Equal(t, MerkleRoot(leaves), expected)
}

func TestMerkleRootOrderSensitive(t *testing.T) {
	a := MerkleRoot([]string{"1111", "2222"})
	b := MerkleRoot([]string{"2222", "1111"})
	assert.Equal(t, a == b, false)

	// sorted leaves make batch roots reproducible
	assert.Equal(
		t,
		MerkleRoot(SortedLeaves([]string{"2222", "1111"})),
		MerkleRoot(SortedLeaves([]string{"1111", "2222"})),
	)
}

func TestParameterFingerprintOrderIndependent(t *testing.T) {
	a, err := ParameterFingerprint(map[string]any{
		"height":  3000,
		"width":   200,
		"comment": "load bearing",
	})
	assert.Equal(t, err, nil)

	b, err := ParameterFingerprint(map[string]any{
		"comment": "load bearing",
		"width":   200,
		"height":  3000,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, a, b)

	c, err := ParameterFingerprint(map[string]any{
		"comment": "load bearing",
		"width":   201,
		"height":  3000,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, a == c, false)
}

func TestParameterFingerprintEmpty(t *testing.T) {
	fingerprint, err := ParameterFingerprint(map[string]any{})
	assert.Equal(t, err, nil)
	assert.Equal(t, fingerprint, "")
}

func TestCanonicalElementFingerprint(t *testing.T) {
	element := &CanonicalElement{
		UniqueId: "d4f85259-0001",
		Category: "Walls",
		TypeName: "Basic Wall",
		Name:     "Generic - 200mm",
	}

	a, err := element.Fingerprint()
	assert.Equal(t, err, nil)
	b, err := element.Fingerprint()
	assert.Equal(t, err, nil)
	assert.Equal(t, a, b)
	assert.Equal(t, len(a), 64)
}

func TestCanonicalElementAbsentVersusEmpty(t *testing.T) {
	// two elements lacking an optional field hash identically to each
	// other, but differently from an element carrying an empty string
	// for it via the parameter sub-hash
	bare1 := &CanonicalElement{
		UniqueId: "id-1",
		Category: "Walls",
		TypeName: "Basic Wall",
		Name:     "W1",
	}
	bare2 := &CanonicalElement{
		UniqueId: "id-1",
		Category: "Walls",
		TypeName: "Basic Wall",
		Name:     "W1",
	}
	withGeometry := &CanonicalElement{
		UniqueId:     "id-1",
		Category:     "Walls",
		TypeName:     "Basic Wall",
		Name:         "W1",
		GeometryHash: sha256Hex("geometry"),
	}

	a, err := bare1.Fingerprint()
	assert.Equal(t, err, nil)
	b, err := bare2.Fingerprint()
	assert.Equal(t, err, nil)
	c, err := withGeometry.Fingerprint()
	assert.Equal(t, err, nil)

	assert.Equal(t, a, b)
	assert.Equal(t, a == c, false)
}

func TestVerifyFingerprint(t *testing.T) {
	element := &CanonicalElement{
		UniqueId: "id-1",
		Category: "Doors",
		TypeName: "Single-Flush",
		Name:     "0915 x 2134mm",
	}
	expected, err := element.Fingerprint()
	assert.Equal(t, err, nil)

	assert.Equal(t, VerifyFingerprint(element, expected), nil)

	err = VerifyFingerprint(element, sha256Hex("tampered"))
	mismatchErr, ok := err.(*HashMismatchError)
	assert.Equal(t, ok, true)
	assert.Equal(t, mismatchErr.SubjectId, "id-1")
	assert.Equal(t, mismatchErr.Actual, expected)
}
