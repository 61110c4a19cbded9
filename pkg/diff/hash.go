package diff

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"

	"github.com/davecgh/go-spew/spew"
)

// HashObject returns the hex sha256 of the canonical JSON form of obj. Maps are serialized
// with sorted keys, so two objects with the same content hash identically regardless of
// construction order or numeric representation.
func HashObject(obj any) (string, error) {
	data, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("hashing object: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// DeepHashObject writes specified object to hash using the spew library
// which follows pointers and prints actual values of the nested objects
// ensuring the hash does not change when a pointer changes.
func DeepHashObject(hasher hash.Hash, objectToWrite interface{}) {
	hasher.Reset()
	printer := spew.ConfigState{
		Indent:         " ",
		SortKeys:       true,
		DisableMethods: true,
		SpewKeys:       true,
	}
	_, _ = printer.Fprintf(hasher, "%#v", objectToWrite)
}

// Fingerprint returns a short stable digest of an arbitrary Go value, used to detect
// configuration changes between declarations.
func Fingerprint(obj interface{}) string {
	hasher := sha256.New()
	DeepHashObject(hasher, obj)
	return hex.EncodeToString(hasher.Sum(nil))[:16]
}
