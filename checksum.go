package saga

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Checksum returns the MD5 digest of the canonical JSON form of inputs.
// encoding/json writes map keys in sorted order, so equal inputs always
// produce equal checksums regardless of insertion order.
func Checksum(inputs map[string]any) (string, error) {
	if inputs == nil {
		inputs = map[string]any{}
	}
	data, err := json.Marshal(inputs)
	if err != nil {
		return "", fmt.Errorf("checksum inputs: %w", err)
	}
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:]), nil
}
