package dane

import (
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
)

// digestFor applies a TLSA matching-type to data: 0 is the full
// certificate association (no hash), 1 is SHA-256, 2 is SHA-512.
func digestFor(matchingType uint8, data []byte) ([]byte, error) {
	switch matchingType {
	case 0:
		return data, nil
	case 1:
		sum := sha256.Sum256(data)
		return sum[:], nil
	case 2:
		sum := sha512.Sum512(data)
		return sum[:], nil
	default:
		return nil, fmt.Errorf("dane: unsupported matching type %d", matchingType)
	}
}
