package core

import (
	"fmt"
	"strings"
)

// DType is the scalar element type tensors are loaded and saved as.
type DType string

// Supported element types.
const (
	DTypeFloat32  DType = "float32"
	DTypeFloat16  DType = "float16"
	DTypeBFloat16 DType = "bfloat16"
)

// ParseDType normalizes and validates a dtype name.
func ParseDType(s string) (DType, error) {
	switch d := DType(strings.ToLower(strings.TrimSpace(s))); d {
	case DTypeFloat32, DTypeFloat16, DTypeBFloat16:
		return d, nil
	case "":
		return "", fmt.Errorf("empty dtype")
	default:
		return "", fmt.Errorf("unknown dtype %q", s)
	}
}

// ByteSize returns the storage size of one element in bytes.
func (d DType) ByteSize() int {
	switch d {
	case DTypeFloat32:
		return 4
	case DTypeFloat16, DTypeBFloat16:
		return 2
	default:
		return 0
	}
}

// Valid reports whether d is one of the supported element types.
func (d DType) Valid() bool {
	return d.ByteSize() > 0
}

func (d DType) String() string {
	return string(d)
}
