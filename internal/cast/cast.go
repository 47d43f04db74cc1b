// Package cast implements checked conversions between integer types.
package cast

import (
	"github.com/ccoveille/go-safecast/v2"
)

type signed interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64
}

type unsigned interface {
	~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64
}

type number interface {
	signed | unsigned
}

// SafeInt32 converts x to an int32, failing if it does not fit.
func SafeInt32[T number](x T) (int32, error) {
	return safecast.Convert[int32](x)
}

// SafeUint32 converts x to an uint32, failing if it does not fit.
func SafeUint32[T number](x T) (uint32, error) {
	return safecast.Convert[uint32](x)
}
