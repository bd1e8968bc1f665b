package memutils

import (
	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

type Number interface {
	constraints.Integer
}

func CheckPow2[T Number](number T, name string) error {
	if number <= 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp[T Number](value T, alignment T) T {
	return (value + alignment - 1) & ^(alignment - 1)
}

// AlignUpAny rounds value up to the next multiple of step. Unlike AlignUp, step does not need to be
// a power of two.
func AlignUpAny[T Number](value T, step T) T {
	if step <= 1 {
		return value
	}
	rem := value % step
	if rem == 0 {
		return value
	}
	return value + step - rem
}

// NextPow2 returns the smallest power of two greater than or equal to value. Values below 1 return 1.
// If that power of two does not fit in T, value is returned unchanged.
func NextPow2[T Number](value T) T {
	result := T(1)
	for result < value {
		next := result << 1
		if next <= result {
			return value
		}
		result = next
	}
	return result
}
