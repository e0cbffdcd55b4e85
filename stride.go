package bunkv

import "github.com/kartikbazzad/bunbase/bunkv/errs"

// Stride packages one argument of a batched call: either one value
// shared across every task in the batch (Stride == 0, "broadcast") or
// one value per task (Stride == 1, a dense per-task array). This is the
// SoA argument-passing convention every batched modality operation uses
// — callers driving thousands of tasks per call build one Stride per
// argument instead of thousands of individual argument structs.
type Stride[T any] struct {
	Values []T
	Stride int
}

// Broadcast returns a Stride that supplies the same value to every task.
func Broadcast[T any](value T) Stride[T] {
	return Stride[T]{Values: []T{value}, Stride: 0}
}

// Dense returns a Stride supplying one value per task, in order.
func Dense[T any](values []T) Stride[T] {
	return Stride[T]{Values: values, Stride: 1}
}

// NewStride validates that values's length matches what stride implies
// for a batch of count tasks: exactly 1 for a broadcast stride (0), or
// exactly count for a dense stride (1).
func NewStride[T any](values []T, stride int, count int) (Stride[T], error) {
	switch stride {
	case 0:
		if len(values) != 1 {
			return Stride[T]{}, errs.ErrInvalidArgument
		}
	case 1:
		if len(values) != count {
			return Stride[T]{}, errs.ErrInvalidArgument
		}
	default:
		return Stride[T]{}, errs.ErrInvalidArgument
	}
	return Stride[T]{Values: values, Stride: stride}, nil
}

// At returns the value for task i: the single broadcast value if Stride
// is 0, or Values[i] if Stride is 1.
func (s Stride[T]) At(i int) T {
	if s.Stride == 0 {
		return s.Values[0]
	}
	return s.Values[i]
}

// Len reports how many elements Values actually holds, irrespective of
// how many tasks the batch has.
func (s Stride[T]) Len() int {
	return len(s.Values)
}
