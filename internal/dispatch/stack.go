package dispatch

import (
	"fmt"

	"github.com/23skdu/longbow-npu/internal/device"
)

// Stack carries boxed operator arguments in, and boxed returns out. Values
// are *device.Tensor, []*device.Tensor, float64, int64, bool, []int64,
// string or nil.
type Stack []any

func (s Stack) at(i int) (any, error) {
	if i < 0 || i >= len(s) {
		return nil, fmt.Errorf("%w: index %d out of %d", ErrBadStack, i, len(s))
	}
	return s[i], nil
}

func (s Stack) Tensor(i int) (*device.Tensor, error) {
	v, err := s.at(i)
	if err != nil {
		return nil, err
	}
	t, ok := v.(*device.Tensor)
	if !ok || t == nil {
		return nil, fmt.Errorf("%w: slot %d holds %T, want tensor", ErrBadStack, i, v)
	}
	return t, nil
}

func (s Stack) TensorList(i int) ([]*device.Tensor, error) {
	v, err := s.at(i)
	if err != nil {
		return nil, err
	}
	l, ok := v.([]*device.Tensor)
	if !ok {
		return nil, fmt.Errorf("%w: slot %d holds %T, want tensor list", ErrBadStack, i, v)
	}
	return l, nil
}

// Float accepts float64, float32 and int64 slots.
func (s Stack) Float(i int) (float64, error) {
	v, err := s.at(i)
	if err != nil {
		return 0, err
	}
	switch f := v.(type) {
	case float64:
		return f, nil
	case float32:
		return float64(f), nil
	case int64:
		return float64(f), nil
	default:
		return 0, fmt.Errorf("%w: slot %d holds %T, want scalar", ErrBadStack, i, v)
	}
}

func (s Stack) Int(i int) (int64, error) {
	v, err := s.at(i)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("%w: slot %d holds %T, want int", ErrBadStack, i, v)
	}
}

func (s Stack) Bool(i int) (bool, error) {
	v, err := s.at(i)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: slot %d holds %T, want bool", ErrBadStack, i, v)
	}
	return b, nil
}

func (s Stack) Ints(i int) ([]int64, error) {
	v, err := s.at(i)
	if err != nil {
		return nil, err
	}
	l, ok := v.([]int64)
	if !ok {
		return nil, fmt.Errorf("%w: slot %d holds %T, want int list", ErrBadStack, i, v)
	}
	return l, nil
}

// Replace overwrites the stack contents with vals.
func (s *Stack) Replace(vals ...any) {
	*s = append((*s)[:0], vals...)
}

// keys derives the dispatch key set from the tensors on the stack.
func (s Stack) keys() KeySet {
	onDevice := false
	visit := func(t *device.Tensor) {
		if t != nil && !t.IsHost() {
			onDevice = true
		}
	}
	for _, v := range s {
		switch a := v.(type) {
		case *device.Tensor:
			visit(a)
		case []*device.Tensor:
			for _, t := range a {
				visit(t)
			}
		}
	}
	if onDevice {
		return KeySetOf(PrivateUse1, AutogradPrivateUse1)
	}
	return KeySetOf(CPU, AutogradCPU)
}
