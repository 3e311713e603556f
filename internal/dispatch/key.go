package dispatch

import (
	"math/bits"
	"strings"
)

// DispatchKey selects a backend slot in an operator's kernel table. Higher
// values are consulted first.
type DispatchKey uint8

const (
	CPU DispatchKey = iota
	AutogradCPU
	PrivateUse1
	AutogradPrivateUse1
	numKeys
)

func (k DispatchKey) String() string {
	switch k {
	case CPU:
		return "CPU"
	case AutogradCPU:
		return "AutogradCPU"
	case PrivateUse1:
		return "PrivateUse1"
	case AutogradPrivateUse1:
		return "AutogradPrivateUse1"
	default:
		return "Undefined"
	}
}

// KeySet is a set of dispatch keys.
type KeySet uint8

func KeySetOf(keys ...DispatchKey) KeySet {
	var s KeySet
	for _, k := range keys {
		s = s.Add(k)
	}
	return s
}

func (s KeySet) Add(k DispatchKey) KeySet    { return s | 1<<k }
func (s KeySet) Remove(k DispatchKey) KeySet { return s &^ (1 << k) }
func (s KeySet) Has(k DispatchKey) bool      { return s&(1<<k) != 0 }
func (s KeySet) Empty() bool                 { return s == 0 }

// Below returns the keys strictly lower in priority than k.
func (s KeySet) Below(k DispatchKey) KeySet {
	return s & (1<<k - 1)
}

// Highest returns the highest-priority key in s.
func (s KeySet) Highest() (DispatchKey, bool) {
	if s == 0 {
		return 0, false
	}
	return DispatchKey(bits.Len8(uint8(s)) - 1), true
}

func (s KeySet) String() string {
	var parts []string
	for k := numKeys; k > 0; k-- {
		if s.Has(k - 1) {
			parts = append(parts, (k - 1).String())
		}
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
