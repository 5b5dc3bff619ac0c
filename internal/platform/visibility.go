// Package platform adapts host signals (page visibility, memory pressure)
// into observables the realtime transport can subscribe to.
package platform

import "feedbackmic/internal/observe"

// Visibility tracks whether the client surface is hidden.
type Visibility struct {
	hidden *observe.Value[bool]
}

func NewVisibility() *Visibility {
	return &Visibility{hidden: observe.NewValue(false)}
}

// SetHidden records a visibility change reported by the client.
func (v *Visibility) SetHidden(hidden bool) {
	v.hidden.Set(hidden)
}

// Hidden reports the current visibility.
func (v *Visibility) Hidden() bool {
	return v.hidden.Get()
}

// Subscribe delivers visibility changes (true means hidden).
func (v *Visibility) Subscribe() (<-chan bool, func()) {
	return v.hidden.Subscribe()
}
