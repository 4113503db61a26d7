package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDelayBeforeTouch(t *testing.T) {
	s := &Sequence{Touches: 4, TouchDelays: []int{2, 3, 5}}

	assert.Equal(t, 0, s.DelayBeforeTouch(1))
	assert.Equal(t, 2, s.DelayBeforeTouch(2))
	assert.Equal(t, 3, s.DelayBeforeTouch(3))
	assert.Equal(t, 5, s.DelayBeforeTouch(4))

	// Short delay lists reuse the last configured value.
	assert.Equal(t, 5, s.DelayBeforeTouch(9))

	empty := &Sequence{Touches: 3}
	assert.Equal(t, 0, empty.DelayBeforeTouch(2))
}

func TestDraftSubjectSelection(t *testing.T) {
	d := &Draft{SubjectOptions: []string{"first", "second"}}
	assert.Equal(t, "first", d.Subject())

	d.SelectedSubject = "edited"
	assert.Equal(t, "edited", d.Subject())

	assert.Equal(t, "", (&Draft{}).Subject())
}
