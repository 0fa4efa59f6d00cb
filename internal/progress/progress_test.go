package progress

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewClassBarNilWriterIsNoop(t *testing.T) {
	bar := NewClassBar(nil, "deduping")
	require.NotPanics(t, func() {
		bar.Update(1, 10)
		bar.Update(5, 10)
		bar.Finish()
	})
}

func TestClassBarUpdateAndFinish(t *testing.T) {
	var buf bytes.Buffer
	bar := NewClassBar(&buf, "deduping")
	require.NotPanics(t, func() {
		bar.Update(0, 3)
		bar.Update(1, 3)
		bar.Update(3, 3)
		bar.Finish()
	})
}

func TestClassBarChangesMaxWhenTotalGrows(t *testing.T) {
	var buf bytes.Buffer
	bar := NewClassBar(&buf, "deduping")
	bar.Update(0, 2)
	require.EqualValues(t, 2, bar.bar.GetMax())
	bar.Update(1, 5)
	require.EqualValues(t, 5, bar.bar.GetMax())
	bar.Finish()
}
