package gridcore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// document builds a one-sheet wire blob from A1-address -> raw value
func document(t *testing.T, sheetID string, cells map[string]string) []byte {
	t.Helper()
	sheet := NewSheet(sheetID, "Sheet1")
	for address, raw := range cells {
		row, col, err := ParseCellAddress(address)
		require.NoError(t, err)
		sheet.SetCell(&Cell{
			Row:          row,
			Col:          col,
			RawInput:     raw,
			DisplayValue: formatValue(coerceLiteral(raw)),
		})
	}
	data, err := Serialize([]*Sheet{sheet})
	require.NoError(t, err)
	return data
}

func baselineDetector(t *testing.T, cells map[string]string) (*ConflictDetector, []*Sheet) {
	t.Helper()
	content := document(t, "s1", cells)
	detector := NewConflictDetector(newFakeClock())
	detector.Baseline(content, time.Now())
	return detector, Parse(content)
}

func TestDetectNoChange(t *testing.T) {
	detector, local := baselineDetector(t, map[string]string{"A1": "1"})
	remote := document(t, "s1", map[string]string{"A1": "1"})

	assert.Nil(t, detector.Detect(local, nil, remote, time.Now()))
}

func TestDetectRemoteOnlyEditIsNotAConflict(t *testing.T) {
	detector, local := baselineDetector(t, map[string]string{"A1": "1", "B1": "2"})

	// remote changed B1, local never touched it: no conflict, the remote
	// version simply becomes the new baseline
	remote := document(t, "s1", map[string]string{"A1": "1", "B1": "99"})
	assert.Nil(t, detector.Detect(local, nil, remote, time.Now()))

	// the refreshed baseline now carries the remote edit
	info := detector.Detect(local, map[CellKey]string{}, remote, time.Now())
	assert.Nil(t, info)

	// a later local edit to that cell conflicts against the new baseline
	edited := Parse(document(t, "s1", map[string]string{"A1": "1", "B1": "local"}))
	newer := document(t, "s1", map[string]string{"A1": "1", "B1": "newer"})
	info = detector.Detect(edited, map[CellKey]string{mustKey(t, "s1", "B1"): "99"}, newer, time.Now())
	require.NotNil(t, info)
	require.Len(t, info.Cells, 1)
	assert.Equal(t, "99", info.Cells[0].Base)
}

func mustKey(t *testing.T, sheetID, address string) CellKey {
	t.Helper()
	row, col, err := ParseCellAddress(address)
	require.NoError(t, err)
	return CellKey{SheetID: sheetID, Row: row, Col: col}
}

func TestDetectCleanRemoteRefreshesBaseline(t *testing.T) {
	detector, _ := baselineDetector(t, map[string]string{"A1": "1"})

	// local caught up with the remote edit, so nothing diverges and the
	// remote version becomes the new baseline
	local := Parse(document(t, "s1", map[string]string{"A1": "5"}))
	remote := document(t, "s1", map[string]string{"A1": "5"})
	assert.Nil(t, detector.Detect(local, nil, remote, time.Now()))

	// the refreshed baseline means detecting against it again is a no-op
	assert.Nil(t, detector.Detect(local, nil, remote, time.Now()))
}

func TestDetectConcurrentEdit(t *testing.T) {
	detector, _ := baselineDetector(t, map[string]string{"A1": "base"})

	local := Parse(document(t, "s1", map[string]string{"A1": "local edit"}))
	remote := document(t, "s1", map[string]string{"A1": "remote edit"})

	info := detector.Detect(local, nil, remote, time.Now())
	require.NotNil(t, info)
	assert.Equal(t, ConflictConcurrentEdit, info.Type)
	require.Len(t, info.Cells, 1)

	cell := info.Cells[0]
	assert.Equal(t, "local edit", cell.Local)
	assert.Equal(t, "remote edit", cell.Remote)
	assert.Equal(t, "base", cell.Base)
}

func TestDetectRemoteMatchingLocalIsNotAConflict(t *testing.T) {
	detector, _ := baselineDetector(t, map[string]string{"A1": "base"})

	// both sides made the same edit
	local := Parse(document(t, "s1", map[string]string{"A1": "same"}))
	remote := document(t, "s1", map[string]string{"A1": "same"})
	assert.Nil(t, detector.Detect(local, nil, remote, time.Now()))
}

func TestDetectVersionMismatch(t *testing.T) {
	detector, local := baselineDetector(t, map[string]string{"A1": "1"})

	remote := document(t, "different-sheet", map[string]string{"A1": "1"})
	info := detector.Detect(local, nil, remote, time.Now())
	require.NotNil(t, info)
	assert.Equal(t, ConflictVersionMismatch, info.Type)
}

func TestDetectDeletedCell(t *testing.T) {
	detector, _ := baselineDetector(t, map[string]string{"A1": "keep", "B1": "gone"})

	// remote deleted B1 while local changed it
	local := Parse(document(t, "s1", map[string]string{"A1": "keep", "B1": "edited"}))
	remote := document(t, "s1", map[string]string{"A1": "keep"})

	info := detector.Detect(local, nil, remote, time.Now())
	require.NotNil(t, info)
	require.Len(t, info.Cells, 1)
	assert.Equal(t, "edited", info.Cells[0].Local)
	assert.Equal(t, "", info.Cells[0].Remote)
}

func conflictOf(key CellKey, local, remote, base string) *ConflictInfo {
	return &ConflictInfo{
		Type:  ConflictConcurrentEdit,
		Cells: []CellConflict{{Key: key, Local: local, Remote: remote, Base: base}},
	}
}

func TestResolveStrategies(t *testing.T) {
	key := CellKey{SheetID: "s1", Row: 0, Col: 0}

	cases := []struct {
		name     string
		strategy ResolutionStrategy
		local    string
		remote   string
		want     string
		manual   bool
	}{
		{"keep local", ResolveKeepLocal, "mine", "theirs", "mine", false},
		{"keep remote", ResolveKeepRemote, "mine", "theirs", "theirs", false},
		{"merge empty local", ResolveMerge, "", "theirs", "theirs", false},
		{"merge empty remote", ResolveMerge, "mine", "", "mine", false},
		{"merge local substring", ResolveMerge, "plan", "plan B", "plan B", false},
		{"merge remote substring", ResolveMerge, "plan B", "plan", "plan B", false},
		{"merge disjoint", ResolveMerge, "alpha", "beta", "alpha | beta", true},
		{"manual", ResolveManual, "mine", "theirs", "mine", true},
	}
	for _, c := range cases {
		resolutions, err := Resolve(conflictOf(key, c.local, c.remote, "base"), c.strategy)
		require.NoError(t, err, c.name)
		require.Len(t, resolutions, 1, c.name)
		assert.Equal(t, c.want, resolutions[0].Value, c.name)
		assert.Equal(t, c.manual, resolutions[0].ManualReview, c.name)
	}
}

func TestResolveUnknownStrategy(t *testing.T) {
	key := CellKey{SheetID: "s1", Row: 0, Col: 0}
	_, err := Resolve(conflictOf(key, "a", "b", ""), ResolutionStrategy("bogus"))
	assert.Error(t, err)
}

func TestResolveNilConflict(t *testing.T) {
	resolutions, err := Resolve(nil, ResolveKeepLocal)
	assert.NoError(t, err)
	assert.Nil(t, resolutions)
}
