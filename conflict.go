package gridcore

import (
	"hash/fnv"
	"sort"
	"strings"
	"time"
)

// ConflictType classifies how a conflict was noticed
type ConflictType string

const (
	// ConflictConcurrentEdit means the same cell diverged locally and
	// remotely since the common baseline
	ConflictConcurrentEdit ConflictType = "concurrent-edit"
	// ConflictVersionMismatch means the remote document's sheet set no
	// longer matches the local one
	ConflictVersionMismatch ConflictType = "version-mismatch"
	// ConflictExternalModification means the backing file changed on disk
	// while the document was open
	ConflictExternalModification ConflictType = "external-modification"
)

// CellConflict is one divergent cell with all three versions
type CellConflict struct {
	Key    CellKey `json:"key"`
	Local  string  `json:"local"`
	Remote string  `json:"remote"`
	Base   string  `json:"base"`
}

// ConflictInfo describes a detected conflict pending resolution
type ConflictInfo struct {
	Type       ConflictType   `json:"type"`
	DetectedAt time.Time      `json:"detectedAt"`
	Cells      []CellConflict `json:"cells,omitempty"`
}

// ResolutionStrategy selects how ResolveConflicts reconciles divergent
// cells
type ResolutionStrategy string

const (
	ResolveKeepLocal  ResolutionStrategy = "keep-local"
	ResolveKeepRemote ResolutionStrategy = "keep-remote"
	ResolveMerge      ResolutionStrategy = "merge"
	ResolveManual     ResolutionStrategy = "manual"
)

// Resolution is the outcome for one conflicted cell. cells flagged for
// manual review keep their local value until the caller decides.
type Resolution struct {
	Key          CellKey `json:"key"`
	Value        string  `json:"value"`
	ManualReview bool    `json:"manualReview"`
}

// ConflictDetector keeps a baseline of the backing content so later
// versions can be compared three-way. the baseline refreshes whenever a
// comparison finds no divergence.
type ConflictDetector struct {
	clock        Clock
	baseSum      uint64
	baseModTime  time.Time
	baseCells    map[CellKey]string
	hasBaseline  bool
	baseSheetIDs map[string]struct{}
}

// NewConflictDetector creates a detector with no baseline; the first
// Baseline call seeds it
func NewConflictDetector(clock Clock) *ConflictDetector {
	if clock == nil {
		clock = &WallClock{}
	}
	return &ConflictDetector{clock: clock}
}

// contentChecksum is an fnv-1a sum over the serialized document
func contentChecksum(content []byte) uint64 {
	h := fnv.New64a()
	h.Write(content)
	return h.Sum64()
}

// rawCellValues flattens sheets into key -> raw input
func rawCellValues(sheets []*Sheet) map[CellKey]string {
	values := make(map[CellKey]string)
	for _, sheet := range sheets {
		for _, cell := range sheet.Cells() {
			key := CellKey{SheetID: sheet.ID, Row: cell.Row, Col: cell.Col}
			values[key] = cell.RawInput
		}
	}
	return values
}

// Baseline records content as the last known shared version
func (d *ConflictDetector) Baseline(content []byte, modTime time.Time) {
	d.baseSum = contentChecksum(content)
	d.baseModTime = modTime
	sheets := Parse(content)
	d.baseCells = rawCellValues(sheets)
	d.baseSheetIDs = make(map[string]struct{}, len(sheets))
	for _, sheet := range sheets {
		d.baseSheetIDs[sheet.ID] = struct{}{}
	}
	d.hasBaseline = true
}

// HasBaseline reports whether a baseline has been recorded
func (d *ConflictDetector) HasBaseline() bool {
	return d.hasBaseline
}

// BaselineModTime returns the modification time of the baseline content
func (d *ConflictDetector) BaselineModTime() time.Time {
	return d.baseModTime
}

// Detect compares a remote version of the document against the local
// sheets three-way. localEdits maps each cell this session has modified
// to the value it held before the first edit; only those cells can
// conflict, and only when the remote value differs from both the local
// value and the pre-edit one. a remote edit to a cell the local side
// never touched is not a conflict. when nothing diverges the remote
// content becomes the new baseline and Detect returns nil. a nil
// localEdits derives the edited set from the recorded baseline.
func (d *ConflictDetector) Detect(localSheets []*Sheet, localEdits map[CellKey]string, remoteContent []byte, remoteModTime time.Time) *ConflictInfo {
	remoteSum := contentChecksum(remoteContent)
	if d.hasBaseline && remoteSum == d.baseSum {
		return nil // remote is still the version we loaded
	}

	remoteSheets := Parse(remoteContent)
	remoteCells := rawCellValues(remoteSheets)
	localCells := rawCellValues(localSheets)
	if localEdits == nil {
		localEdits = d.editsAgainstBaseline(localCells)
	}

	if d.hasBaseline && d.sheetSetChanged(remoteSheets) {
		info := &ConflictInfo{Type: ConflictVersionMismatch, DetectedAt: d.clock.Now()}
		info.Cells = divergentCells(localCells, remoteCells, localEdits)
		return info
	}

	conflicts := divergentCells(localCells, remoteCells, localEdits)
	if len(conflicts) == 0 {
		d.Baseline(remoteContent, remoteModTime)
		return nil
	}
	return &ConflictInfo{
		Type:       ConflictConcurrentEdit,
		DetectedAt: d.clock.Now(),
		Cells:      conflicts,
	}
}

// editsAgainstBaseline reconstructs the locally edited set by diffing
// the local cells against the recorded baseline
func (d *ConflictDetector) editsAgainstBaseline(localCells map[CellKey]string) map[CellKey]string {
	edits := make(map[CellKey]string)
	for key, local := range localCells {
		if base, ok := d.baseCells[key]; !ok || base != local {
			edits[key] = d.baseCells[key]
		}
	}
	for key, base := range d.baseCells {
		if _, ok := localCells[key]; !ok {
			edits[key] = base // locally deleted
		}
	}
	return edits
}

// sheetSetChanged reports whether the remote sheet ids differ from the
// baseline's
func (d *ConflictDetector) sheetSetChanged(remoteSheets []*Sheet) bool {
	if len(remoteSheets) != len(d.baseSheetIDs) {
		return true
	}
	for _, sheet := range remoteSheets {
		if _, ok := d.baseSheetIDs[sheet.ID]; !ok {
			return true
		}
	}
	return false
}

// divergentCells finds locally edited cells whose remote value differs
// from both the local value and the pre-edit base. absence reads as the
// empty string.
func divergentCells(localCells, remoteCells, localEdits map[CellKey]string) []CellConflict {
	var conflicts []CellConflict
	for key, base := range localEdits {
		local := localCells[key]
		remote := remoteCells[key]
		if remote != local && remote != base {
			conflicts = append(conflicts, CellConflict{Key: key, Local: local, Remote: remote, Base: base})
		}
	}
	sort.Slice(conflicts, func(i, j int) bool {
		return conflicts[i].Key.String() < conflicts[j].Key.String()
	})
	return conflicts
}

// Resolve maps each conflicted cell to a resolved value under the given
// strategy. merge favors the non-empty side, collapses substring pairs
// to the longer value, and concatenates genuinely different text;
// manual keeps local values and flags every cell for review.
func Resolve(info *ConflictInfo, strategy ResolutionStrategy) ([]Resolution, error) {
	if info == nil {
		return nil, nil
	}
	resolutions := make([]Resolution, 0, len(info.Cells))
	for _, cell := range info.Cells {
		switch strategy {
		case ResolveKeepLocal:
			resolutions = append(resolutions, Resolution{Key: cell.Key, Value: cell.Local})
		case ResolveKeepRemote:
			resolutions = append(resolutions, Resolution{Key: cell.Key, Value: cell.Remote})
		case ResolveMerge:
			resolutions = append(resolutions, mergeCell(cell))
		case ResolveManual:
			resolutions = append(resolutions, Resolution{Key: cell.Key, Value: cell.Local, ManualReview: true})
		default:
			return nil, NewEngineError(InvalidArgument, "unknown resolution strategy: "+string(strategy))
		}
	}
	return resolutions, nil
}

// mergeCell reconciles one cell pairwise without caller input
func mergeCell(cell CellConflict) Resolution {
	local, remote := cell.Local, cell.Remote
	switch {
	case local == remote:
		return Resolution{Key: cell.Key, Value: local}
	case local == "":
		return Resolution{Key: cell.Key, Value: remote}
	case remote == "":
		return Resolution{Key: cell.Key, Value: local}
	case strings.Contains(remote, local):
		return Resolution{Key: cell.Key, Value: remote}
	case strings.Contains(local, remote):
		return Resolution{Key: cell.Key, Value: local}
	default:
		return Resolution{Key: cell.Key, Value: local + " | " + remote, ManualReview: true}
	}
}
