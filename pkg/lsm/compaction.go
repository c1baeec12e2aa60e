package lsm

import "github.com/dd0wney/cluso-kv/pkg/keys"

// Compaction describes one merge of files from level into level+1.
type Compaction struct {
	opts  *Options
	level int
	edit  VersionEdit

	maxOutputFileSize int64
	inputVersion      *Version

	// inputs[0] holds the level files, inputs[1] the level+1 files.
	inputs [2][]*FileMetaData

	// grandparents are the level+2 files overlapping the compaction,
	// used to cut outputs before they get expensive to re-compact.
	grandparents     []*FileMetaData
	grandparentIndex int
	seenKey          bool
	overlappedBytes  int64

	// levelPtrs tracks per-level progress for IsBaseLevelForKey, which
	// walks keys in order and so never needs to back up.
	levelPtrs [NumLevels]int
}

func newCompaction(opts *Options, level int) *Compaction {
	return &Compaction{
		opts:              opts,
		level:             level,
		maxOutputFileSize: targetFileSize(opts),
	}
}

// Level is the level being compacted; outputs land in Level()+1.
func (c *Compaction) Level() int { return c.level }

// Edit accumulates the version changes this compaction will apply.
func (c *Compaction) Edit() *VersionEdit { return &c.edit }

// NumInputFiles reports how many files which side contributes.
func (c *Compaction) NumInputFiles(which int) int { return len(c.inputs[which]) }

// Input returns the i'th file of the given side.
func (c *Compaction) Input(which, i int) *FileMetaData { return c.inputs[which][i] }

// MaxOutputFileSize caps each output table.
func (c *Compaction) MaxOutputFileSize() int64 { return c.maxOutputFileSize }

// IsTrivialMove reports whether the compaction can be done by moving
// the single input file down a level without rewriting it. Moves into
// heavy grandparent overlap are rewritten instead, since the moved
// file would immediately force an expensive merge.
func (c *Compaction) IsTrivialMove() bool {
	return len(c.inputs[0]) == 1 && len(c.inputs[1]) == 0 &&
		totalFileSize(c.grandparents) <= maxGrandParentOverlapBytes(c.opts)
}

// AddInputDeletions records every input file as deleted in edit.
func (c *Compaction) AddInputDeletions(edit *VersionEdit) {
	for which := 0; which < 2; which++ {
		for _, f := range c.inputs[which] {
			edit.RemoveFile(c.level+which, f.Number)
		}
	}
}

// IsBaseLevelForKey reports whether no level deeper than the output
// carries userKey, letting the compaction drop deletion markers.
// Callers must present keys in increasing order.
func (c *Compaction) IsBaseLevelForKey(userKey []byte) bool {
	ucmp := c.inputVersion.vset.icmp.UserComparator()
	for level := c.level + 2; level < NumLevels; level++ {
		files := c.inputVersion.files[level]
		for c.levelPtrs[level] < len(files) {
			f := files[c.levelPtrs[level]]
			if ucmp.Compare(userKey, keys.UserKey(f.Largest)) <= 0 {
				if ucmp.Compare(userKey, keys.UserKey(f.Smallest)) >= 0 {
					return false
				}
				break
			}
			c.levelPtrs[level]++
		}
	}
	return true
}

// ShouldStopBefore reports whether the current output should be closed
// before internalKey to limit grandparent overlap.
func (c *Compaction) ShouldStopBefore(internalKey []byte) bool {
	icmp := c.inputVersion.vset.icmp
	for c.grandparentIndex < len(c.grandparents) &&
		icmp.Compare(internalKey, c.grandparents[c.grandparentIndex].Largest) > 0 {
		if c.seenKey {
			c.overlappedBytes += int64(c.grandparents[c.grandparentIndex].FileSize)
		}
		c.grandparentIndex++
	}
	c.seenKey = true
	if c.overlappedBytes > maxGrandParentOverlapBytes(c.opts) {
		c.overlappedBytes = 0
		return true
	}
	return false
}

// ReleaseInputs drops the compaction's hold on its input version.
func (c *Compaction) ReleaseInputs() {
	if c.inputVersion != nil {
		c.inputVersion.Unref()
		c.inputVersion = nil
	}
}
