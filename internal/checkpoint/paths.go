package checkpoint

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/registry"
)

// #region names

// LatestName is overwritten at the end of every epoch.
const LatestName = "checkpoint.pth"

// LatestPath returns <dir>/checkpoint.pth.
func LatestPath(dir string) string {
	return filepath.Join(dir, LatestName)
}

// NumberedPath returns <dir>/checkpoint<epoch:04>.pth.
func NumberedPath(dir string, epoch int) string {
	return filepath.Join(dir, fmt.Sprintf("checkpoint%04d.pth", epoch))
}

// BestPath returns <dir>/BEST_checkpoint_since<startEpoch>.pth. A run
// resumed at a later epoch keeps its own best file.
func BestPath(dir string, startEpoch int) string {
	return filepath.Join(dir, fmt.Sprintf("BEST_checkpoint_since%d.pth", startEpoch))
}

var numberedRe = regexp.MustCompile(`^checkpoint(\d+)\.pth$`)

// KindOf classifies a checkpoint file by its name.
func KindOf(path string) registry.Kind {
	base := filepath.Base(path)
	switch {
	case strings.HasPrefix(base, "BEST_checkpoint"):
		return registry.KindBest
	case numberedRe.MatchString(base):
		return registry.KindPeriodic
	default:
		return registry.KindLatest
	}
}

// EpochFromPath extracts the epoch of a numbered checkpoint path such as
// "runs/exp/checkpoint0007.pth". It returns -1 for any other name.
func EpochFromPath(path string) int {
	m := numberedRe.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return -1
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return -1
	}
	return n
}

// #endregion names

// #region policy

// NumberedDue reports whether epoch gets a retained numbered checkpoint: the
// epoch right before a learning-rate drop, and every freq epochs. Non-positive
// intervals disable the corresponding rule.
func NumberedDue(epoch, lrDrop, freq int) bool {
	next := epoch + 1
	if lrDrop > 0 && next%lrDrop == 0 {
		return true
	}
	return freq > 0 && next%freq == 0
}

// #endregion policy
