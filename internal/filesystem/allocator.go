// Package filesystem guards the output directory against running out
// of disk space mid-download, since yt-dlp itself has no pre-flight
// space check and fails late, mid-stream, once the volume fills.
package filesystem

import (
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/disk"
)

// spaceBuffer is kept free beyond the estimated download size, as
// headroom for muxing and other processes writing to the same volume.
const spaceBuffer = 100 * 1024 * 1024

// Guard checks free space on the volume backing a task's output
// directory before a worker attempt starts.
type Guard struct{}

func NewGuard() *Guard {
	return &Guard{}
}

// EnsureFreeSpace returns an error if dir's volume does not have at
// least estimatedBytes plus spaceBuffer free. estimatedBytes may be 0
// when the downloader hasn't reported an expected size yet (e.g. a
// playlist entry not yet probed); in that case only the buffer itself
// is required.
func (g *Guard) EnsureFreeSpace(dir string, estimatedBytes int64) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	usage, err := disk.Usage(dir)
	if err != nil {
		return fmt.Errorf("check disk space: %w", err)
	}

	required := estimatedBytes + spaceBuffer
	if int64(usage.Free) < required {
		return fmt.Errorf("insufficient disk space: need %d bytes free, have %d", required, usage.Free)
	}
	return nil
}
