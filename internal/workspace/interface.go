package workspace

import "errors"

// Workspace is the scratch tree owned by exactly one job execution.
//
// Work is handed to the external engine as its output directory; Upload is
// the assembled tree that gets pushed to object storage.
type Workspace struct {
	Root   string
	Work   string
	Upload string
}

const (
	workDirName   = "work"
	uploadDirName = "upload"
)

var (
	// ErrAllocation is returned when a workspace cannot be created.
	ErrAllocation = errors.New("workspace allocation failed")

	// ErrCleanup describes a failed teardown. It is only ever logged.
	ErrCleanup = errors.New("workspace cleanup failed")
)

// SweepReport summarizes a stale workspace sweep.
type SweepReport struct {
	Removed int
	Skipped int
}
