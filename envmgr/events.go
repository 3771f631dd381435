package envmgr

// Stage names reported in progress events.
const (
	StageChecking    = "checking"
	StageCreating    = "creating"
	StageDownloading = "downloading"
	StageInstalling  = "installing"
	StageVerifying   = "verifying"
	StageReady       = "ready"
	StageUpToDate    = "up-to-date"
	StageFailed      = "failed"
)

// Event reports provisioning progress for one plugin.
type Event struct {
	Plugin  string
	Stage   string
	Percent float64
	Message string
}

// ProgressFunc receives events. It is called from provisioning goroutines
// and must not block for long.
type ProgressFunc func(Event)
