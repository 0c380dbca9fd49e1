package poolprov

import "sync"

// CursorMode selects between block-oriented and row-by-row result set
// streaming (component F). Resolved once per back-end driver kind through
// the capabilityProbe registry, which is keyed by driver name, per the
// DESIGN.md Open Question resolution for "row-by-row cursor mode detection".
type CursorMode int

const (
	// CursorModeBlock streams rows in fixed-size blocks (the default).
	CursorModeBlock CursorMode = iota
	// CursorModeRowByRow advances one row per client request, for
	// back-ends whose LOB handles are invalidated by cursor movement.
	CursorModeRowByRow
)

// capabilityProbe reports whether driverName's LOB handles survive a
// cursor advance. The only registered probe, for "mysql", returns block mode
// as a constant and issues no statement against the backend; a driver with
// no entry also resolves to block mode. The registry exists so a back-end
// driver can register row-by-row behavior without touching the statement
// dispatcher or streamer.
var capabilityProbe = map[string]func() CursorMode{
	"mysql": func() CursorMode { return CursorModeBlock },
}

var (
	cursorModeMu    sync.Mutex
	cursorModeCache = map[string]CursorMode{}
)

// ResolveCursorMode returns the cursor mode for driverName, probing and
// caching the result on first use.
func ResolveCursorMode(driverName string) CursorMode {
	cursorModeMu.Lock()
	defer cursorModeMu.Unlock()

	if mode, ok := cursorModeCache[driverName]; ok {
		return mode
	}

	mode := CursorModeBlock
	if probe, ok := capabilityProbe[driverName]; ok {
		mode = probe()
	}
	cursorModeCache[driverName] = mode
	return mode
}
