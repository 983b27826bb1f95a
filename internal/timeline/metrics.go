package timeline

import "github.com/ethereum/go-ethereum/metrics"

// Metrics named after the operation they time/count, the same
// registered-Meter/Timer style used throughout this codebase.
var (
	walRedoTimer   = metrics.NewRegisteredTimer("pageserver/timeline/walredo", nil)
	flushTimer     = metrics.NewRegisteredTimer("pageserver/timeline/flush", nil)
	compactTimer   = metrics.NewRegisteredTimer("pageserver/timeline/compact", nil)
	gcTimer        = metrics.NewRegisteredTimer("pageserver/timeline/gc", nil)

	getMissMeter      = metrics.NewRegisteredMeter("pageserver/timeline/get/miss", nil)
	traversalErrMeter = metrics.NewRegisteredMeter("pageserver/timeline/get/traversalerror", nil)
	gcLayersRemoved   = metrics.NewRegisteredMeter("pageserver/timeline/gc/layersremoved", nil)
	compactionL0s     = metrics.NewRegisteredMeter("pageserver/timeline/compact/l0sprocessed", nil)
)
