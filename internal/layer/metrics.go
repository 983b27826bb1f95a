package layer

import "github.com/ethereum/go-ethereum/metrics"

// Metrics follow the hit/miss go-metrics.Meter style used throughout
// this codebase: one registered Meter per outcome, read by whatever
// metrics exporter the embedding process wires up.
var (
	deltaBloomSkipMeter  = metrics.NewRegisteredMeter("pageserver/layer/delta/bloomskip", nil)
	deltaHitMeter        = metrics.NewRegisteredMeter("pageserver/layer/delta/hit", nil)
	deltaMissMeter       = metrics.NewRegisteredMeter("pageserver/layer/delta/miss", nil)
	imageHitMeter        = metrics.NewRegisteredMeter("pageserver/layer/image/hit", nil)
	imageMissMeter       = metrics.NewRegisteredMeter("pageserver/layer/image/miss", nil)
	remoteDownloadMeter  = metrics.NewRegisteredMeter("pageserver/layer/remote/download", nil)
)
