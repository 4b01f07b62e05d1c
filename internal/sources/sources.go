// Package sources imports all source adapter packages to trigger their
// init() registration. Import this package for side effects only.
package sources

import (
	// Import all adapter packages to register them with the registry.
	_ "traffic_engine/internal/sources/adsb"
	_ "traffic_engine/internal/sources/remoteid"
	_ "traffic_engine/internal/sources/telemetry"
)
