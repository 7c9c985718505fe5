// Package coordinate implements a Vivaldi-based network coordinate
// estimator, used to predict round-trip time between cluster members
// without directly measuring every pair.
package coordinate

// Config sets the tuning parameters of the Vivaldi algorithm. All time
// values are in seconds unless noted.
//
// References:
//
// [1] Dabek, Frank, et al. "Vivaldi: A decentralized network coordinate
//     system." ACM SIGCOMM Computer Communication Review. Vol. 34. No. 4.
//     ACM, 2004.
// [2] Ledlie, Jonathan, Paul Gardner, and Margo I. Seltzer. "Network
//     Coordinates in the Wild." NSDI. Vol. 7. 2007.
type Config struct {
	// Dimensionality is the size of the Euclidean portion of the
	// coordinate vector. More dimensions improve accuracy up to a point;
	// [2] found no improvement past 7.
	Dimensionality uint

	// HeightMin is the minimum height component, preventing the height
	// term from collapsing to (or below) zero.
	HeightMin float64

	// VivaldiErrorMax is both the initial error value for a fresh
	// coordinate and the ceiling the error is clamped to.
	VivaldiErrorMax float64

	// VivaldiCE bounds how much a single observation can move the error
	// estimate.
	VivaldiCE float64

	// VivaldiCC bounds how much a single observation can move the
	// coordinate itself.
	VivaldiCC float64

	// AdjustmentWindowSize is the number of recent (rtt - rawDistance)
	// samples averaged into the adjustment term. Zero disables it.
	AdjustmentWindowSize uint

	// GravityRho controls the strength of the inward force that keeps
	// coordinates from drifting apart without bound, per [1]'s gravity
	// term.
	GravityRho float64

	// LatencyFilterSize is the length of the per-node RTT ring buffer a
	// Client medians before feeding a sample into the Vivaldi update.
	LatencyFilterSize uint
}

// DefaultConfig returns reasonable defaults for a general-purpose cluster,
// following the values in [1] and [2] above.
func DefaultConfig() *Config {
	return &Config{
		Dimensionality:       8,
		HeightMin:            1.0e-5,
		VivaldiErrorMax:      1.5,
		VivaldiCE:            0.25,
		VivaldiCC:            0.25,
		AdjustmentWindowSize: 20,
		GravityRho:           150,
		LatencyFilterSize:    3,
	}
}
