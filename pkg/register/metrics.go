package register

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"volregister/internal/models"
)

// Metrics summarises how well a registered template matches the atlas
// template it was aligned to. Diagnostic only; no orchestration decision
// depends on these values.
type Metrics struct {
	// MI approximates the mutual information between the two volumes.
	// Higher is better.
	MI float64

	// RMSE is the root mean square intensity error. Lower is better.
	RMSE float64

	// NCC is the normalised cross-correlation of intensities, in [-1, 1].
	NCC float64
}

// ComputeMetrics compares the atlas template with the registered sample
// template. Both volumes must be on the same grid; a size mismatch yields
// zero metrics.
func ComputeMetrics(reference, registered *models.Volume) Metrics {
	return computeMetrics(reference.Data, registered.Data)
}

func computeMetrics(ref, reg []float64) Metrics {
	n := len(ref)
	if n == 0 || n != len(reg) {
		return Metrics{}
	}

	var m Metrics

	// RMSE
	mse := 0.0
	for i := 0; i < n; i++ {
		d := ref[i] - reg[i]
		mse += d * d
	}
	m.RMSE = math.Sqrt(mse / float64(n))

	// Normalised cross-correlation
	m.NCC = stat.Correlation(ref, reg, nil)
	if math.IsNaN(m.NCC) {
		m.NCC = 0
	}

	// Gaussian approximation of mutual information from variances and
	// covariance.
	varRef := stat.Variance(ref, nil)
	varReg := stat.Variance(reg, nil)
	covar := stat.Covariance(ref, reg, nil)
	if varRef > 0 && varReg > 0 {
		det := varRef*varReg - covar*covar
		if det > 0 {
			m.MI = 0.5 * math.Log(varRef*varReg/det)
		}
	}

	return m
}
