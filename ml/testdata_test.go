package ml

import "math/rand"

var (
	testClasses      = []string{"0", "1", "2"}
	testFeatureNames = []string{"Gender", "AGE", "Urea", "Cr", "HbA1c", "Chol", "TG", "HDL", "LDL", "VLDL", "BMI"}
)

// syntheticData builds rows whose class is decided by HbA1c alone; the other
// columns are in-range noise.
func syntheticData(n int) ([][]float64, []int) {
	rnd := rand.New(rand.NewSource(7))
	x := make([][]float64, 0, n)
	y := make([]int, 0, n)
	for i := 0; i < n; i++ {
		label := i % 3
		var hba1c float64
		switch label {
		case 0:
			hba1c = 4.0 + rnd.Float64()*1.5
		case 1:
			hba1c = 5.8 + rnd.Float64()*0.6
		default:
			hba1c = 7.0 + rnd.Float64()*6
		}
		x = append(x, []float64{
			float64(rnd.Intn(2)),
			30 + rnd.Float64()*40,
			2 + rnd.Float64()*6,
			40 + rnd.Float64()*60,
			hba1c,
			3 + rnd.Float64()*3,
			0.5 + rnd.Float64()*2,
			0.8 + rnd.Float64()*1.5,
			1 + rnd.Float64()*3,
			0.3 + rnd.Float64(),
			20 + rnd.Float64()*12,
		})
		y = append(y, label)
	}
	return x, y
}
