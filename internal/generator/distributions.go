package generator

import (
	"math"
	"math/rand"
)

// betaSample draws from Beta(alpha, beta) via two gamma draws. Used for the
// initial declared risk score, which skews low for most accounts.
func betaSample(rng *rand.Rand, alpha, beta float64) float64 {
	x := gammaSample(rng, alpha)
	y := gammaSample(rng, beta)
	return x / (x + y)
}

// gammaSample draws from Gamma(shape, 1) using the Marsaglia-Tsang method.
// Only shapes >= 1 are needed here.
func gammaSample(rng *rand.Rand, shape float64) float64 {
	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9.0*d)
	for {
		x := rng.NormFloat64()
		v := 1.0 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1.0-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1.0-v+math.Log(v)) {
			return d * v
		}
	}
}

// logNormalAmount draws a transaction amount from LogNormal(mean, sigma)
// clamped to [10, 5000] and rounded to cents.
func logNormalAmount(rng *rand.Rand, mean, sigma float64) float64 {
	amount := math.Exp(mean + sigma*rng.NormFloat64())
	amount = math.Max(10, math.Min(amount, 5000))
	return roundCents(amount)
}

func roundCents(amount float64) float64 {
	return math.Round(amount*100) / 100
}

// uniformAmount draws uniformly from [low, high] rounded to cents.
func uniformAmount(rng *rand.Rand, low, high float64) float64 {
	return roundCents(low + rng.Float64()*(high-low))
}
