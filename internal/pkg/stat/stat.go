// Package stat holds the small statistical kernel shared by the sampler
// and the fatigue detector: Beta sampling, the regularized incomplete
// beta function, and a one-sided Welch t-test.
package stat

import (
	"math"
	"math/rand"
)

// SampleBeta draws from Beta(alpha, beta) using two Gamma draws.
func SampleBeta(rng *rand.Rand, alpha, beta float64) float64 {
	x := sampleGamma(rng, alpha)
	y := sampleGamma(rng, beta)
	if x+y == 0 {
		return 0.5
	}
	return x / (x + y)
}

// sampleGamma draws from Gamma(shape, 1) via Marsaglia-Tsang. Shapes below 1
// use the boosting transform.
func sampleGamma(rng *rand.Rand, shape float64) float64 {
	if shape < 1 {
		u := rng.Float64()
		return sampleGamma(rng, shape+1) * math.Pow(u, 1/shape)
	}
	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9*d)
	for {
		x := rng.NormFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}

// BetaTailProb returns P(theta > x) for theta ~ Beta(alpha, beta).
func BetaTailProb(x, alpha, beta float64) float64 {
	if x <= 0 {
		return 1
	}
	if x >= 1 {
		return 0
	}
	return 1 - RegIncompleteBeta(x, alpha, beta)
}

// RegIncompleteBeta evaluates I_x(a, b) with the standard continued-fraction
// expansion (Lentz's method).
func RegIncompleteBeta(x, a, b float64) float64 {
	if x <= 0 {
		return 0
	}
	if x >= 1 {
		return 1
	}
	// The continued fraction converges fastest for x < (a+1)/(a+b+2);
	// use the symmetry I_x(a,b) = 1 - I_{1-x}(b,a) otherwise.
	if x > (a+1)/(a+b+2) {
		return 1 - RegIncompleteBeta(1-x, b, a)
	}

	lnBeta := lgamma(a) + lgamma(b) - lgamma(a+b)
	front := math.Exp(a*math.Log(x)+b*math.Log(1-x)-lnBeta) / a

	const maxIter = 200
	const eps = 1e-12
	f, c, d := 1.0, 1.0, 0.0
	for i := 0; i <= maxIter; i++ {
		m := i / 2
		var numerator float64
		switch {
		case i == 0:
			numerator = 1
		case i%2 == 0:
			numerator = float64(m) * (b - float64(m)) * x / ((a + 2*float64(m) - 1) * (a + 2*float64(m)))
		default:
			numerator = -(a + float64(m)) * (a + b + float64(m)) * x / ((a + 2*float64(m)) * (a + 2*float64(m) + 1))
		}

		d = 1 + numerator*d
		if math.Abs(d) < 1e-30 {
			d = 1e-30
		}
		d = 1 / d
		c = 1 + numerator/c
		if math.Abs(c) < 1e-30 {
			c = 1e-30
		}
		f *= c * d
		if math.Abs(1-c*d) < eps {
			break
		}
	}
	return front * (f - 1)
}

// WelchOneSidedP returns the p-value for the one-sided hypothesis
// mean(a) > mean(b) under Welch's unequal-variance t-test. Returns 1 when
// either sample is too small to test.
func WelchOneSidedP(a, b []float64) float64 {
	if len(a) < 2 || len(b) < 2 {
		return 1
	}
	ma, va := meanVar(a)
	mb, vb := meanVar(b)
	na, nb := float64(len(a)), float64(len(b))

	se2 := va/na + vb/nb
	if se2 <= 0 {
		if ma > mb {
			return 0
		}
		return 1
	}
	t := (ma - mb) / math.Sqrt(se2)

	// Welch-Satterthwaite degrees of freedom.
	df := se2 * se2 / ((va*va)/(na*na*(na-1)) + (vb*vb)/(nb*nb*(nb-1)))
	if df < 1 {
		df = 1
	}
	if t <= 0 {
		return 1 - studentTailProb(-t, df)
	}
	return studentTailProb(t, df)
}

// studentTailProb returns P(T > t) for T ~ Student-t(df), t >= 0.
func studentTailProb(t, df float64) float64 {
	x := df / (df + t*t)
	return RegIncompleteBeta(x, df/2, 0.5) / 2
}

func meanVar(xs []float64) (float64, float64) {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	m := sum / float64(len(xs))
	var ss float64
	for _, x := range xs {
		d := x - m
		ss += d * d
	}
	return m, ss / float64(len(xs)-1)
}

func lgamma(x float64) float64 {
	v, _ := math.Lgamma(x)
	return v
}
