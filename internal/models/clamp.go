package models

// ClampImportance bounds an importance score to [0,100].
func ClampImportance(score float64) float64 {
	return clamp(score, 0, 100)
}

// ClampUnit bounds a strength or confidence value to [0,1].
func ClampUnit(v float64) float64 {
	return clamp(v, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v != v { // NaN
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
