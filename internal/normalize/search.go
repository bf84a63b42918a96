package normalize

import "math"

// encodeAt encodes the working image at a given quality and reports the
// resulting byte size. Abstracted so the search is testable against a
// synthetic size model.
type encodeAt func(quality float64) ([]byte, error)

// searchResult is the outcome of the quality search.
type searchResult struct {
	data    []byte
	quality float64
	size    int
}

// searchQuality runs a bounded binary search over the encoder quality
// parameter, aiming for an encoded size inside [TargetMinBytes,
// TargetMaxBytes]. Each iteration encodes at the interval midpoint. A size
// inside the band within MidTolerance of the band midpoint stops the search
// early. The candidate closest to the band midpoint wins; if no iteration
// produced output (encoder failure aside), the final midpoint is used.
func (n *Normalizer) searchQuality(encode encodeAt) (searchResult, error) {
	lo := n.cfg.QualityLow
	hi := n.cfg.QualityHigh
	mid := float64(n.cfg.TargetMinBytes+n.cfg.TargetMaxBytes) / 2

	var best searchResult
	bestDist := math.Inf(1)

	for i := 0; i < n.cfg.MaxIterations; i++ {
		q := (lo + hi) / 2
		data, err := encode(q)
		if err != nil {
			return searchResult{}, err
		}
		size := len(data)
		dist := math.Abs(float64(size) - mid)

		if dist < bestDist {
			best = searchResult{data: data, quality: q, size: size}
			bestDist = dist
		}

		inBand := size >= n.cfg.TargetMinBytes && size <= n.cfg.TargetMaxBytes
		if inBand && dist < float64(n.cfg.MidTolerance) {
			return best, nil
		}

		switch {
		case size > n.cfg.TargetMaxBytes:
			hi = q
		case size < n.cfg.TargetMinBytes:
			lo = q
		case float64(size) < mid:
			lo = q
		default:
			hi = q
		}
	}

	if best.data == nil {
		q := (lo + hi) / 2
		data, err := encode(q)
		if err != nil {
			return searchResult{}, err
		}
		best = searchResult{data: data, quality: q, size: len(data)}
	}
	return best, nil
}
