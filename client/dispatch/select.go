package dispatch

import "github.com/ojp-proxy/ojp-go/internal/errmap"

// Select picks the healthy endpoint with the lowest load-aware score
// (spec.md §4.I: "weighted by in-flight count and decayed latency
// estimate"). exclude, if non-nil, is skipped — used by failover retry
// to avoid immediately re-selecting the endpoint that just failed.
func (s *EndpointSet) Select(exclude *Endpoint) (*Endpoint, error) {
	healthy := s.Healthy()
	var best *Endpoint
	var bestScore float64
	for _, ep := range healthy {
		if ep == exclude {
			continue
		}
		sc := ep.score()
		if best == nil || sc < bestScore {
			best, bestScore = ep, sc
		}
	}
	if best == nil {
		return nil, errmap.New(errmap.KindTransportFailure, "no healthy endpoint available")
	}
	return best, nil
}
