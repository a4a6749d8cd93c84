package trust

// Transitive trust parameters.
const (
	// HopDamping multiplies the path product once per hop.
	HopDamping = 0.5
	// MaxHops bounds endorsement paths.
	MaxHops = 3
	// SybilThreshold rejects paths through weakly trusted nodes.
	SybilThreshold = 0.2
	// AnchorTeleport is the influence fraction always attributed to trust
	// anchors, bounding how far a sybil cluster can amplify itself.
	AnchorTeleport = 0.15
)

// Graph is the endorsement adjacency: endorser → endorsee → weight in [0,1].
type Graph map[string]map[string]float64

// Endorse records a directed endorsement, replacing any previous weight.
func (g Graph) Endorse(from, to string, weight float64) {
	if weight < 0 {
		weight = 0
	}
	if weight > 1 {
		weight = 1
	}
	edges, ok := g[from]
	if !ok {
		edges = make(map[string]float64)
		g[from] = edges
	}
	edges[to] = weight
}

// Transitive derives trust between an unknown pair by searching endorsement
// paths of at most MaxHops: the best path's product, damped by HopDamping per
// hop. Any path touching a node whose own trust is below SybilThreshold is
// rejected. Returns 0 when no admissible path exists.
func Transitive(g Graph, from, to string, nodeTrust func(string) float64) float64 {
	if from == to {
		return 1.0
	}
	if nodeTrust(from) < SybilThreshold || nodeTrust(to) < SybilThreshold {
		return 0
	}

	type state struct {
		node    string
		product float64
	}
	frontier := []state{{node: from, product: 1.0}}
	best := 0.0
	// bestAt prunes revisits that cannot improve on an earlier partial product.
	bestAt := map[string]float64{from: 1.0}

	for hop := 1; hop <= MaxHops; hop++ {
		var next []state
		for _, st := range frontier {
			for peer, weight := range g[st.node] {
				if weight <= 0 {
					continue
				}
				if peer != to && nodeTrust(peer) < SybilThreshold {
					continue
				}
				product := st.product * weight * HopDamping
				if peer == to {
					if product > best {
						best = product
					}
					continue
				}
				if prev, seen := bestAt[peer]; seen && prev >= product {
					continue
				}
				bestAt[peer] = product
				next = append(next, state{node: peer, product: product})
			}
		}
		frontier = next
	}
	return best
}

// AnchorAdjusted pins the teleport fraction of total influence on the
// anchors: every weight is scaled by (1−ε) and the reserved ε of the total is
// split evenly across anchors. The sum of weights is preserved. With no
// anchors the input is returned unchanged.
func AnchorAdjusted(influence map[string]float64, anchors []string) map[string]float64 {
	if len(anchors) == 0 || len(influence) == 0 {
		return influence
	}
	total := 0.0
	for _, w := range influence {
		total += w
	}
	out := make(map[string]float64, len(influence))
	for id, w := range influence {
		out[id] = w * (1 - AnchorTeleport)
	}
	share := total * AnchorTeleport / float64(len(anchors))
	for _, id := range anchors {
		out[id] += share
	}
	return out
}
