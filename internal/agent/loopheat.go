package agent

import (
	"fmt"
	"strings"

	"github.com/MLTQ/ponderer-backend/internal/tools"
)

// LoopHeat detects repetitive autonomous turns. Each turn contributes a
// token-set signature built from the response digest, the action digest,
// and the tool-set digest; Jaccard similarity against a sliding window of
// prior signatures drives a heat counter that forces a yield when it
// crosses the threshold. Deterministic and cheap: no embeddings.
type LoopHeat struct {
	window    int
	threshold float64
	heatLimit int
	cooldown  int

	ring [][]string
	heat int
}

// NewLoopHeat builds a tracker. Zero or negative parameters fall back to
// the operating defaults (window 24, similarity 0.92, limit 20).
func NewLoopHeat(window int, threshold float64, heatLimit, cooldown int) *LoopHeat {
	if window <= 0 {
		window = 24
	}
	if threshold <= 0 {
		threshold = 0.92
	}
	if heatLimit <= 0 {
		heatLimit = 20
	}
	if cooldown <= 0 {
		cooldown = 1
	}
	return &LoopHeat{window: window, threshold: threshold, heatLimit: heatLimit, cooldown: cooldown}
}

// Heat returns the current heat counter.
func (h *LoopHeat) Heat() int { return h.heat }

// Reset clears the window and counter; called when a fresh operator
// message starts a new foreground cycle.
func (h *LoopHeat) Reset() {
	h.ring = nil
	h.heat = 0
}

// Observe records a turn signature and reports whether the loop is hot
// (heat has reached the forced-yield threshold). The turn that seeded a
// repetition streak counts toward it retroactively on the first match,
// so N consecutive identical turns put heat at N.
func (h *LoopHeat) Observe(sig []string) bool {
	maxSim := 0.0
	for _, prior := range h.ring {
		if sim := jaccard(sig, prior); sim > maxSim {
			maxSim = sim
		}
	}

	if len(h.ring) > 0 && maxSim >= h.threshold {
		if h.heat == 0 {
			h.heat = 2
		} else {
			h.heat++
		}
	} else if h.heat > 0 {
		h.heat -= h.cooldown
		if h.heat < 0 {
			h.heat = 0
		}
	}

	h.ring = append(h.ring, sig)
	if len(h.ring) > h.window {
		h.ring = h.ring[len(h.ring)-h.window:]
	}

	return h.heat >= h.heatLimit
}

// TurnSignatureTokens derives the token set for one turn from its visible
// response and tool calls. Response words carry no prefix; actions and
// the tool set are namespaced so a chatty turn cannot collide with a
// tool-heavy one by accident.
func TurnSignatureTokens(response string, calls []tools.CallRecord) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(tok string) {
		if tok == "" {
			return
		}
		if _, ok := seen[tok]; !ok {
			seen[tok] = struct{}{}
			out = append(out, tok)
		}
	}

	for _, word := range strings.Fields(strings.ToLower(response)) {
		add(strings.Trim(word, ".,:;!?\"'()[]{}"))
	}
	for _, call := range calls {
		add("tool:" + strings.ToLower(call.ToolName))
		add(fmt.Sprintf("act:%s:%s", strings.ToLower(call.ToolName), digestArgs(call.Args)))
	}
	return out
}

// digestArgs flattens call arguments into a short stable token.
func digestArgs(args map[string]any) string {
	if len(args) == 0 {
		return "noargs"
	}
	var parts []string
	for k, v := range args {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	// Map order is random; sort for stability.
	for i := 0; i < len(parts); i++ {
		for j := i + 1; j < len(parts); j++ {
			if parts[j] < parts[i] {
				parts[i], parts[j] = parts[j], parts[i]
			}
		}
	}
	joined := strings.Join(parts, ",")
	if len(joined) > 80 {
		joined = joined[:80]
	}
	return joined
}

// jaccard computes |A∩B| / |A∪B| over token slices.
func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]struct{}, len(a))
	for _, tok := range a {
		setA[tok] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, tok := range b {
		setB[tok] = struct{}{}
	}

	intersection := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}
