package graph

import (
	"dagnet/models"
)

// Anti-entropy runs as a three-step exchange driven by the node layer:
//
//	A -> B  graph.digest {A's ids}
//	B -> A  graph.delta  {B minus A, parents first; B's ids}
//	A -> B  graph.delta  {A minus B, parents first}
//
// Each side transfers exactly the set difference, so two finite replicas
// converge in one exchange.

// Digest advertises every admitted id.
func (g *Graph) Digest() models.GraphDigest {
	return models.GraphDigest{IDs: g.IDs()}
}

// Delta returns this replica's events absent from theirIDs, in total order,
// which guarantees parents are transferred before children.
func (g *Graph) Delta(theirIDs []string) []*models.Event {
	theirs := make(map[string]struct{}, len(theirIDs))
	for _, id := range theirIDs {
		theirs[id] = struct{}{}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*models.Event
	for _, id := range g.order {
		if _, ok := theirs[id]; !ok {
			out = append(out, g.events[id].Clone())
		}
	}
	return out
}

// ApplyDelta admits transferred events in the order sent. It returns how
// many were newly admitted; duplicates are dropped silently per the usual
// receive rules.
func (g *Graph) ApplyDelta(events []*models.Event, from string) (int, error) {
	admitted := 0
	var firstErr error
	for _, ev := range events {
		res, err := g.Receive(ev, from)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if res == Admitted {
			admitted++
		}
	}
	return admitted, firstErr
}
