package sending

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// batchConcurrency bounds parallel sends inside one batch request.
const batchConcurrency = 10

// BatchResult is the outcome of one message of a batch.
type BatchResult struct {
	ID     string `json:"id,omitempty"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// SendBatch sends 1..MaxBatchSize messages. Every message is validated and
// the whole batch's quota is reserved before anything is sent; after that,
// one message failing never affects the others.
func (s *Service) SendBatch(ctx context.Context, orgID string, inputs []SendInput) ([]BatchResult, error) {
	verr := &ValidationError{}
	switch {
	case len(inputs) == 0:
		verr.add("emails", "at least one email is required")
	case len(inputs) > MaxBatchSize:
		verr.add("emails", fmt.Sprintf("exceeds the maximum of %d", MaxBatchSize))
	default:
		for i := range inputs {
			inputs[i].validateInto(verr, fmt.Sprintf("emails[%d].", i))
		}
	}
	if err := verr.orNil(); err != nil {
		return nil, err
	}

	if err := s.quota.Reserve(ctx, orgID, len(inputs)); err != nil {
		return nil, err
	}

	results := make([]BatchResult, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for i := range inputs {
		g.Go(func() error {
			e, err := s.sendReserved(gctx, orgID, &inputs[i], PathBatch)
			switch {
			case e == nil:
				results[i] = BatchResult{Status: "failed", Error: err.Error()}
			case err != nil:
				results[i] = BatchResult{ID: e.ID, Status: string(e.Status), Error: err.Error()}
			default:
				results[i] = BatchResult{ID: e.ID, Status: string(e.Status)}
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}
