package contexthelper

import "context"

// CheckCancellation returns ctx.Err() if the context is already done and nil
// otherwise. Storage backends call it before touching the network.
func CheckCancellation(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
