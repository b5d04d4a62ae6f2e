package auth

import "context"

// SetFidForTest injects a fid into the context for testing purposes.
func SetFidForTest(ctx context.Context, fid string) context.Context {
	return context.WithValue(ctx, fidKey, fid)
}
