package scanning

import "context"

// Provider sends one extraction request to a hosted vision model and returns
// the raw text of its answer. Implementations map transport failures onto
// *Error so the Client can decide whether to retry.
type Provider interface {
	// Name identifies the provider in logs.
	Name() string
	// Complete performs a single call. It must honor ctx cancellation.
	Complete(ctx context.Context, req *Request) (string, error)
	// Close releases any resources held by the provider.
	Close() error
}
