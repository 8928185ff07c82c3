package credential

import "context"

// Store is the credential table. Issue always overwrites; Validate never
// mutates; ValidateAndConsume is the atomic path the delivery pipeline uses.
//
// Validate returns nil, or sentinel.ErrNotFound / sentinel.ErrExpired /
// sentinel.ErrCodeMismatch.
type Store interface {
	Issue(ctx context.Context, rec Record) error
	Get(ctx context.Context, subject string) (Record, error)
	Validate(ctx context.Context, subject, code string) error
	ValidateAndConsume(ctx context.Context, subject, code string) (Record, error)
	Consume(ctx context.Context, subject string) error
}
