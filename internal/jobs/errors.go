package jobs

import "errors"

/*
Keep errors flat and inspectable with errors.Is; callers wrap with
fmt.Errorf + %w to add ids and context.
*/

var (
	ErrInvalidSpec       = errors.New("invalid job spec")
	ErrUnknownDependency = errors.New("unknown dependency id")
	ErrExecutorNotFound  = errors.New("no executor registered for job type")
	ErrExecutorExists    = errors.New("executor already registered for job type")
)
