package domain

import "context"

// Tool is an executor the guard can authorize (shell, file ops, wallet signer).
type Tool interface {
	Name() string
	Description() string
	Level() SecurityLevel
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) (string, error)
}
