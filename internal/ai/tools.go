package ai

import "context"

// Tool is something the model may call during a generation. Invoke gets
// the raw JSON arguments the model produced and returns the tool output
// that is fed back as a role=tool message.
type Tool interface {
	Spec() ToolSpec
	Invoke(ctx context.Context, arguments string) (string, error)
}
