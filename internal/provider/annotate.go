package provider

import "context"

// AnnotateName is the identifier of the offline fallback.
const AnnotateName = "mock"

// Annotate is the deterministic offline fallback. It appends the prompt as a
// trailing comment and never fails.
type Annotate struct{}

func (Annotate) Name() string          { return AnnotateName }
func (Annotate) RequiresNetwork() bool { return false }
func (Annotate) SecretSource() string  { return "" }

// Edit appends "# Mock Vibe: <prompt>" to the code at zero cost.
func (Annotate) Edit(_ context.Context, req EditRequest) (Edit, error) {
	return Edit{
		NewCode:     req.Code + "\n# Mock Vibe: " + req.Prompt,
		Explanation: "Applied mock vibe: " + req.Prompt,
		Cost:        0,
	}, nil
}
