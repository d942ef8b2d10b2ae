package domain

// ModelBackend describes the LLM backend a Run actually used. It is opaque
// to the control plane beyond the fields below; a Worker reports it at
// completion time.
type ModelBackend struct {
	Provider           string            `json:"provider"`
	ModelName          string            `json:"model_name"`
	ContextWindow      uint32            `json:"context_window"`
	SupportsStreaming  bool              `json:"supports_streaming"`
	Modalities         []string          `json:"modalities"`
	Tools              []string          `json:"tools"`
	Metadata           map[string]string `json:"metadata"`
}

// NewModelBackend builds a ModelBackend with the defaults the original
// domain model uses: streaming enabled, text-only modality.
func NewModelBackend(provider, modelName string) ModelBackend {
	return ModelBackend{
		Provider:          provider,
		ModelName:         modelName,
		ContextWindow:     0,
		SupportsStreaming: true,
		Modalities:        []string{"text"},
		Tools:             nil,
		Metadata:          map[string]string{},
	}
}

// AgentSpec is a capability a Worker advertises in its Hello/WorkerInfo.
type AgentSpec struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	Backends    []ModelBackend    `json:"backends,omitempty"`
}

// NewAgentSpec builds an empty AgentSpec for the given agent name.
func NewAgentSpec(name string) AgentSpec {
	return AgentSpec{Name: name, Labels: map[string]string{}}
}
