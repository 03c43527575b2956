package models

// RenderTask is one unit of template substitution for a recipient on a
// channel. Key is the correlation key for the matching RenderResult.
type RenderTask struct {
	Key       string         `json:"taskKey"`
	Lang      string         `json:"lang"`
	Type      Channel        `json:"channelType"`
	Variables map[string]any `json:"variables"`
}

// BatchRenderRequest is the body of the batch render call.
type BatchRenderRequest struct {
	TemplateName string       `json:"templateName"`
	Tasks        []RenderTask `json:"tasks"`
}

// RenderedTemplate is the substituted content for one task.
type RenderedTemplate struct {
	Title    string `json:"title,omitempty"`
	Body     string `json:"body"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// RenderResult is the rendering service outcome for one task.
type RenderResult struct {
	Key     string            `json:"taskKey"`
	Success bool              `json:"success"`
	Data    *RenderedTemplate `json:"data,omitempty"`
	Error   *APIError         `json:"error,omitempty"`
}

// Succeeded reports whether the result carries usable content.
func (r *RenderResult) Succeeded() bool {
	return r != nil && r.Success && r.Data != nil
}

// Template is the subset of the template resource the gateway inspects.
type Template struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Version int64  `json:"version"`
}
