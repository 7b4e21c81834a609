package waf

import "context"

// AgentClient talks to the external enforcement agent's control plane. Calls
// are blocking with a bounded timeout supplied via the context; on timeout
// the caller receives a retryable error rather than hanging the request.
type AgentClient interface {
	// PushDocuments registers compiled documents for an application,
	// replacing any previous documents with the same filenames.
	PushDocuments(ctx context.Context, appID string, docs []Document) error

	// RemoveDocuments de-registers documents by filename.
	RemoveDocuments(ctx context.Context, appID string, filenames []string) error
}
