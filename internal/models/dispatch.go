package models

import "fmt"

// DispatchKey identifies one slot of serialized scheduler work. Integration
// requests share a slot per project and target branch; build requests get
// a slot of their own.
type DispatchKey struct {
	ProjectID    int64
	TargetBranch string
	RequestID    int64
}

// KeyFor returns the dispatch key of a request.
func KeyFor(r *Request) DispatchKey {
	if r.Integration {
		return DispatchKey{ProjectID: r.ProjectID, TargetBranch: r.TargetBranch}
	}
	return DispatchKey{ProjectID: r.ProjectID, RequestID: r.ID}
}

func (k DispatchKey) String() string {
	if k.RequestID != 0 {
		return fmt.Sprintf("%d/request/%d", k.ProjectID, k.RequestID)
	}
	return fmt.Sprintf("%d/branch/%s", k.ProjectID, k.TargetBranch)
}
