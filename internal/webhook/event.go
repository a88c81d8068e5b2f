package webhook

// Inbound event types.
const (
	EventTaskAssigned   = "task.assigned"
	EventCommentCreated = "comment.created"
	EventTaskUpdated    = "task.updated"
	EventPlanApproved   = "plan.approved"
)

// Header names on inbound requests.
const (
	HeaderSignature = "X-Devflow-Signature"
	HeaderTimestamp = "X-Devflow-Timestamp"
	HeaderEvent     = "X-Devflow-Event"
)

// Event is the inbound webhook body. Only the fields the pipeline consumes
// are modeled; unknown fields pass through unparsed.
type Event struct {
	Task struct {
		ID          string `json:"id"`
		Title       string `json:"title"`
		Description string `json:"description"`
		Status      string `json:"status"`
	} `json:"task"`
	List struct {
		GithubRepositoryID string `json:"githubRepositoryId"`
		BaseBranch         string `json:"baseBranch"`
	} `json:"list"`
	AIAgent struct {
		Email    string `json:"email"`
		Provider string `json:"provider"`
	} `json:"aiAgent"`
	Comment struct {
		ID     string `json:"id"`
		Body   string `json:"body"`
		Author string `json:"author"`
	} `json:"comment"`
}
