package prompt

import "fmt"

// DelegationFooter is appended to a queued task's input so the agent passes
// parent_task_id back when it delegates further.
func DelegationFooter(taskID, conversationID, screenplayID string) string {
	return fmt.Sprintf("\n\n---\n"+
		"[DELEGATION CONTEXT - mandatory when calling enqueue_agent]\n"+
		"parent_task_id: \"%s\"\n"+
		"conversation_id: \"%s\"\n"+
		"screenplay_id: \"%s\"\n"+
		"When delegating work to another agent via enqueue_agent, you MUST include parent_task_id=\"%s\". "+
		"The server will automatically enforce the correct conversation_id and screenplay_id.\n"+
		"---", taskID, conversationID, screenplayID, taskID)
}

// WithDelegationContext returns input followed by the delegation footer.
func WithDelegationContext(input, taskID, conversationID, screenplayID string) string {
	return input + DelegationFooter(taskID, conversationID, screenplayID)
}
