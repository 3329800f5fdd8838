package bus

import "strings"

// Well-known topics.
const (
	// TopicInbox receives tasks from clients. Only the router reads it.
	TopicInbox = "plasma_inbox"

	// TopicResults carries every agent's results; clients filter by task_id.
	TopicResults = "plasma_results"

	// TopicHeartbeats carries liveness signals from every component.
	TopicHeartbeats = "plasma_heartbeats"

	// TopicCapacity carries provider capacity reductions between workers.
	TopicCapacity = "plasma_capacity"

	taskTopicPrefix = "plasma_tasks:"
)

// TaskTopic returns the per-agent task topic, e.g. "plasma_tasks:grok".
func TaskTopic(agent string) string {
	return taskTopicPrefix + agent
}

// AgentFromTaskTopic is the inverse of TaskTopic.
func AgentFromTaskTopic(topic string) (string, bool) {
	if !strings.HasPrefix(topic, taskTopicPrefix) {
		return "", false
	}
	agent := topic[len(taskTopicPrefix):]
	return agent, agent != ""
}
