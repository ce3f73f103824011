package envelope

import "strings"

const toolInvokePrefix = "tool.invoke."

// ParseToolInvoke extracts the tool name from a topic of the form
// "tool.invoke.<name>". The second return value is false if topic does not
// match the grammar or the name is empty.
func ParseToolInvoke(topic string) (name string, ok bool) {
	if !strings.HasPrefix(topic, toolInvokePrefix) {
		return "", false
	}
	name = strings.TrimPrefix(topic, toolInvokePrefix)
	if name == "" {
		return "", false
	}
	return name, true
}

// ToolInvokeTopic builds the canonical topic string for a tool name.
func ToolInvokeTopic(name string) string {
	return toolInvokePrefix + name
}

// HasPrefix reports whether topic is matched by the subscription prefix, per
// the bus's topic-prefix fan-out rule.
func HasPrefix(topic, prefix string) bool {
	return strings.HasPrefix(topic, prefix)
}
