package nats

import (
	"strings"
)

// toSubject converts a canonical dot-delimited topic or filter to NATS
// subject form. Canonical wildcards are MQTT-style: + for one segment,
// # for a trailing multi-segment match. NATS uses * and >.
func toSubject(canonical string) string {
	subject := strings.ReplaceAll(canonical, "+", "*")
	subject = strings.ReplaceAll(subject, "#", ">")
	return subject
}

// fromSubject converts a NATS subject back to canonical form.
func fromSubject(subject string) string {
	topic := strings.ReplaceAll(subject, "*", "+")
	topic = strings.ReplaceAll(topic, ">", "#")
	return topic
}
