package intake

import (
	"fmt"
	"strconv"
	"strings"
)

// summarize produces the one-line human summary stored alongside each event.
func summarize(kind, repository string, payload map[string]interface{}) string {
	switch kind {
	case "push":
		if sha := commitSha(payload); sha != "" {
			return fmt.Sprintf("Push to %s: %s", repository, shortSha(sha))
		}
		return fmt.Sprintf("Push to %s", repository)
	case "pull_request":
		return fmt.Sprintf("Pull request #%s %s in %s",
			payloadString(payload, "number", "unknown"),
			payloadString(payload, "action", "updated"),
			repository)
	case "issues":
		return fmt.Sprintf("Issue #%s %s in %s",
			payloadString(payload, "number", "unknown"),
			payloadString(payload, "action", "updated"),
			repository)
	case "release":
		return fmt.Sprintf("Release %s created in %s",
			payloadString(payload, "tag_name", "unknown"),
			repository)
	default:
		return fmt.Sprintf("%s event in %s", titleKind(kind), repository)
	}
}

func shortSha(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

// payloadString renders a payload field as a string. Numbers arrive as
// float64 after json decoding.
func payloadString(payload map[string]interface{}, key, fallback string) string {
	if payload == nil {
		return fallback
	}

	switch v := payload[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	default:
		return fallback
	}
}

// titleKind turns an activity kind like "pull_request" into "Pull Request".
func titleKind(kind string) string {
	words := strings.Split(strings.Replace(kind, "_", " ", -1), " ")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
