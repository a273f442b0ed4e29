package pump

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// FormatToolOutput renders a tool result for the meeting chat. Results that
// carry job.result.generated_designs become a numbered list of design links;
// anything else is passed through as text.
func FormatToolOutput(toolName string, raw any) string {
	if links := designLinks(raw); len(links) > 0 {
		header := "Designs generated:"
		if strings.Contains(strings.ToLower(toolName), "canva") {
			header = "Canva designs generated:"
		}
		lines := make([]string, 0, len(links)+1)
		lines = append(lines, header)
		for i, l := range links {
			line := strconv.Itoa(i+1) + ". " + l.url
			if l.thumb != "" {
				line += " (thumb: " + l.thumb + ")"
			}
			lines = append(lines, line)
		}
		return strings.Join(lines, "\n")
	}
	return verbatim(raw)
}

type designLink struct {
	url   string
	thumb string
}

func designLinks(raw any) []designLink {
	obj, ok := asObject(raw)
	if !ok {
		return nil
	}
	job, _ := obj["job"].(map[string]any)
	result, _ := job["result"].(map[string]any)
	designs, _ := result["generated_designs"].([]any)

	var out []designLink
	for _, d := range designs {
		design, ok := d.(map[string]any)
		if !ok {
			continue
		}
		url, _ := design["url"].(string)
		if url == "" {
			continue
		}
		var thumb string
		if t, ok := design["thumbnail"].(map[string]any); ok {
			thumb, _ = t["url"].(string)
		}
		out = append(out, designLink{url: url, thumb: thumb})
	}
	return out
}

// asObject decodes JSON text or normalizes a structured value into a generic
// JSON object.
func asObject(raw any) (map[string]any, bool) {
	var data []byte
	switch v := raw.(type) {
	case nil:
		return nil, false
	case map[string]any:
		return v, true
	case string:
		data = []byte(v)
	case []byte:
		data = v
	case error:
		return nil, false
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, false
		}
		data = b
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, false
	}
	return obj, true
}

func verbatim(raw any) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case error:
		return v.Error()
	case fmt.Stringer:
		return v.String()
	}
	if b, err := json.Marshal(raw); err == nil {
		return string(b)
	}
	return fmt.Sprint(raw)
}
