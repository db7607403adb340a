package toolcall

import (
	"fmt"
	"strings"

	"github.com/ghiac/agentdesk/model"
)

// FormatToolInstructions renders the tool declarations and the directive
// format for backends without structured tool calling. It returns an empty
// string when there are no tools.
func FormatToolInstructions(tools []model.Tool) string {
	if len(tools) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("You can use the following tools. Parameters marked * are required.\n\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s", describeTool(t))
		if t.Description != "" {
			fmt.Fprintf(&b, ": %s", t.Description)
		}
		b.WriteByte('\n')
		for _, p := range t.Schema().Params {
			if p.Description != "" {
				fmt.Fprintf(&b, "    %s: %s\n", p.Name, p.Description)
			}
		}
	}
	b.WriteString("\nTo call a tool, reply with exactly these two lines and nothing else:\n")
	b.WriteString("USE_TOOL: <tool name>\n")
	b.WriteString("PARAMETERS: {\"param\": \"value\"}\n\n")
	b.WriteString("Only use values the customer actually gave you. If a required value is missing, ask for it instead of calling the tool.")
	return b.String()
}
