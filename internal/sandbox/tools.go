package sandbox

// Definition declares one tool to the language model. Parameters is a JSON
// schema object in the shape both the Anthropic and OpenAI tool APIs accept.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

func objectSchema(required []string, props map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func stringProp(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": desc}
}

// Definitions returns the full tool vocabulary in declaration order.
// includeTaskComplete is false during the plan phase, where the terminal
// signal is a structured plan rather than a tool call.
func Definitions(includeTaskComplete bool) []Definition {
	defs := []Definition{
		{
			Name:        ToolReadFile,
			Description: "Read the contents of a file in the workspace.",
			Parameters: objectSchema([]string{"path"}, map[string]interface{}{
				"path": stringProp("Path to the file, relative to the workspace root."),
			}),
		},
		{
			Name:        ToolWriteFile,
			Description: "Create or overwrite a file in the workspace with the given content.",
			Parameters: objectSchema([]string{"path", "content"}, map[string]interface{}{
				"path":    stringProp("Path to the file, relative to the workspace root."),
				"content": stringProp("Full content to write."),
			}),
		},
		{
			Name:        ToolEditFile,
			Description: "Replace an exact substring in a file. Fails if old_string is not present.",
			Parameters: objectSchema([]string{"path", "old_string", "new_string"}, map[string]interface{}{
				"path":       stringProp("Path to the file, relative to the workspace root."),
				"old_string": stringProp("Exact text to find. Must match the file content byte for byte."),
				"new_string": stringProp("Replacement text."),
			}),
		},
		{
			Name:        ToolRunBash,
			Description: "Run a shell command in the workspace. Destructive commands are blocked.",
			Parameters: objectSchema([]string{"command"}, map[string]interface{}{
				"command": stringProp("The command to run."),
			}),
		},
		{
			Name:        ToolGlobFiles,
			Description: "List workspace files matching a glob pattern (supports ** for recursion).",
			Parameters: objectSchema([]string{"pattern"}, map[string]interface{}{
				"pattern": stringProp("Glob pattern, e.g. src/**/*.ts."),
			}),
		},
		{
			Name:        ToolGrepSearch,
			Description: "Search file contents for a pattern. Returns matching lines; no matches is not an error.",
			Parameters: objectSchema([]string{"pattern"}, map[string]interface{}{
				"pattern": stringProp("Pattern to search for."),
				"path":    stringProp("Directory or file to search, relative to the workspace root. Defaults to the whole workspace."),
			}),
		},
	}

	if includeTaskComplete {
		defs = append(defs, Definition{
			Name:        ToolTaskComplete,
			Description: "Signal that the implementation is finished. Call this exactly once, after all file changes are made.",
			Parameters: objectSchema([]string{"commit_message", "pr_title"}, map[string]interface{}{
				"commit_message": stringProp("Commit message for the accumulated changes."),
				"pr_title":       stringProp("Pull request title."),
				"pr_description": stringProp("Pull request description in markdown."),
			}),
		})
	}

	return defs
}
