package mcp

// Input schema helpers. MCP clients read these to know what each tool takes;
// the handlers re-validate, so the schemas are advisory but kept accurate.

func obj(props map[string]any, required ...string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func str(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func boolean(desc string) map[string]any {
	return map[string]any{"type": "boolean", "description": desc}
}

func strList(desc string) map[string]any {
	return map[string]any{
		"type":        "array",
		"items":       map[string]any{"type": "string"},
		"description": desc,
	}
}

func freeObj(desc string) map[string]any {
	return map[string]any{"type": "object", "description": desc}
}

// toolCatalog lists every tool the server exposes, in the order agents see
// them: CRUD first, bubbles, schema, introspection, then improvement review.
func toolCatalog() []toolSpec {
	return []toolSpec{
		{
			Name:        "save_context",
			Description: "Save a piece of context (a decision, preference, or fact) for later recall.",
			InputSchema: obj(map[string]any{
				"content":  str("The context text to save"),
				"tags":     strList("Tags for filtered recall"),
				"source":   str("Where this context came from"),
				"bubbleId": str("Bubble to place the entry in"),
			}, "content"),
		},
		{
			Name:        "recall_context",
			Description: "Recall saved context matching a query. Call this before answering questions about past decisions or preferences.",
			InputSchema: obj(map[string]any{
				"query": str("What to look for"),
			}, "query"),
		},
		{
			Name:        "list_contexts",
			Description: "List all active context entries, optionally filtered by tag, or the archive.",
			InputSchema: obj(map[string]any{
				"tag":      str("Only entries carrying this tag"),
				"archived": boolean("List archived entries instead of active ones"),
			}),
		},
		{
			Name:        "update_context",
			Description: "Update an existing context entry's content, tags, source, or bubble.",
			InputSchema: obj(map[string]any{
				"contextId": str("ID of the entry to update"),
				"content":   str("Replacement content"),
				"tags":      strList("Replacement tags"),
				"source":    str("Replacement source"),
				"bubbleId":  str("Bubble to move the entry to; empty string removes it from its bubble"),
			}, "contextId"),
		},
		{
			Name:        "delete_context",
			Description: "Permanently delete a context entry.",
			InputSchema: obj(map[string]any{
				"contextId": str("ID of the entry to delete"),
			}, "contextId"),
		},
		{
			Name:        "search_context",
			Description: "Search context entries; every term must match content, tags, or source.",
			InputSchema: obj(map[string]any{
				"query": str("Space-separated search terms"),
			}, "query"),
		},
		{
			Name:        "create_bubble",
			Description: "Create a named bubble for grouping related context entries.",
			InputSchema: obj(map[string]any{
				"name":        str("Bubble name"),
				"description": str("What the bubble is for"),
				"bubbleId":    str("Explicit ID; generated when omitted"),
			}, "name"),
		},
		{
			Name:        "list_bubbles",
			Description: "List all bubbles with their entry counts.",
			InputSchema: obj(map[string]any{}),
		},
		{
			Name:        "delete_bubble",
			Description: "Delete a bubble. Entries are kept and orphaned unless cascade is set.",
			InputSchema: obj(map[string]any{
				"bubbleId": str("ID of the bubble to delete"),
				"cascade":  boolean("Also delete the bubble's entries"),
			}, "bubbleId"),
		},
		{
			Name:        "assign_context_to_bubble",
			Description: "Move a context entry into a bubble.",
			InputSchema: obj(map[string]any{
				"contextId": str("Entry to move"),
				"bubbleId":  str("Destination bubble"),
			}, "contextId", "bubbleId"),
		},
		{
			Name:        "describe_schema",
			Description: "Describe the user-defined context types and their fields.",
			InputSchema: obj(map[string]any{}),
		},
		{
			Name:        "save_typed_context",
			Description: "Save a structured context entry of a declared type. Validation issues are reported but do not block the save.",
			InputSchema: obj(map[string]any{
				"typeName": str("Declared context type"),
				"data":     freeObj("Field values for the type"),
				"tags":     strList("Tags for filtered recall"),
				"source":   str("Where this context came from"),
			}, "typeName", "data"),
		},
		{
			Name:        "query_by_type",
			Description: "List entries of a type, optionally filtered on field values and ranked by relevance to a query.",
			InputSchema: obj(map[string]any{
				"typeName": str("Declared context type"),
				"filter":   freeObj("Field values entries must match exactly"),
				"ranked":   boolean("Rank results by relevance"),
				"query":    str("Relevance query; required when ranked is set"),
			}, "typeName"),
		},
		{
			Name:        "introspect",
			Description: "Report what the store knows about itself: identity, coverage, freshness, gaps, contradictions, and health.",
			InputSchema: obj(map[string]any{
				"deep": boolean("Use language-model analysis for contradictions"),
			}),
		},
		{
			Name:        "get_gaps",
			Description: "List detected gaps: empty types, repeatedly missed queries, and stale entries.",
			InputSchema: obj(map[string]any{}),
		},
		{
			Name:        "report_usefulness",
			Description: "Report whether a recalled entry was actually helpful.",
			InputSchema: obj(map[string]any{
				"contextId": str("Entry being rated"),
				"helpful":   boolean("Whether the entry helped"),
			}, "contextId", "helpful"),
		},
		{
			Name:        "analyze_contradictions",
			Description: "Find pairs of same-type entries that contradict each other.",
			InputSchema: obj(map[string]any{}),
		},
		{
			Name:        "suggest_schema",
			Description: "Propose schema types for recurring untyped entries.",
			InputSchema: obj(map[string]any{}),
		},
		{
			Name:        "summarize_context",
			Description: "Summarize context entries, optionally scoped to a tag or bubble and steered by a focus hint.",
			InputSchema: obj(map[string]any{
				"tag":      str("Only entries carrying this tag"),
				"bubbleId": str("Only entries in this bubble"),
				"focus":    str("Aspect to emphasize"),
			}),
		},
		{
			Name:        "get_improvements",
			Description: "List improvement actions the system has executed.",
			InputSchema: obj(map[string]any{
				"since": str("RFC 3339 timestamp; only records at or after it"),
			}),
		},
		{
			Name:        "review_pending_actions",
			Description: "List improvement actions awaiting approval, with risk, reasoning, and previews.",
			InputSchema: obj(map[string]any{}),
		},
		{
			Name:        "approve_action",
			Description: "Approve and execute a pending improvement action.",
			InputSchema: obj(map[string]any{
				"actionId": str("Pending action to approve"),
			}, "actionId"),
		},
		{
			Name:        "dismiss_action",
			Description: "Dismiss a pending improvement action. Dismissals teach the system not to re-propose the same change.",
			InputSchema: obj(map[string]any{
				"actionId": str("Pending action to dismiss"),
				"reason":   str("Why the action is unwanted"),
			}, "actionId"),
		},
	}
}
