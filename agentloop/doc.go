// Package agentloop implements the harness turn cycle.
//
// An Orchestrator pairs an oracle (the model) with a middleware chain of
// units. Each unit contributes a prompt fragment, tools, or both. Every turn
// the orchestrator assembles the system prompt, invokes the oracle, passes
// requested tool calls through the approval gate, executes the cleared
// calls in parallel, and compacts large results into the artifact store
// before they reach the transcript.
//
// # Architecture
//
//   - Unit and Chain: ordered middleware units, validated once at
//     construction.
//   - Assemble: deterministic system prompt and tool list with per-unit
//     token budgets.
//   - ToolRegistry: tool definitions and executors, unique by name.
//   - approval.Gate: suspends the turn until sensitive calls are decided.
//   - compaction.Engine: replaces oversized results with artifact pointers.
//   - SubagentDispatcher: runs delegated tasks in fresh orchestrators and
//     returns only distilled output.
//   - EventEmitter: typed event stream for the host application.
//
// # Quick Start
//
//	store := artifact.NewMemoryStore()
//	orch, err := agentloop.New(client, store, agentloop.DefaultSessionConfig(),
//	    []agentloop.Unit{
//	        agentloop.NewPromptUnit("persona", "You are a careful research assistant."),
//	        agentloop.NewToolsetUnit("search", searchTools),
//	        agentloop.NewDelegationUnit(),
//	    },
//	    agentloop.WithDecider(decider),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer orch.Close()
//
//	res, err := orch.Run(ctx, "Summarize the open incidents")
package agentloop
