// Package harness drives a language model through a multi-step tool-use
// loop against a confined workspace.
//
// The Runner owns the step loop: it calls the model, hands any returned tool
// calls to the Dispatcher, appends the results to the conversation, and
// repeats until the model stops calling tools, the step budget runs out, the
// run is cancelled, or the provider fails fatally. The Dispatcher validates
// arguments against each tool's declared schema and never lets a tool
// failure escape as anything other than a typed result. Execution-class
// tools consult the policy gate before touching the system, and every
// filesystem path flows through the workspace guard.
//
// Progress is observable through an EventEmitter channel; hosts can fan the
// events out to a console renderer, a protocol adapter, or a JSONL log.
package harness
