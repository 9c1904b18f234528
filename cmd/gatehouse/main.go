// Gatehouse is an admission control engine for autonomous agent actions.
//
// Every action an agent attempts is evaluated against kill switches, rate
// limits, and a declarative rule set before it runs, producing an allow,
// deny, or pending decision with a full audit trail.
//
// Usage:
//
//	# Start the engine with a configuration file
//	gatehouse run --config /etc/gatehouse/config.yaml
//
//	# Validate a rules file
//	gatehouse lint --file rules.yaml
//
//	# Evaluate a single action from the command line
//	gatehouse check --action publish --resource post --client client-1 --actor agent-7
//
//	# Show version information
//	gatehouse version
package main

func main() {
	Execute()
}
