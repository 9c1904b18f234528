// Package approval manages human approval requests for actions a rule
// routed to the pending effect.
//
// The gate deduplicates open requests per (client, actor, action, resource,
// rule), so repeated evaluations of the same attempt reuse one pending
// request instead of fanning out duplicates. An approved request admits the
// next evaluation of the same attempt; requests expire after their rule's
// timeout and then stop satisfying the gate.
package approval
