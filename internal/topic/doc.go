// Package topic implements MQTT topic filter rules and the subscription
// registry used by sessions to route inbound messages.
//
// Filters follow MQTT 3.1.1:
//   - "/" separates levels; levels may be empty
//   - "+" matches exactly one level and must occupy a whole level
//   - "#" matches zero or more trailing levels, so "a/#" also matches "a";
//     it must be the last level and occupy it entirely
//   - matching is case-sensitive
//   - topics starting with "$" are not matched by a filter whose first
//     level is a wildcard
//
// # Registry
//
// Registry keeps one entry per filter with the set of consumers attached to
// it. Writers are serialised; Match reads an immutable snapshot through an
// atomic pointer and never blocks on a writer.
package topic
