// Package statecache holds the last known state of every device topic.
//
// Sessions write an entry for each inbound message; the API and consumers
// only read. The cache lives for the process lifetime: entries never expire
// and a newer message on a topic overwrites the older one.
//
// # Performance Characteristics
//
//   - Reads (Get, List, Len) load an immutable map through an atomic pointer
//     and never wait, even while a write is in progress
//   - Writes copy the map, so they cost O(topics); expected sizes are tens
//     to low thousands of topics
package statecache
