// Package workspace reads and writes the tables the engine shares with the
// workspace application: nodes and edges, contacts and communications,
// conversations, members and channels, tool definitions, credentials,
// settings and the writes audit log.
//
// The engine never owns these rows. It reads them to build agent context
// and writes to them only through tool calls and workflow results. Node
// mutations made on behalf of a task carry an Actor; PostgresStore applies
// it with transaction-local settings so the node_revisions trigger records
// who made the change.
//
// MemoryStore implements Store for tests and local runs, with knowledge
// search served by a bleve index.
package workspace
