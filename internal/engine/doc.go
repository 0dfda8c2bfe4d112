// Package engine wires the workflow pipeline together: it binds values into
// a graph template, submits the result to the execution server, follows the
// job to its terminal state and retrieves the produced files.
//
// An Engine owns one server client, one job store and one completion
// tracker for its whole lifetime. Close releases them.
package engine
