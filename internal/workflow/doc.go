// Package workflow runs a small plan of named tasks whose declared
// dependencies gate when each may start. Independent tasks run in parallel up
// to a configured limit; a task whose dependency failed is skipped rather than
// run.
package workflow
