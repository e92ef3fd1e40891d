// Package prompts holds the instructions aide sends to models.
//
// Prompt text is Go code rather than config because it is program
// logic: templates are interpolated with fmt and covered by tests.
//
// Convention: one file per prompt category (system.go, summary.go,
// watcher.go) with an exported function that takes the dynamic parts
// and returns the finished prompt.
package prompts
