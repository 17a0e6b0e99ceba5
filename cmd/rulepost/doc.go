// Command rulepost runs the rulepost event dispatch daemon.
//
// Rulepost accepts events on an HTTP intake, matches them against configured
// rules, and posts each match to its target service as a JSON webhook. Every
// dispatch is recorded in an attempt history.
//
// Install:
//
//	go install github.com/nuetzliches/rulepost/cmd/rulepost@latest
//
// Usage:
//
//	rulepost run --config ./Rulepostfile
package main
