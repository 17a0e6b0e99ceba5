/*
Package rulepost documents the rulepost module.

This module is CLI-first and ships the rulepost command:

	go install github.com/nuetzliches/rulepost/cmd/rulepost@latest

Most implementation packages in this repository are internal and are not a
stable public Go API.
*/
package rulepost
