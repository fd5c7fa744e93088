// Package main provides the entry point for the sessmgr CLI.
package main

import "yqhp/session-manager/cmd"

func main() {
	cmd.Execute()
}
