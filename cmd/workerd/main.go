// Package main is the entry point for workerd, the worker process
// supervisor.
package main

import "os"

func main() {
	os.Exit(Execute(os.Args[1:]))
}
