// Command graphrun executes workflow graphs from the command line.
package main

import (
	"fmt"
	"os"
)

const usage = `usage: graphrun <command> [arguments]

commands:
  run <graph.yaml|json> [-inputs json] [-user id]      run a graph, print events as JSON lines
  resume <run-id> <form-id> [-action id] [-inputs json] resume a paused run
  sweep                                                expire overdue pauses once
  serve [-addr :4200]                                  serve webhook callbacks and sweep on schedule
  diagram <graph.yaml|json> [-format mermaid|png|svg]  render a graph
  version                                              print the version`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	args := os.Args[2:]
	var code int
	switch os.Args[1] {
	case "run":
		code = runRun(args)
	case "resume":
		code = runResume(args)
	case "sweep":
		code = runSweep(args)
	case "serve":
		code = runServe(args)
	case "diagram":
		code = runDiagram(args)
	case "version", "-v", "--version":
		printVersion()
	case "help", "-h", "--help":
		fmt.Println(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s\n", os.Args[1], usage)
		code = 2
	}
	os.Exit(code)
}
