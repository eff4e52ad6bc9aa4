// Command tepmonitor runs the Tennessee Eastman Process monitor: the
// real-time simulation driver, PCA anomaly detector, LLM dispatcher and the
// REST/SSE orchestrator API described by the design, or validates a
// baseline artifact / prints the effective configuration without starting
// anything.
package main

import "tepmonitor/cmd/tepmonitor/cmd"

func main() {
	cmd.Execute()
}
