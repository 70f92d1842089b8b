// Command orca runs the orchestration core from the command line.
package main

func main() {
	Execute()
}
