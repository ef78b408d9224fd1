package main

import "redaction-pipeline/internal/cli"

func main() {
	cli.Execute()
}
